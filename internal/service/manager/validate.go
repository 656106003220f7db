package manager

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/vertextoedge/dlengine/internal/domain"
)

var validate *validator.Validate
var translator ut.Translator

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("manager: failed to get 'en' translator")
	}

	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// downloadRequest is the admission input of Download
type downloadRequest struct {
	Tag      string `json:"tag" validate:"required"`
	URL      string `json:"url" validate:"required,url"`
	SaveName string `json:"save_name" validate:"required"`
}

// FieldError is a validation failure of one request field
type FieldError struct {
	Field string `json:"field"`
	Err   string `json:"error"`
}

// FieldErrors is returned when a download request fails validation
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}

// Is matches domain.ErrBlankSaveName when the save name was rejected
func (fe FieldErrors) Is(target error) bool {
	if target != domain.ErrBlankSaveName {
		return false
	}
	for _, f := range fe {
		if f.Field == "save_name" {
			return true
		}
	}
	return false
}

// validateRequest checks req against its tags. Blank strings count as missing.
func validateRequest(req downloadRequest) error {
	req.Tag = strings.TrimSpace(req.Tag)
	req.URL = strings.TrimSpace(req.URL)
	req.SaveName = strings.TrimSpace(req.SaveName)

	if err := validate.Struct(req); err != nil {
		var verrors validator.ValidationErrors
		if !errors.As(err, &verrors) {
			return err
		}

		fields := make(FieldErrors, 0, len(verrors))
		for _, verror := range verrors {
			fields = append(fields, FieldError{
				Field: verror.Field(),
				Err:   errForTag(verror),
			})
		}
		return fields
	}
	return nil
}

func errForTag(verror validator.FieldError) string {
	switch verror.Tag() {
	case "required":
		return "is blank"
	default:
		return verror.Translate(translator)
	}
}
