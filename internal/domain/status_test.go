package domain

import (
	"errors"
	"testing"
)

func TestStatusCode_RoundTrip(t *testing.T) {
	variants := []Status{
		Default{Tag: "a"},
		Prepare{Tag: "a"},
		Progress{Tag: "a", Progress: 12.5},
		Success{Tag: "a"},
		Pause{Tag: "a"},
		Cancel{Tag: "a"},
		Error{Tag: "a", Message: "boom"},
	}

	for want, s := range variants {
		if got := int(s.Code()); got != want {
			t.Errorf("%T.Code() = %d, want %d", s, got, want)
		}
		code, err := ParseStatusCode(int(s.Code()))
		if err != nil {
			t.Fatalf("ParseStatusCode(%d) error = %v", s.Code(), err)
		}
		if code != s.Code() {
			t.Errorf("ParseStatusCode(%d) = %v, want %v", s.Code(), code, s.Code())
		}
		if s.TaskTag() != "a" {
			t.Errorf("%T.TaskTag() = %q, want %q", s, s.TaskTag(), "a")
		}
	}
}

func TestParseStatusCode_Invalid(t *testing.T) {
	for _, v := range []int{-1, 7, 42} {
		if _, err := ParseStatusCode(v); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseStatusCode(%d) error = %v, want ErrInvalidInput", v, err)
		}
	}
}

func TestStatusCode_String(t *testing.T) {
	if got := StatusPause.String(); got != "pause" {
		t.Errorf("String() = %q, want %q", got, "pause")
	}
	if got := StatusCode(9).String(); got != "status(9)" {
		t.Errorf("String() = %q, want %q", got, "status(9)")
	}
}

func TestCalcProgress(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		total   int64
		want    float64
	}{
		{"zero total", 10, 0, 0},
		{"unknown total", 10, -1, 0},
		{"nothing written", 0, 100, 0},
		{"half", 50, 100, 50},
		{"two decimals", 1, 3, 33.33},
		{"rounds up", 2, 3, 66.67},
		{"chunk of a million", 8192, 1000000, 0.82},
		{"complete", 1000000, 1000000, 100},
		{"clamped", 11, 10, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalcProgress(tt.current, tt.total); got != tt.want {
				t.Errorf("CalcProgress(%d, %d) = %v, want %v", tt.current, tt.total, got, tt.want)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	rec := &DownloadRecord{
		Tag:         "t",
		LocalPath:   "/tmp/f",
		CurrentSize: 10,
		TotalSize:   10,
		Progress:    100,
	}

	rec.Status = StatusSuccess
	if got, ok := StatusOf(rec).(Success); !ok || got.LocalPath != "/tmp/f" || got.TotalSize != 10 {
		t.Errorf("StatusOf(success) = %#v", StatusOf(rec))
	}

	rec.Status = StatusError
	rec.ErrorMessage = "boom"
	if got, ok := StatusOf(rec).(Error); !ok || got.Message != "boom" {
		t.Errorf("StatusOf(error) = %#v", StatusOf(rec))
	}

	rec.Status = StatusProgress
	if got, ok := StatusOf(rec).(Progress); !ok || !got.IsCompleted {
		t.Errorf("StatusOf(progress) = %#v", StatusOf(rec))
	}

	if _, ok := StatusOf(nil).(Default); !ok {
		t.Errorf("StatusOf(nil) = %#v, want Default", StatusOf(nil))
	}
}

func TestRecordsEqual(t *testing.T) {
	a := &DownloadRecord{Tag: "t", CurrentSize: 1}
	b := &DownloadRecord{Tag: "t", CurrentSize: 1}

	if !RecordsEqual(a, b) {
		t.Error("RecordsEqual() = false for identical records")
	}
	b.CurrentSize = 2
	if RecordsEqual(a, b) {
		t.Error("RecordsEqual() = true for different sizes")
	}
	if !RecordsEqual(nil, nil) {
		t.Error("RecordsEqual(nil, nil) = false")
	}
	if RecordsEqual(a, nil) {
		t.Error("RecordsEqual(a, nil) = true")
	}
}
