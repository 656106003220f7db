package domain

import (
	"fmt"
	"math"
)

// StatusCode is the durable integer form of a Status.
// The values are persisted and must never be renumbered.
type StatusCode int

const (
	StatusDefault  StatusCode = 0
	StatusPrepare  StatusCode = 1
	StatusProgress StatusCode = 2
	StatusSuccess  StatusCode = 3
	StatusPause    StatusCode = 4
	StatusCancel   StatusCode = 5
	StatusError    StatusCode = 6
)

var statusNames = map[StatusCode]string{
	StatusDefault:  "default",
	StatusPrepare:  "prepare",
	StatusProgress: "progress",
	StatusSuccess:  "success",
	StatusPause:    "pause",
	StatusCancel:   "cancel",
	StatusError:    "error",
}

// String returns the lowercase name of the code
func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// Valid reports whether c is one of the known codes
func (c StatusCode) Valid() bool {
	_, ok := statusNames[c]
	return ok
}

// InFlight reports whether a transfer is expected to be running for this code
func (c StatusCode) InFlight() bool {
	return c == StatusPrepare || c == StatusProgress
}

// ParseStatusCode converts a stored integer back into a StatusCode
func ParseStatusCode(v int) (StatusCode, error) {
	c := StatusCode(v)
	if !c.Valid() {
		return StatusDefault, fmt.Errorf("%w: unknown status code %d", ErrInvalidInput, v)
	}
	return c, nil
}

// Status is the transient value broadcast to subscribers of a download.
// The concrete variants are Default, Prepare, Progress, Success, Pause, Cancel and Error.
type Status interface {
	Code() StatusCode
	TaskTag() string
	isStatus()
}

// Default is the initial status of a session before any download was requested
type Default struct{ Tag string }

// Prepare is emitted once a download has been admitted
type Prepare struct{ Tag string }

// Progress reports transfer progress. Progress is a percentage in [0,100] with two decimals.
type Progress struct {
	Tag         string
	Progress    float64
	CurrentSize int64
	TotalSize   int64
	IsCompleted bool
}

// Success is emitted when the file is fully written to LocalPath
type Success struct {
	Tag       string
	LocalPath string
	TotalSize int64
}

// Pause is emitted when a transfer was stopped and can be continued
type Pause struct{ Tag string }

// Cancel is emitted when a transfer was cancelled and removed
type Cancel struct{ Tag string }

// Error is emitted when admission or the transfer failed
type Error struct {
	Tag     string
	Message string
}

func (Default) Code() StatusCode  { return StatusDefault }
func (Prepare) Code() StatusCode  { return StatusPrepare }
func (Progress) Code() StatusCode { return StatusProgress }
func (Success) Code() StatusCode  { return StatusSuccess }
func (Pause) Code() StatusCode    { return StatusPause }
func (Cancel) Code() StatusCode   { return StatusCancel }
func (Error) Code() StatusCode    { return StatusError }

func (s Default) TaskTag() string  { return s.Tag }
func (s Prepare) TaskTag() string  { return s.Tag }
func (s Progress) TaskTag() string { return s.Tag }
func (s Success) TaskTag() string  { return s.Tag }
func (s Pause) TaskTag() string    { return s.Tag }
func (s Cancel) TaskTag() string   { return s.Tag }
func (s Error) TaskTag() string    { return s.Tag }

func (Default) isStatus()  {}
func (Prepare) isStatus()  {}
func (Progress) isStatus() {}
func (Success) isStatus()  {}
func (Pause) isStatus()    {}
func (Cancel) isStatus()   {}
func (Error) isStatus()    {}

// StatusOf rebuilds the transient status for a durable record.
// Payload-carrying variants are filled from the record.
func StatusOf(r *DownloadRecord) Status {
	if r == nil {
		return Default{}
	}
	switch r.Status {
	case StatusPrepare:
		return Prepare{Tag: r.Tag}
	case StatusProgress:
		return Progress{
			Tag:         r.Tag,
			Progress:    r.Progress,
			CurrentSize: r.CurrentSize,
			TotalSize:   r.TotalSize,
			IsCompleted: r.IsComplete(),
		}
	case StatusSuccess:
		return Success{Tag: r.Tag, LocalPath: r.LocalPath, TotalSize: r.TotalSize}
	case StatusPause:
		return Pause{Tag: r.Tag}
	case StatusCancel:
		return Cancel{Tag: r.Tag}
	case StatusError:
		return Error{Tag: r.Tag, Message: r.ErrorMessage}
	default:
		return Default{Tag: r.Tag}
	}
}

// CalcProgress returns current/total as a percentage rounded to two decimals.
// An unknown or zero total yields 0.
func CalcProgress(current, total int64) float64 {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	p := float64(current) / float64(total) * 100
	return math.Round(p*100) / 100
}
