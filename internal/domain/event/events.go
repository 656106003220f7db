package event

import (
	"time"
)

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	// EventName returns the name of the event
	EventName() string
	// OccurredAt returns when the event occurred
	OccurredAt() time.Time
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	Timestamp time.Time
	Tag       string
}

// OccurredAt returns when the event occurred
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// Event names
const (
	NameDownloadPrepared  = "download.prepared"
	NameDownloadSucceeded = "download.succeeded"
	NameDownloadPaused    = "download.paused"
	NameDownloadCancelled = "download.cancelled"
	NameDownloadFailed    = "download.failed"
	NameDownloadRejected  = "download.rejected"
)

// DownloadPrepared is raised when a transfer has been admitted and scheduled
type DownloadPrepared struct {
	BaseEvent
	URL         string
	LocalPath   string
	StartOffset int64
}

func (e DownloadPrepared) EventName() string { return NameDownloadPrepared }

// NewDownloadPrepared creates a new DownloadPrepared event
func NewDownloadPrepared(tag, url, localPath string, startOffset int64) DownloadPrepared {
	return DownloadPrepared{
		BaseEvent:   BaseEvent{Timestamp: time.Now(), Tag: tag},
		URL:         url,
		LocalPath:   localPath,
		StartOffset: startOffset,
	}
}

// DownloadSucceeded is raised when a file has been completely written.
// Cached is true when no transfer was needed.
type DownloadSucceeded struct {
	BaseEvent
	LocalPath   string
	Size        int64
	ResumedFrom int64
	Cached      bool
	Duration    time.Duration
}

func (e DownloadSucceeded) EventName() string { return NameDownloadSucceeded }

// NewDownloadSucceeded creates a new DownloadSucceeded event
func NewDownloadSucceeded(tag, localPath string, size, resumedFrom int64, cached bool, duration time.Duration) DownloadSucceeded {
	return DownloadSucceeded{
		BaseEvent:   BaseEvent{Timestamp: time.Now(), Tag: tag},
		LocalPath:   localPath,
		Size:        size,
		ResumedFrom: resumedFrom,
		Cached:      cached,
		Duration:    duration,
	}
}

// DownloadPaused is raised by stopDownload
type DownloadPaused struct {
	BaseEvent
}

func (e DownloadPaused) EventName() string { return NameDownloadPaused }

// NewDownloadPaused creates a new DownloadPaused event
func NewDownloadPaused(tag string) DownloadPaused {
	return DownloadPaused{BaseEvent: BaseEvent{Timestamp: time.Now(), Tag: tag}}
}

// DownloadCancelled is raised by cancelDownload
type DownloadCancelled struct {
	BaseEvent
}

func (e DownloadCancelled) EventName() string { return NameDownloadCancelled }

// NewDownloadCancelled creates a new DownloadCancelled event
func NewDownloadCancelled(tag string) DownloadCancelled {
	return DownloadCancelled{BaseEvent: BaseEvent{Timestamp: time.Now(), Tag: tag}}
}

// DownloadFailed is raised when admission, scheduling or the transfer failed
type DownloadFailed struct {
	BaseEvent
	Kind  string
	Error string
}

func (e DownloadFailed) EventName() string { return NameDownloadFailed }

// NewDownloadFailed creates a new DownloadFailed event
func NewDownloadFailed(tag, kind, errMsg string) DownloadFailed {
	return DownloadFailed{
		BaseEvent: BaseEvent{Timestamp: time.Now(), Tag: tag},
		Kind:      kind,
		Error:     errMsg,
	}
}

// DownloadRejected is raised when the worker pool refused a transfer
type DownloadRejected struct {
	BaseEvent
	Reason string
}

func (e DownloadRejected) EventName() string { return NameDownloadRejected }

// NewDownloadRejected creates a new DownloadRejected event
func NewDownloadRejected(tag, reason string) DownloadRejected {
	return DownloadRejected{
		BaseEvent: BaseEvent{Timestamp: time.Now(), Tag: tag},
		Reason:    reason,
	}
}
