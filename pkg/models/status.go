package models

// ProgressStatus is the last lifecycle transition of a Resource
type ProgressStatus string

const (
	StatusUnset    ProgressStatus = ""         // Zero value = never queued
	StatusQueued   ProgressStatus = "queued"   // Waiting in a Service queue (again, after a retry)
	StatusStarted  ProgressStatus = "started"  // Path allocated, transfer about to begin
	StatusFinished ProgressStatus = "finished" // Saved, or deliberately skipped
	StatusError    ProgressStatus = "error"    // Fatal failure, partial file removed
)

// String implements fmt.Stringer for logging
func (s ProgressStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s ProgressStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusStarted, StatusFinished, StatusError:
		return true
	}
	return false
}

// Mask returns the EventMask bit for this status
func (s ProgressStatus) Mask() EventMask {
	switch s {
	case StatusQueued:
		return EventQueued
	case StatusStarted:
		return EventStarted
	case StatusFinished:
		return EventFinished
	case StatusError:
		return EventError
	}
	return 0
}

// EventMask selects which progress transitions a progress hook receives
type EventMask uint8

const (
	EventQueued EventMask = 1 << iota
	EventStarted
	EventFinished
	EventError

	EventAll = EventQueued | EventStarted | EventFinished | EventError
)

// Has reports whether status is selected by the mask
func (m EventMask) Has(status ProgressStatus) bool {
	return m&status.Mask() != 0
}

// HistoryStatus is the outcome recorded in the crawl history database
type HistoryStatus string

const (
	HistoryUnset    HistoryStatus = ""          // Zero value = unset/unknown
	HistorySuccess  HistoryStatus = "success"   // Saved to disk
	HistoryFailure  HistoryStatus = "failure"   // Fatal error
	HistorySkipped  HistoryStatus = "skipped"   // Fetched but discarded (type filter, redirect out of scope)
	HistoryNotFound HistoryStatus = "not_found" // URL not in database
	HistoryDBError  HistoryStatus = "db_error"  // Database error occurred
)

// String implements fmt.Stringer for logging
func (s HistoryStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s HistoryStatus) IsValid() bool {
	switch s {
	case HistorySuccess, HistoryFailure, HistorySkipped:
		return true
	}
	return false
}

// ProgressEvent is delivered to progress hooks on every Resource transition
type ProgressEvent struct {
	Status   ProgressStatus
	Resource Resource // Snapshot, safe to retain
	Message  string
	Err      error
	Skipped  bool // Finished without saving a file
}
