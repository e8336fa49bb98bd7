// Package scan drives the extraction lifecycle: it owns scan state, runs the
// cursor-paginated fetch loop, checkpoints incremental progress, and answers
// status and results queries.
package scan

import (
	"errors"
	"time"
)

// Caller-facing validation errors. Never retried.
var (
	// ErrNotFound is returned for an unknown scan id.
	ErrNotFound = errors.New("scan not found")

	// ErrNotReady is returned when results are requested while the scan is
	// still running.
	ErrNotReady = errors.New("scan not completed yet")

	// ErrAlreadyFinished is returned when cancelling a terminal scan.
	ErrAlreadyFinished = errors.New("scan already finished")
)

// Status is the lifecycle state of a scan. Transitions are monotonic and
// one-directional: running → completed or running → failed, never back.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress counts work done within a run. Both counters are monotonically
// non-decreasing for the lifetime of the scan.
type Progress struct {
	PagesProcessed   int `json:"pages_processed"`
	RecordsProcessed int `json:"records_processed"`
}

// State is one extraction run. Mutated only by the orchestrator owning the
// scan id; readers get value-copy snapshots.
type State struct {
	ScanID      string     `json:"scan_id"`
	TenantID    string     `json:"tenant_id"`
	Status      Status     `json:"status"`
	Progress    Progress   `json:"progress"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// advance adds page/record counts. No-op once terminal.
func (s *State) advance(pages, records int) {
	if s.Status.Terminal() {
		return
	}
	s.Progress.PagesProcessed += pages
	s.Progress.RecordsProcessed += records
}

// complete transitions running → completed. Terminal states are sticky.
func (s *State) complete(now time.Time) {
	if s.Status != StatusRunning {
		return
	}
	s.Status = StatusCompleted
	s.CompletedAt = &now
}

// fail transitions running → failed with a human-readable cause.
func (s *State) fail(now time.Time, cause string) {
	if s.Status != StatusRunning {
		return
	}
	s.Status = StatusFailed
	s.CompletedAt = &now
	s.Error = cause
}
