package upload

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle phase of one upload attempt
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusSucceeded
	StatusFailed
)

// String returns the caller-facing status word
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "uploading"
	case StatusSucceeded:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText encodes the status as its caller-facing word
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions can happen
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Result is the collector response for a successful upload
type Result struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Transcript string `json:"transcript,omitempty"`
	Summary    string `json:"summary,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// TransferError describes why an upload failed
type TransferError struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Err        error  `json:"-"`
}

func (e *TransferError) Error() string {
	return e.Message
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Observer receives task updates synchronously from the uploading
// goroutine. Pending is never reported.
type Observer interface {
	StatusChanged(t *Task, status Status)
	Progress(t *Task, percent int)
}

// Task is one attempt to transfer an artifact. A retry is a new Task.
type Task struct {
	ID        string
	Target    Target
	Filename  string
	CreatedAt time.Time

	// notifyMu orders observer callbacks across goroutines
	notifyMu sync.Mutex

	mu         sync.RWMutex
	status     Status
	progress   int
	result     *Result
	err        *TransferError
	finishedAt time.Time
}

// TaskInfo is a point-in-time copy of a task
type TaskInfo struct {
	ID         string         `json:"id"`
	Target     string         `json:"target"`
	Filename   string         `json:"filename"`
	Status     Status         `json:"status"`
	Progress   int            `json:"progress"`
	Result     *Result        `json:"result,omitempty"`
	Error      *TransferError `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Status returns the current status
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Progress returns the current percentage
func (t *Task) Progress() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Result returns the collector response, set only once succeeded
func (t *Task) Result() *Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// Err returns the failure, set only once failed
func (t *Task) Err() *TransferError {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Info returns a snapshot of the task
func (t *Task) Info() TaskInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := TaskInfo{
		ID:        t.ID,
		Target:    t.Target.Kind(),
		Filename:  t.Filename,
		Status:    t.status,
		Progress:  t.progress,
		Result:    t.result,
		Error:     t.err,
		CreatedAt: t.CreatedAt,
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		info.FinishedAt = &finished
	}
	return info
}

func (t *Task) setStatus(s Status, obs Observer) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	t.status = s
	t.mu.Unlock()

	if obs != nil {
		obs.StatusChanged(t, s)
	}
}

// setProgress records percent if it moves forward. Progress after a
// terminal status is dropped.
func (t *Task) setProgress(percent int, obs Observer) {
	if percent > 100 {
		percent = 100
	}

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if percent <= t.progress || t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.progress = percent
	t.mu.Unlock()

	if obs != nil {
		obs.Progress(t, percent)
	}
}

func (t *Task) succeed(r *Result, at time.Time, obs Observer) {
	t.setProgress(100, obs)

	t.mu.Lock()
	t.result = r
	t.finishedAt = at
	t.mu.Unlock()

	t.setStatus(StatusSucceeded, obs)
}

func (t *Task) fail(e *TransferError, at time.Time, obs Observer) {
	t.mu.Lock()
	t.err = e
	t.finishedAt = at
	t.mu.Unlock()

	t.setStatus(StatusFailed, obs)
}
