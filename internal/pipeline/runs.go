package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an HTTP-initiated run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Run tracks the state of one pipeline execution.
type Run struct {
	mu sync.Mutex

	ID        string
	Status    RunStatus
	Err       string
	CreatedAt time.Time
	UpdatedAt time.Time

	result   *Result
	workbook []byte
}

// NewRun creates a run in the running state with a fresh identifier.
func NewRun() *Run {
	now := time.Now()
	return &Run{
		ID:        uuid.NewString(),
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Complete stores the result and rendered workbook and marks the run done.
func (r *Run) Complete(res *Result, workbook []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = res
	r.workbook = workbook
	r.Status = StatusCompleted
	r.UpdatedAt = time.Now()
}

// Fail marks the run failed with the error message.
func (r *Run) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = StatusFailed
	r.Err = err.Error()
	r.UpdatedAt = time.Now()
}

// Workbook returns the rendered workbook bytes, nil until completed.
func (r *Run) Workbook() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workbook
}

// Result returns the pipeline result, nil until completed.
func (r *Run) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// RunSnapshot is a read-only, JSON-safe copy of run state.
type RunSnapshot struct {
	ID        string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Forms      int `json:"forms"`
	Items      int `json:"items"`
	Procedures int `json:"procedures"`
	Visits     int `json:"visits"`
}

// Snapshot returns a JSON-safe copy of the run state with result counts.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := RunSnapshot{
		ID:        r.ID,
		Status:    r.Status,
		Error:     r.Err,
		CreatedAt: r.CreatedAt,
	}
	if r.result != nil {
		snap.Forms = len(r.result.Forms)
		snap.Items = len(r.result.Items)
		if r.result.Schedule != nil {
			snap.Procedures = len(r.result.Schedule.Procedures)
		}
		snap.Visits = len(r.result.Visits)
	}
	return snap
}

func (r *Run) updatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.UpdatedAt
}

// RunStore is a thread-safe in-memory run registry with TTL eviction.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
	ttl  time.Duration
}

func NewRunStore(ttl time.Duration) *RunStore {
	return &RunStore{
		runs: make(map[string]*Run),
		ttl:  ttl,
	}
}

func (s *RunStore) Put(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
}

func (s *RunStore) Get(id string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// Cleanup removes runs idle longer than the TTL.
func (s *RunStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, run := range s.runs {
		if now.Sub(run.updatedAt()) > s.ttl {
			delete(s.runs, id)
		}
	}
}
