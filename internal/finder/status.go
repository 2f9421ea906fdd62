package finder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/StormyCloudInc/blockseek/internal/pattern"
)

// Phase tags the three well-formed status variants.
type Phase int

const (
	PhaseWaitingForJob Phase = iota
	PhaseRunning
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForJob:
		return "waiting"
	case PhaseRunning:
		return "running"
	case PhaseFinished:
		return "finished"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Position is an absolute world coordinate.
type Position struct {
	X, Y, Z int64
}

func (p Position) String() string { return fmt.Sprintf("%d, %d, %d", p.X, p.Y, p.Z) }

// Status is a snapshot of search progress. Scanned and Start are set while
// running; Position and Elapsed only once finished.
type Status struct {
	Phase    Phase
	JobID    uuid.UUID
	Scanned  uint64
	Chunks   uint32
	Start    time.Time
	Position Position
	Elapsed  time.Duration
}

// ElapsedAt returns the running time as of now, or the final elapsed time.
func (s Status) ElapsedAt(now time.Time) time.Duration {
	switch s.Phase {
	case PhaseRunning:
		return now.Sub(s.Start)
	case PhaseFinished:
		return s.Elapsed
	default:
		return 0
	}
}

// Job is one search request.
type Job struct {
	ID      uuid.UUID
	Pattern *pattern.Pattern
}

// NewJob wraps p with a fresh identifier. The pipeline never modifies p.
func NewJob(p *pattern.Pattern) Job {
	return Job{ID: uuid.New(), Pattern: p}
}

// JobCell holds the latest published job until the pipeline takes it.
type JobCell struct {
	mu  sync.Mutex
	job *Job
}

// Publish replaces any job not yet taken.
func (c *JobCell) Publish(j Job) {
	c.mu.Lock()
	c.job = &j
	c.mu.Unlock()
}

// Take removes and returns the pending job.
func (c *JobCell) Take() (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return Job{}, false
	}
	j := *c.job
	c.job = nil
	return j, true
}

// StatusCell holds the latest status. The pipeline is its only writer;
// readers always see a whole snapshot.
type StatusCell struct {
	cur atomic.Pointer[Status]

	mu      sync.Mutex
	changed chan struct{}
}

// Load returns the current snapshot. A zero cell reads as waiting.
func (c *StatusCell) Load() Status {
	if s := c.cur.Load(); s != nil {
		return *s
	}
	return Status{Phase: PhaseWaitingForJob}
}

// Store replaces the snapshot and wakes everyone blocked on Changed.
func (c *StatusCell) Store(s Status) {
	c.cur.Store(&s)
	c.mu.Lock()
	if c.changed != nil {
		close(c.changed)
		c.changed = nil
	}
	c.mu.Unlock()
}

// Changed returns a channel closed by the next Store.
func (c *StatusCell) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.changed == nil {
		c.changed = make(chan struct{})
	}
	return c.changed
}
