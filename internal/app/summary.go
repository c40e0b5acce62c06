package app

import (
	"errors"
	"sync"
	"time"
)

// Status is the outcome of one job.
type Status string

const (
	// StatusOK means the file was transferred and its checksum verified.
	StatusOK Status = "ok"
	// StatusSkipped means a skip marker was exchanged instead of a file.
	StatusSkipped Status = "skipped"
	// StatusFailed means the job failed; Err holds the classified cause.
	StatusFailed Status = "failed"
)

// JobResult is the final record of one job or data connection.
type JobResult struct {
	Worker   int
	Name     string
	Bytes    int64
	Checksum uint32
	Status   Status
	Err      error
	Elapsed  time.Duration
}

// Summary collects every JobResult of one run.
type Summary struct {
	Plan    PlanInfo
	Results []JobResult
	// Missing counts data connections the plan announced but that never
	// arrived. Only receivers set it.
	Missing int
	Elapsed time.Duration
}

// PlanInfo is the negotiated plan as seen by one side.
type PlanInfo struct {
	Announced int // announced concurrency
	Workers   int // workers actually run on this side
	Total     int
}

// Bytes returns the payload bytes of successful jobs.
func (s Summary) Bytes() int64 {
	var n int64
	for _, r := range s.Results {
		if r.Status == StatusOK {
			n += r.Bytes
		}
	}
	return n
}

// Count returns the number of results with status st.
func (s Summary) Count(st Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == st {
			n++
		}
	}
	return n
}

// Failed returns the number of failed jobs.
func (s Summary) Failed() int {
	return s.Count(StatusFailed)
}

// Err joins the errors of every failed job, or returns nil.
func (s Summary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Status == StatusFailed && r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// Rate returns successful payload bytes per second.
func (s Summary) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes()) / s.Elapsed.Seconds()
}

// Policy decides what the collector does with a failed job.
type Policy string

const (
	// PolicyAbort stops the run at the first failed job.
	PolicyAbort Policy = "abort"
	// PolicyContinue records failures and lets the other jobs finish.
	PolicyContinue Policy = "continue"
)

// collector is the single place where worker results meet the error policy.
type collector struct {
	mu      sync.Mutex
	policy  Policy
	results []JobResult
	cancel  func()
	first   error
}

func newCollector(policy Policy, cancel func()) *collector {
	return &collector{policy: policy, cancel: cancel}
}

// add records r. In abort mode the first failure cancels the run and is
// returned; later results are still recorded. Integrity failures never abort:
// the transfer itself completed.
func (c *collector) add(r JobResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	if r.Status != StatusFailed || c.policy != PolicyAbort || errors.Is(r.Err, ErrIntegrity) {
		return nil
	}
	if c.first == nil {
		c.first = r.Err
		c.cancel()
	}
	return r.Err
}

func (c *collector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first
}

func (c *collector) snapshot() []JobResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]JobResult, len(c.results))
	copy(out, c.results)
	return out
}
