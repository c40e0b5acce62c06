// Package workqueue holds the sender's transfer jobs and hands each one out
// exactly once.
package workqueue

import (
	"iter"
	"sync"
)

// Job is one file awaiting transfer.
type Job struct {
	// Index is the job's position in scan order.
	Index int
	Name  string
	Path  string
}

type entry struct {
	job     Job
	claimed bool
}

// Queue is a mutex-guarded job list with an exactly-once claim.
type Queue struct {
	mu      sync.Mutex
	entries []entry
	next    int // every entry before next is claimed
	onClaim func(worker int, job Job)
}

// Option configures a Queue.
type Option func(*Queue)

// WithClaimHook registers fn to be called, under the queue lock, for every
// successful claim. It is used to instrument claims in tests and logs.
func WithClaimHook(fn func(worker int, job Job)) Option {
	return func(q *Queue) {
		q.onClaim = fn
	}
}

// New builds a queue from jobs. Job indices are reassigned in slice order.
func New(jobs []Job, opts ...Option) *Queue {
	q := &Queue{entries: make([]entry, len(jobs))}
	for i, j := range jobs {
		j.Index = i
		q.entries[i] = entry{job: j}
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// FromSeq builds a queue from a lazy (name, path) sequence. count sizes the
// backing slice; the sequence may yield more or fewer pairs.
func FromSeq(count int, seq iter.Seq2[string, string], opts ...Option) *Queue {
	if count < 0 {
		count = 0
	}
	jobs := make([]Job, 0, count)
	for name, path := range seq {
		jobs = append(jobs, Job{Name: name, Path: path})
	}
	return New(jobs, opts...)
}

// Claim marks the first unclaimed job as claimed and returns it. It returns
// false once every job has been claimed. worker identifies the caller for the
// claim hook only.
func (q *Queue) Claim(worker int) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := q.next; i < len(q.entries); i++ {
		e := &q.entries[i]
		if e.claimed {
			continue
		}
		e.claimed = true
		q.next = i + 1
		if q.onClaim != nil {
			q.onClaim(worker, e.job)
		}
		return e.job, true
	}
	q.next = len(q.entries)
	return Job{}, false
}

// Drain claims every job still unclaimed and returns them in scan order. The
// claim hook is not called. Senders use it to report jobs abandoned after an
// abort.
func (q *Queue) Drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for i := q.next; i < len(q.entries); i++ {
		e := &q.entries[i]
		if e.claimed {
			continue
		}
		e.claimed = true
		out = append(out, e.job)
	}
	q.next = len(q.entries)
	return out
}

// Len returns the total number of jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Remaining returns the number of unclaimed jobs.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := q.next; i < len(q.entries); i++ {
		if !q.entries[i].claimed {
			n++
		}
	}
	return n
}
