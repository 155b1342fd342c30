package cadence

import (
	"context"
	"time"
)

type target struct {
	Phone    string
	Attempts int
}

// Job is one tenant's in-flight fan-out run.
type Job struct {
	TenantID  string
	Queue     []target
	CreatedAt time.Time
	Active    bool

	SentCount  int
	ErrorCount int
	Dropped    int
	Abandoned  int

	// seen holds every phone queued or sent during this job.
	seen   map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newJob(tenantID string, now time.Time, cancel context.CancelFunc) *Job {
	return &Job{
		TenantID:  tenantID,
		CreatedAt: now,
		Active:    true,
		seen:      make(map[string]struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// add enqueues phones the job has not seen yet and returns how many were added.
func (j *Job) add(phones []string) int {
	added := 0
	for _, p := range phones {
		if _, ok := j.seen[p]; ok {
			continue
		}
		j.seen[p] = struct{}{}
		j.Queue = append(j.Queue, target{Phone: p})
		added++
	}
	return added
}

// take pops up to n targets from the front of the queue.
func (j *Job) take(n int) []target {
	if n > len(j.Queue) {
		n = len(j.Queue)
	}
	batch := append([]target(nil), j.Queue[:n]...)
	j.Queue = j.Queue[n:]
	return batch
}

func (j *Job) phones() []string {
	out := make([]string, 0, len(j.Queue))
	for _, t := range j.Queue {
		out = append(out, t.Phone)
	}
	return out
}
