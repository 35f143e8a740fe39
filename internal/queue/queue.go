// Package queue provides the durable, prioritized, delayed-dispatch work
// queue behind the campaign dispatch engine. Two backends implement the
// same interface: an embedded bbolt store and a Redis store.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateJob is returned by Enqueue when a job with the same id
// already exists in any state but failed. Deterministic batch job ids
// turn duplicate enqueue attempts into this error, which callers treat
// as success; completed ids stay deduplicated so a retried campaign job
// cannot re-run a batch that already counted.
var ErrDuplicateJob = errors.New("duplicate job id")

// ErrNotFound is returned when a job id does not exist
var ErrNotFound = errors.New("job not found")

// Filter narrows List results
type Filter struct {
	States     []State
	Kind       Kind   // optional
	CampaignID string // optional
	Limit      int
}

// Stats summarizes queue contents
type Stats struct {
	Pending   int64 `json:"pending"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Parked    int64 `json:"parked"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Queue is the durable job queue consumed by batch workers and swept by
// the campaign controller.
type Queue interface {
	// Enqueue adds a job. Jobs with RunAt in the future start delayed,
	// others pending. Returns ErrDuplicateJob unless the existing job
	// with the same id is failed, in which case it is replaced.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue claims the next ready job (due delayed jobs are promoted
	// first; pending jobs are ordered by priority, then age) and marks it
	// active. Returns nil, nil when nothing is ready.
	Dequeue(ctx context.Context) (*Job, error)

	// Update persists the job and re-indexes it according to its state.
	// Workers use it to complete, fail, or reschedule (retry) jobs.
	Update(ctx context.Context, job *Job) error

	// Get returns a job by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs matching the filter.
	List(ctx context.Context, filter Filter) ([]*Job, error)

	// Remove deletes a job and its index entries. Removing a missing job
	// is a no-op.
	Remove(ctx context.Context, id string) error

	// Park moves a pending or delayed job into the parked state so
	// dispatch ignores it. Parking an active or terminal job fails.
	Park(ctx context.Context, id string) error

	// Unpark moves a parked job back to pending.
	Unpark(ctx context.Context, id string) error

	// RecoverActive re-pends active jobs claimed longer than olderThan
	// ago, reclaiming work orphaned by a dead worker process. Returns the
	// number of jobs recovered.
	RecoverActive(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns queue counters.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the backend.
	Close() error
}
