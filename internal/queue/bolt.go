package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs    = []byte("jobs")
	bucketReady   = []byte("ready")
	bucketDelayed = []byte("delayed")
	bucketParked  = []byte("parked")
)

// indexTimeLayout is fixed-width so index keys sort lexicographically
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z"

// BoltQueue implements Queue using BoltDB. Jobs live in the jobs bucket
// keyed by id; ready and delayed buckets are sorted index entries
// pointing back at job ids. Parked jobs have a flat id index.
type BoltQueue struct {
	db      *bolt.DB
	ownedDB bool
}

// NewBoltQueue opens (or creates) a queue database at path
func NewBoltQueue(path string) (*BoltQueue, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	q := &BoltQueue{db: db, ownedDB: true}
	if err := q.init(); err != nil {
		db.Close()
		return nil, err
	}
	// This backend is single-process, so a job still active at open time
	// belongs to a dead worker; re-pend it for redelivery.
	if _, err := q.RecoverActive(context.Background(), 0); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// NewBoltQueueWithDB wraps an existing bolt database, shared with other
// components. Close becomes a no-op; the owner closes the database.
func NewBoltQueueWithDB(db *bolt.DB) (*BoltQueue, error) {
	q := &BoltQueue{db: db}
	if err := q.init(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *BoltQueue) init() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketReady, bucketDelayed, bucketParked} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

// Enqueue adds a job to the queue
func (q *BoltQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.RunAt.IsZero() {
		job.RunAt = job.CreatedAt
	}
	job.UpdatedAt = now
	if job.RunAt.After(now) {
		job.State = StateDelayed
	} else {
		job.State = StatePending
	}

	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		if existing := jobs.Get([]byte(job.ID)); existing != nil {
			var prev Job
			if err := json.Unmarshal(existing, &prev); err == nil && prev.State != StateFailed {
				// Completed ids keep deduplicating: a retried campaign job
				// must not re-run a batch that already counted.
				return ErrDuplicateJob
			}
			// Only a failed leftover may be replaced for a fresh run.
			removeIndexes(tx, &prev)
		}

		if err := putJob(tx, job); err != nil {
			return err
		}
		return addIndex(tx, job)
	})
}

// Dequeue claims the next ready job. Due delayed jobs are promoted to
// the ready index first, so a delayed batch becomes eligible the moment
// its dispatch delay elapses.
func (q *BoltQueue) Dequeue(ctx context.Context) (*Job, error) {
	var claimed *Job

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		ready := tx.Bucket(bucketReady)
		delayed := tx.Bucket(bucketDelayed)
		now := time.Now()

		// Promote due delayed jobs.
		c := delayed.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseIndexTime(k).After(now) {
				break // entries are time sorted; the rest are in the future
			}
			data := jobs.Get(v)
			if data == nil {
				c.Delete()
				continue
			}
			var j Job
			if err := json.Unmarshal(data, &j); err != nil {
				c.Delete()
				continue
			}
			j.State = StatePending
			j.UpdatedAt = now
			if err := putJob(tx, &j); err != nil {
				return err
			}
			if err := ready.Put(readyKey(&j), []byte(j.ID)); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}

		// Claim the head of the ready index.
		c = ready.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		data := jobs.Get(v)
		if data == nil {
			return c.Delete()
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return c.Delete()
		}
		j.State = StateActive
		j.UpdatedAt = now
		if err := putJob(tx, &j); err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
		claimed = &j
		return nil
	})

	return claimed, err
}

// Update persists the job and re-indexes it for its new state
func (q *BoltQueue) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(job.ID))
		if data == nil {
			return ErrNotFound
		}
		var prev Job
		if err := json.Unmarshal(data, &prev); err == nil {
			removeIndexes(tx, &prev)
		}
		if err := putJob(tx, job); err != nil {
			return err
		}
		return addIndex(tx, job)
	})
}

// Get retrieves a job by id
func (q *BoltQueue) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})
	return job, err
}

// List returns jobs matching the filter
func (q *BoltQueue) List(ctx context.Context, filter Filter) ([]*Job, error) {
	var out []*Job

	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if !matchFilter(&j, filter) {
				continue
			}
			out = append(out, &j)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return nil
			}
		}
		return nil
	})

	return out, err
}

// Remove deletes a job and its index entries
func (q *BoltQueue) Remove(ctx context.Context, id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(id))
		if data == nil {
			return nil
		}
		var j Job
		if err := json.Unmarshal(data, &j); err == nil {
			removeIndexes(tx, &j)
		}
		return jobs.Delete([]byte(id))
	})
}

// Park moves a pending or delayed job to the parked state
func (q *BoltQueue) Park(ctx context.Context, id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
		}
		if j.State != StatePending && j.State != StateDelayed {
			return fmt.Errorf("cannot park job %s in state %s", id, j.State)
		}
		removeIndexes(tx, &j)
		j.State = StateParked
		j.UpdatedAt = time.Now()
		if err := putJob(tx, &j); err != nil {
			return err
		}
		return addIndex(tx, &j)
	})
}

// Unpark moves a parked job back to pending
func (q *BoltQueue) Unpark(ctx context.Context, id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
		}
		if j.State != StateParked {
			return fmt.Errorf("cannot unpark job %s in state %s", id, j.State)
		}
		removeIndexes(tx, &j)
		j.State = StatePending
		j.RunAt = time.Now()
		j.UpdatedAt = j.RunAt
		if err := putJob(tx, &j); err != nil {
			return err
		}
		return addIndex(tx, &j)
	})
}

// RecoverActive re-pends active jobs claimed longer than olderThan ago.
// A claim that old belongs to a worker that died mid-batch; redelivery
// is at-least-once, so a recovered batch may partially repeat.
func (q *BoltQueue) RecoverActive(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	recovered := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		var orphans []*Job
		c := jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if j.State != StateActive || j.UpdatedAt.After(cutoff) {
				continue
			}
			orphans = append(orphans, &j)
		}

		now := time.Now()
		for _, j := range orphans {
			j.State = StatePending
			j.UpdatedAt = now
			if err := putJob(tx, j); err != nil {
				return err
			}
			if err := addIndex(tx, j); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// Stats returns queue counters
func (q *BoltQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			stats.Total++
			switch j.State {
			case StatePending:
				stats.Pending++
			case StateDelayed:
				stats.Delayed++
			case StateActive:
				stats.Active++
			case StateParked:
				stats.Parked++
			case StateCompleted:
				stats.Completed++
			case StateFailed:
				stats.Failed++
			}
		}
		return nil
	})

	return stats, err
}

// Close closes the database unless it is shared
func (q *BoltQueue) Close() error {
	if !q.ownedDB {
		return nil
	}
	return q.db.Close()
}

func putJob(tx *bolt.Tx, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
}

func addIndex(tx *bolt.Tx, job *Job) error {
	switch job.State {
	case StatePending:
		return tx.Bucket(bucketReady).Put(readyKey(job), []byte(job.ID))
	case StateDelayed:
		return tx.Bucket(bucketDelayed).Put(delayedKey(job), []byte(job.ID))
	case StateParked:
		return tx.Bucket(bucketParked).Put([]byte(job.ID), []byte(job.ID))
	}
	return nil
}

func removeIndexes(tx *bolt.Tx, job *Job) {
	tx.Bucket(bucketReady).Delete(readyKey(job))
	tx.Bucket(bucketDelayed).Delete(delayedKey(job))
	tx.Bucket(bucketParked).Delete([]byte(job.ID))
}

// readyKey sorts by priority (higher first), then RunAt, then id
func readyKey(job *Job) []byte {
	p := job.Priority
	if p < 0 {
		p = 0
	}
	if p > 999 {
		p = 999
	}
	return []byte(fmt.Sprintf("%03d:%s:%s", 999-p, job.RunAt.UTC().Format(indexTimeLayout), job.ID))
}

// delayedKey sorts by RunAt, then id
func delayedKey(job *Job) []byte {
	return []byte(job.RunAt.UTC().Format(indexTimeLayout) + ":" + job.ID)
}

// parseIndexTime extracts the timestamp component of a delayed index key
func parseIndexTime(key []byte) time.Time {
	s := string(key)
	if len(s) < len(indexTimeLayout) {
		return time.Time{}
	}
	ts, err := time.Parse(indexTimeLayout, s[:len(indexTimeLayout)])
	if err != nil {
		return time.Time{}
	}
	return ts
}

func matchFilter(j *Job, f Filter) bool {
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.CampaignID != "" && j.CampaignID() != f.CampaignID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if j.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
