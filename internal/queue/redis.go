package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on Redis, for deployments that already run
// a broker. Delayed and ready jobs live in sorted sets scored by
// dispatch time (ready scores carry a priority band so higher-priority
// jobs pop first); job bodies live in per-job hashes.
type RedisQueue struct {
	client *redis.Client
	prefix string

	dequeueScript *redis.Script
}

// dequeueLua atomically promotes due delayed jobs into the ready set and
// claims the head of the ready set. A plain GET/check/ZADD sequence would
// race between concurrent workers.
//
// KEYS[1] delayed zset, KEYS[2] ready zset, KEYS[3] active set
// ARGV[1] now (unix ms), ARGV[2] job hash key prefix
const dequeueLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
    local score = tonumber(redis.call('ZSCORE', KEYS[1], id))
    local pr = tonumber(redis.call('HGET', ARGV[2] .. id, 'priority') or '0')
    if pr < 0 then pr = 0 end
    if pr > 999 then pr = 999 end
    redis.call('ZADD', KEYS[2], (999 - pr) * 1e12 + math.floor(score / 1000), id)
    redis.call('ZREM', KEYS[1], id)
end

local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
    return false
end
redis.call('ZREM', KEYS[2], head[1])
redis.call('SADD', KEYS[3], head[1])
return head[1]
`

// NewRedisQueue connects to Redis and verifies the connection
func NewRedisQueue(addr, password string, db int, prefix string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisQueueWithClient(client, prefix), nil
}

// NewRedisQueueWithClient wraps an existing client (used by tests)
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "sendflock"
	}
	return &RedisQueue{
		client:        client,
		prefix:        prefix,
		dequeueScript: redis.NewScript(dequeueLua),
	}
}

func (q *RedisQueue) jobKey(id string) string  { return q.prefix + ":job:" + id }
func (q *RedisQueue) idsKey() string           { return q.prefix + ":ids" }
func (q *RedisQueue) readyKey() string         { return q.prefix + ":ready" }
func (q *RedisQueue) delayedKey() string       { return q.prefix + ":delayed" }
func (q *RedisQueue) activeKey() string        { return q.prefix + ":active" }
func (q *RedisQueue) parkedKey() string        { return q.prefix + ":parked" }

// readyScore bands ready jobs by priority, then orders by run-at time.
// Second resolution keeps the worst-case score inside float64's exact
// integer range; ties within a second break on the member id.
func readyScore(priority int, runAt time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 999 {
		priority = 999
	}
	return float64(999-priority)*1e12 + float64(runAt.Unix())
}

// Enqueue adds a job to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
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

	// The only concurrent enqueuer of a given job id is the worker
	// holding its campaign job, so a check-then-set suffices here.
	prev, err := q.load(ctx, job.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev != nil && prev.State != StateFailed {
		// Completed ids keep deduplicating: a retried campaign job must
		// not re-run a batch that already counted.
		return ErrDuplicateJob
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	pipe := q.client.TxPipeline()
	q.clearIndexes(ctx, pipe, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), "data", data, "priority", job.Priority)
	pipe.SAdd(ctx, q.idsKey(), job.ID)
	if job.State == StateDelayed {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(job.Priority, job.RunAt), Member: job.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue claims the next ready job
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	now := time.Now().UnixMilli()
	res, err := q.dequeueScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.readyKey(), q.activeKey()},
		now, q.prefix+":job:",
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue script failed: %w", err)
	}

	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	job.State = StateActive
	job.UpdatedAt = time.Now()
	return job, q.save(ctx, job)
}

// Update persists the job and re-indexes it for its new state
func (q *RedisQueue) Update(ctx context.Context, job *Job) error {
	if _, err := q.load(ctx, job.ID); err != nil {
		return err
	}
	job.UpdatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	pipe := q.client.TxPipeline()
	q.clearIndexes(ctx, pipe, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), "data", data, "priority", job.Priority)
	switch job.State {
	case StatePending:
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(job.Priority, job.RunAt), Member: job.ID})
	case StateDelayed:
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	case StateActive:
		pipe.SAdd(ctx, q.activeKey(), job.ID)
	case StateParked:
		pipe.SAdd(ctx, q.parkedKey(), job.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a job by id
func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	return q.load(ctx, id)
}

// List returns jobs matching the filter
func (q *RedisQueue) List(ctx context.Context, filter Filter) ([]*Job, error) {
	ids, err := q.client.SMembers(ctx, q.idsKey()).Result()
	if err != nil {
		return nil, err
	}

	var out []*Job
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matchFilter(job, filter) {
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Remove deletes a job and its index entries
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	q.clearIndexes(ctx, pipe, id)
	pipe.Del(ctx, q.jobKey(id))
	pipe.SRem(ctx, q.idsKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Park moves a pending or delayed job to the parked state
func (q *RedisQueue) Park(ctx context.Context, id string) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StatePending && job.State != StateDelayed {
		return fmt.Errorf("cannot park job %s in state %s", id, job.State)
	}
	job.State = StateParked
	return q.Update(ctx, job)
}

// Unpark moves a parked job back to pending
func (q *RedisQueue) Unpark(ctx context.Context, id string) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateParked {
		return fmt.Errorf("cannot unpark job %s in state %s", id, job.State)
	}
	job.State = StatePending
	job.RunAt = time.Now()
	return q.Update(ctx, job)
}

// RecoverActive re-pends active jobs claimed longer than olderThan ago.
// The broker may be shared between processes, so only claims stale by
// UpdatedAt are treated as orphaned; redelivery is at-least-once.
func (q *RedisQueue) RecoverActive(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.client.SMembers(ctx, q.activeKey()).Result()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	recovered := 0
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			q.client.SRem(ctx, q.activeKey(), id)
			continue
		}
		if err != nil {
			return recovered, err
		}
		if job.State != StateActive || job.UpdatedAt.After(cutoff) {
			continue
		}
		job.State = StatePending
		if err := q.Update(ctx, job); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Stats returns queue counters
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	jobs, err := q.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, j := range jobs {
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
	return stats, nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.HGet(ctx, q.jobKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return job, nil
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return q.client.HSet(ctx, q.jobKey(job.ID), "data", data, "priority", job.Priority).Err()
}

func (q *RedisQueue) clearIndexes(ctx context.Context, pipe redis.Pipeliner, id string) {
	pipe.ZRem(ctx, q.readyKey(), id)
	pipe.ZRem(ctx, q.delayedKey(), id)
	pipe.SRem(ctx, q.activeKey(), id)
	pipe.SRem(ctx, q.parkedKey(), id)
}
