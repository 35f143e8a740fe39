// Package store persists campaign rows and their progress counters in
// BoltDB. All counter updates run inside a single write transaction, so
// concurrent batch completions on different workers serialize here
// instead of racing in worker memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sendflock/sendflock/internal/campaign"
)

var bucketCampaigns = []byte("campaigns")

// ErrNotFound is returned when a campaign id does not exist
var ErrNotFound = errors.New("campaign not found")

// ErrInvalidTransition is returned when a status change violates the
// campaign lifecycle. Concurrent controllers acting on the same campaign
// serialize through the store, so the loser of a race gets this error
// rather than silently clobbering the winner's write.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the campaign persistence layer
type Store struct {
	db      *bolt.DB
	ownedDB bool
}

// New opens (or creates) a campaign store at path
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	s := &Store{db: db, ownedDB: true}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing bolt database shared with other components
func NewWithDB(db *bolt.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCampaigns)
		return err
	})
}

// Create persists a new campaign row
func (s *Store) Create(ctx context.Context, c *campaign.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}
		return putCampaign(b, c)
	})
}

// Get returns a campaign by id
func (s *Store) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	var c *campaign.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		c = &campaign.Campaign{}
		return json.Unmarshal(data, c)
	})
	return c, err
}

// ListByUser returns the user's campaigns, optionally only non-terminal
// ones (used for the initial push snapshot on connect)
func (s *Store) ListByUser(ctx context.Context, userID string, activeOnly bool) ([]*campaign.Campaign, error) {
	var out []*campaign.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCampaigns).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row campaign.Campaign
			if err := json.Unmarshal(v, &row); err != nil {
				continue
			}
			if row.UserID != userID {
				continue
			}
			if activeOnly && row.Status.Terminal() {
				continue
			}
			out = append(out, &row)
		}
		return nil
	})
	return out, err
}

// SetStatus transitions the campaign to a new status. The transition is
// checked against the stored row inside the write transaction, making it
// a conditional update: illegal or stale transitions fail with
// ErrInvalidTransition.
func (s *Store) SetStatus(ctx context.Context, id string, to campaign.Status) (*campaign.Campaign, error) {
	var updated *campaign.Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		c, err := getCampaign(b, id)
		if err != nil {
			return err
		}
		if !c.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
		}
		now := time.Now()
		c.Status = to
		switch to {
		case campaign.StatusProcessing:
			if c.StartedAt == nil {
				c.StartedAt = &now
			}
		case campaign.StatusCompleted, campaign.StatusFailed, campaign.StatusCancelled:
			c.CompletedAt = &now
		}
		updated = c
		return putCampaign(b, c)
	})
	return updated, err
}

// SetFailed transitions to failed and records the reason
func (s *Store) SetFailed(ctx context.Context, id, reason string) (*campaign.Campaign, error) {
	var updated *campaign.Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		c, err := getCampaign(b, id)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, campaign.StatusFailed)
		}
		now := time.Now()
		c.Status = campaign.StatusFailed
		c.ErrorMessage = reason
		c.CompletedAt = &now
		updated = c
		return putCampaign(b, c)
	})
	return updated, err
}

// SetTotalBatches records the batch count once the campaign job has been
// split. Idempotent for re-runs of the same campaign job.
func (s *Store) SetTotalBatches(ctx context.Context, id string, total int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		c, err := getCampaign(b, id)
		if err != nil {
			return err
		}
		c.TotalBatches = total
		return putCampaign(b, c)
	})
}

// ApplyBatchResult atomically folds one resolved batch into the
// campaign's counters (the moral equivalent of
// UPDATE campaigns SET sent = sent + N ... WHERE id = ?).
// When the final batch resolves and the campaign is still processing, it
// also performs the terminal transition: failed if the failure rate
// exceeds failureThreshold, completed otherwise. The transition happens
// in the same transaction as the final increment, so exactly one worker
// observes and applies it.
func (s *Store) ApplyBatchResult(ctx context.Context, id string, sent, failed int, failureThreshold float64) (*campaign.Campaign, error) {
	var updated *campaign.Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		c, err := getCampaign(b, id)
		if err != nil {
			return err
		}

		if c.SentCount+c.FailedCount+sent+failed > c.TotalLeads {
			return fmt.Errorf("campaign %s: counters would exceed total leads (%d+%d+%d+%d > %d)",
				id, c.SentCount, c.FailedCount, sent, failed, c.TotalLeads)
		}

		c.SentCount += sent
		c.FailedCount += failed
		c.ResolvedBatches++

		finalize(c, failureThreshold)

		updated = c
		return putCampaign(b, c)
	})
	return updated, err
}

// FinalizeIfResolved applies the terminal transition for a processing
// campaign whose batches have all resolved. Needed for the pause race:
// when the last in-flight batch resolves while the campaign is paused,
// the terminal transition is deferred until resume.
func (s *Store) FinalizeIfResolved(ctx context.Context, id string, failureThreshold float64) (*campaign.Campaign, error) {
	var updated *campaign.Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		c, err := getCampaign(b, id)
		if err != nil {
			return err
		}
		finalize(c, failureThreshold)
		updated = c
		return putCampaign(b, c)
	})
	return updated, err
}

// finalize moves a fully resolved processing campaign to its terminal
// status: failed if the failure rate exceeds the threshold, completed
// otherwise. No-op for campaigns with unresolved batches.
func finalize(c *campaign.Campaign, failureThreshold float64) {
	if c.ResolvedBatches < c.TotalBatches || c.TotalBatches == 0 || c.Status != campaign.StatusProcessing {
		return
	}
	now := time.Now()
	failureRate := float64(c.FailedCount) / float64(c.TotalLeads)
	if failureRate > failureThreshold {
		c.Status = campaign.StatusFailed
		c.ErrorMessage = fmt.Sprintf("failure rate %.0f%% exceeded threshold", failureRate*100)
	} else {
		c.Status = campaign.StatusCompleted
	}
	c.CompletedAt = &now
}

// Close closes the database unless it is shared
func (s *Store) Close() error {
	if !s.ownedDB {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying database so the queue can share one file
func (s *Store) DB() *bolt.DB {
	return s.db
}

func getCampaign(b *bolt.Bucket, id string) (*campaign.Campaign, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	c := &campaign.Campaign{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign %s: %w", id, err)
	}
	return c, nil
}

func putCampaign(b *bolt.Bucket, c *campaign.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign %s: %w", c.ID, err)
	}
	return b.Put([]byte(c.ID), data)
}
