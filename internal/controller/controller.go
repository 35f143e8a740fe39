// Package controller implements the campaign lifecycle operations:
// accepting campaigns into the queue and pausing, resuming and
// cancelling them. It owns the status transitions and the job sweeps
// that back them; workers only consume what the controller admits.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sendflock/sendflock/internal/campaign"
	"github.com/sendflock/sendflock/internal/metrics"
	"github.com/sendflock/sendflock/internal/queue"
	"github.com/sendflock/sendflock/internal/store"
)

// ErrUnavailable wraps queue or store infrastructure failures so API
// handlers can map them to a 503 without inspecting backend errors.
var ErrUnavailable = errors.New("dispatch backend unavailable")

// enqueueDelay postpones the campaign job slightly so an immediate
// pause or cancel after submission wins the race against the splitter.
const enqueueDelay = time.Second

// Config carries the deployment defaults applied to campaigns that do
// not set their own.
type Config struct {
	DefaultBatchSize int
	DefaultRateLimit int
	DefaultPriority  int
	MaxRetries       int
	Workers          int
	FailureThreshold float64
}

// Controller coordinates the campaign store and the job queue
type Controller struct {
	store  *store.Store
	queue  queue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a controller
func New(st *store.Store, q queue.Queue, cfg Config, logger *slog.Logger) *Controller {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 50
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = 90
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.5
	}
	return &Controller{store: st, queue: q, cfg: cfg, logger: logger}
}

// EnqueueRequest is a campaign submission
type EnqueueRequest struct {
	UserID     string
	Config     campaign.SendConfig
	Recipients []campaign.Recipient
	BatchSize  int
	RateLimit  int
	Priority   int
}

// Enqueue validates and admits a campaign. The campaign row is created
// first, then a single campaign-level job is enqueued; splitting into
// batches happens in the worker. Returns the created campaign with its
// id and initial ETA inputs populated.
func (c *Controller) Enqueue(ctx context.Context, req *EnqueueRequest) (*campaign.Campaign, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = c.cfg.DefaultBatchSize
	}
	rateLimit := req.RateLimit
	if rateLimit <= 0 {
		rateLimit = c.cfg.DefaultRateLimit
	}
	priority := req.Priority
	if priority == 0 {
		priority = c.cfg.DefaultPriority
	}

	now := time.Now().UTC()
	camp := &campaign.Campaign{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Config:     req.Config,
		Status:     campaign.StatusPending,
		Priority:   priority,
		BatchSize:  batchSize,
		RateLimit:  rateLimit,
		TotalLeads: len(req.Recipients),
		CreatedAt:  now,
	}
	if err := camp.Validate(); err != nil {
		return nil, err
	}

	if err := c.store.Create(ctx, camp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	job := &queue.Job{
		ID:          queue.CampaignJobID(camp.ID),
		Kind:        queue.KindCampaign,
		Priority:    priority,
		RunAt:       now.Add(enqueueDelay),
		MaxAttempts: c.cfg.MaxRetries,
		Campaign: &queue.CampaignJob{
			CampaignID: camp.ID,
			UserID:     camp.UserID,
			Recipients: req.Recipients,
			BatchSize:  batchSize,
			RateLimit:  rateLimit,
			Config:     req.Config,
		},
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		if _, ferr := c.store.SetFailed(ctx, camp.ID, "enqueue failed: "+err.Error()); ferr != nil {
			c.logger.Error("failed to mark campaign after enqueue failure",
				"campaign_id", camp.ID,
				"error", ferr,
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	metrics.IncCampaignsEnqueued()
	c.logger.Info("campaign enqueued",
		"campaign_id", camp.ID,
		"user_id", camp.UserID,
		"total_leads", camp.TotalLeads,
		"batch_size", batchSize,
		"rate_limit", rateLimit,
	)
	return camp, nil
}

// Get returns the campaign row
func (c *Controller) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	return c.store.Get(ctx, id)
}

// ListByUser returns the user's campaigns, optionally only non-terminal
// ones.
func (c *Controller) ListByUser(ctx context.Context, userID string, activeOnly bool) ([]*campaign.Campaign, error) {
	return c.store.ListByUser(ctx, userID, activeOnly)
}

// Snapshots returns snapshots of the user's active campaigns, used to
// seed newly connected progress observers.
func (c *Controller) Snapshots(ctx context.Context, userID string) ([]*campaign.Snapshot, error) {
	campaigns, err := c.store.ListByUser(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	snaps := make([]*campaign.Snapshot, 0, len(campaigns))
	for _, camp := range campaigns {
		snaps = append(snaps, camp.Snapshot(c.cfg.Workers))
	}
	return snaps, nil
}

// Progress returns the derived progress snapshot for a campaign
func (c *Controller) Progress(ctx context.Context, id string) (*campaign.Snapshot, error) {
	camp, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return camp.Snapshot(c.cfg.Workers), nil
}

// Authorize reports whether the user owns the campaign
func (c *Controller) Authorize(ctx context.Context, userID, campaignID string) (bool, error) {
	camp, err := c.store.Get(ctx, campaignID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return camp.UserID == userID, nil
}

// Pause parks the campaign's undispatched jobs and marks it paused.
// The batch a worker is currently sending finishes; pause takes effect
// at the next batch boundary. Returns the number of jobs parked.
// Pausing an already paused campaign is a no-op.
func (c *Controller) Pause(ctx context.Context, id string) (int, error) {
	camp, err := c.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if camp.Status == campaign.StatusPaused {
		return 0, nil
	}
	if _, err := c.store.SetStatus(ctx, id, campaign.StatusPaused); err != nil {
		return 0, err
	}

	parked, err := c.sweep(ctx, id, []queue.State{queue.StatePending, queue.StateDelayed}, c.queue.Park)
	if err != nil {
		return parked, err
	}
	metrics.IncCampaignsPaused()
	c.logger.Info("campaign paused", "campaign_id", id, "parked_jobs", parked)
	return parked, nil
}

// Resume unparks the campaign's jobs and marks it processing again.
// Resuming a campaign that is already processing is a no-op.
func (c *Controller) Resume(ctx context.Context, id string) (int, error) {
	camp, err := c.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if camp.Status == campaign.StatusProcessing {
		return 0, nil
	}
	if _, err := c.store.SetStatus(ctx, id, campaign.StatusProcessing); err != nil {
		return 0, err
	}

	released, err := c.sweep(ctx, id, []queue.State{queue.StateParked}, c.queue.Unpark)
	if err != nil {
		return released, err
	}

	// the last in-flight batch may have resolved while the campaign was
	// paused; apply the deferred terminal transition
	if _, err := c.store.FinalizeIfResolved(ctx, id, c.cfg.FailureThreshold); err != nil {
		return released, err
	}

	c.logger.Info("campaign resumed", "campaign_id", id, "released_jobs", released)
	return released, nil
}

// Cancel removes the campaign's undispatched jobs and marks it
// cancelled. Cancellation is cooperative: a batch already in flight is
// not interrupted, its counters simply stop mattering. Returns the
// number of jobs removed.
func (c *Controller) Cancel(ctx context.Context, id string) (int, error) {
	camp, err := c.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if camp.Status == campaign.StatusCancelled {
		return 0, nil
	}
	if _, err := c.store.SetStatus(ctx, id, campaign.StatusCancelled); err != nil {
		return 0, err
	}

	removed, err := c.sweep(ctx, id,
		[]queue.State{queue.StatePending, queue.StateDelayed, queue.StateParked},
		c.queue.Remove)
	if err != nil {
		return removed, err
	}
	metrics.IncCampaignsFinished(string(campaign.StatusCancelled))
	c.logger.Info("campaign cancelled", "campaign_id", id, "removed_jobs", removed)
	return removed, nil
}

// ETA estimates when the campaign will finish given current counters
func (c *Controller) ETA(ctx context.Context, id string) (time.Duration, error) {
	camp, err := c.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if camp.Status.Terminal() {
		return 0, nil
	}
	remaining := camp.TotalLeads - camp.SentCount - camp.FailedCount
	if remaining <= 0 {
		return 0, nil
	}
	return campaign.ETA(remaining, camp.RateLimit, camp.BatchSize, c.cfg.Workers), nil
}

// QueueStats returns queue counters for the operational endpoints
func (c *Controller) QueueStats(ctx context.Context) (*queue.Stats, error) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return stats, nil
}

// sweep applies op to every job of the campaign in the given states.
// Jobs that moved out of the listed states between List and op are
// skipped, not treated as failures; the sweep re-reads on every call.
func (c *Controller) sweep(ctx context.Context, campaignID string, states []queue.State, op func(context.Context, string) error) (int, error) {
	jobs, err := c.queue.List(ctx, queue.Filter{
		States:     states,
		CampaignID: campaignID,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	count := 0
	for _, job := range jobs {
		if err := op(ctx, job.ID); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			c.logger.Warn("job sweep skipped a job",
				"campaign_id", campaignID,
				"job_id", job.ID,
				"error", err,
			)
			continue
		}
		count++
	}
	return count, nil
}
