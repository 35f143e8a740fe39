// Package worker runs the batch worker pool: it consumes campaign and
// batch jobs from the queue, splits campaigns into batch jobs, sends
// batches through the mail transport within each campaign's rate
// budget, and folds results back into the campaign counters.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sendflock/sendflock/internal/campaign"
	"github.com/sendflock/sendflock/internal/mailer"
	"github.com/sendflock/sendflock/internal/metrics"
	"github.com/sendflock/sendflock/internal/queue"
	"github.com/sendflock/sendflock/internal/store"
)

// Publisher receives progress snapshots as batches resolve
type Publisher interface {
	Publish(snapshot *campaign.Snapshot)
}

// Config contains worker pool configuration
type Config struct {
	Workers          int
	FanOut           int
	SendTimeout      time.Duration
	ProcessInterval  time.Duration
	RetryBase        time.Duration
	RecoverAfter     time.Duration
	FailureThreshold float64
}

// Pool is the batch worker pool
type Pool struct {
	queue            queue.Queue
	store            *store.Store
	transport        mailer.Transport
	publisher        Publisher
	workers          int
	fanOut           int
	sendTimeout      time.Duration
	processInterval  time.Duration
	retryBase        time.Duration
	recoverAfter     time.Duration
	failureThreshold float64
	logger           *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a worker pool
func New(q queue.Queue, st *store.Store, transport mailer.Transport, publisher Publisher, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 250 * time.Millisecond
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = 15 * time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.5
	}

	return &Pool{
		queue:            q,
		store:            st,
		transport:        transport,
		publisher:        publisher,
		workers:          cfg.Workers,
		fanOut:           cfg.FanOut,
		sendTimeout:      cfg.SendTimeout,
		processInterval:  cfg.ProcessInterval,
		retryBase:        cfg.RetryBase,
		recoverAfter:     cfg.RecoverAfter,
		failureThreshold: cfg.FailureThreshold,
		logger:           logger,
		limiters:         make(map[string]*rate.Limiter),
		stopCh:           make(chan struct{}),
	}
}

// Start starts the pool workers
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting worker pool", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go p.janitor(ctx)
}

// Stop stops the pool gracefully, waiting for in-flight batches
func (p *Pool) Stop() {
	p.logger.Info("stopping worker pool")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			p.drain(ctx, logger)
		}
	}
}

// janitor periodically reclaims active jobs orphaned by a dead worker
// process, so a crash mid-batch cannot strand a campaign at a partial
// percentage forever.
func (p *Pool) janitor(ctx context.Context) {
	defer p.wg.Done()

	sweep := func() {
		n, err := p.queue.RecoverActive(ctx, p.recoverAfter)
		if err != nil {
			p.logger.Error("failed to recover orphaned jobs", "error", err)
			return
		}
		if n > 0 {
			p.logger.Warn("recovered orphaned active jobs", "count", n)
		}
	}
	sweep()

	ticker := time.NewTicker(p.recoverAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// drain processes jobs until the queue has nothing ready, so a burst of
// due batches is not throttled to one job per tick.
func (p *Pool) drain(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
		if !p.processOne(ctx, logger) {
			return
		}
	}
}

// processOne claims and handles one job. Returns false when the queue
// was empty.
func (p *Pool) processOne(ctx context.Context, logger *slog.Logger) bool {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue job", "error", err)
		return false
	}
	if job == nil {
		return false
	}

	logger = logger.With("job_id", job.ID, "campaign_id", job.CampaignID())

	switch job.Kind {
	case queue.KindCampaign:
		p.processCampaign(ctx, job, logger)
	case queue.KindBatch:
		p.processBatch(ctx, job, logger)
	default:
		logger.Error("unknown job kind", "kind", job.Kind)
		p.resolveJob(ctx, job, queue.StateFailed, "unknown job kind", logger)
	}
	return true
}

// processCampaign splits a campaign into batch jobs spread over time by
// the rate allocator. Re-runs are idempotent: batch ids are
// deterministic and duplicate enqueues are no-ops.
func (p *Pool) processCampaign(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	payload := job.Campaign
	camp, err := p.store.Get(ctx, payload.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("campaign row missing, dropping job")
		p.resolveJob(ctx, job, queue.StateCompleted, "", logger)
		return
	}
	if err != nil {
		p.retryJob(ctx, job, err, logger)
		return
	}
	if camp.Status.Terminal() {
		p.resolveJob(ctx, job, queue.StateCompleted, "", logger)
		return
	}
	if camp.Status == campaign.StatusPaused {
		// dequeued in the window before the pause sweep parked it;
		// push it back so the sweep can catch it
		p.requeueSoon(ctx, job, logger)
		return
	}

	if _, err := p.store.SetStatus(ctx, payload.CampaignID, campaign.StatusProcessing); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			p.retryJob(ctx, job, err, logger)
			return
		}
	}

	batches := campaign.Split(payload.Recipients, payload.BatchSize)
	if err := p.store.SetTotalBatches(ctx, payload.CampaignID, len(batches)); err != nil {
		p.retryJob(ctx, job, err, logger)
		return
	}

	now := time.Now().UTC()
	for _, batch := range batches {
		delay := campaign.DispatchDelay(payload.RateLimit, payload.BatchSize, batch.Number-1)
		batchJob := &queue.Job{
			ID:          queue.BatchJobID(payload.CampaignID, batch.Number),
			Kind:        queue.KindBatch,
			Priority:    job.Priority,
			RunAt:       now.Add(delay),
			MaxAttempts: job.MaxAttempts,
			Batch: &queue.BatchJob{
				CampaignID:   payload.CampaignID,
				BatchNumber:  batch.Number,
				TotalBatches: batch.Total,
				Recipients:   batch.Recipients,
				RateLimit:    payload.RateLimit,
				Config:       payload.Config,
			},
		}
		if err := p.queue.Enqueue(ctx, batchJob); err != nil {
			if errors.Is(err, queue.ErrDuplicateJob) {
				continue
			}
			p.retryJob(ctx, job, err, logger)
			return
		}
	}

	logger.Info("campaign split into batches",
		"total_leads", len(payload.Recipients),
		"batches", len(batches),
		"batch_size", payload.BatchSize,
		"rate_limit", payload.RateLimit,
	)
	p.resolveJob(ctx, job, queue.StateCompleted, "", logger)
	p.publishCampaign(ctx, payload.CampaignID)
}

// batchOutcome aggregates one send pass over a batch's recipients
type batchOutcome struct {
	sent        int
	failed      int
	retryable   []campaign.Recipient
	senderFault error
}

func (p *Pool) processBatch(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	payload := job.Batch
	camp, err := p.store.Get(ctx, payload.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("campaign row missing, dropping batch")
		p.resolveJob(ctx, job, queue.StateCompleted, "", logger)
		return
	}
	if err != nil {
		p.retryJob(ctx, job, err, logger)
		return
	}
	if camp.Status.Terminal() {
		// cooperative cancel: undispatched work for a terminal campaign
		// is simply discarded
		p.dropLimiter(payload.CampaignID)
		p.resolveJob(ctx, job, queue.StateCompleted, "", logger)
		return
	}
	if camp.Status == campaign.StatusPaused {
		p.requeueSoon(ctx, job, logger)
		return
	}

	logger = logger.With("batch", payload.BatchNumber, "total_batches", payload.TotalBatches)
	outcome := p.sendBatch(ctx, payload, logger)

	if outcome.senderFault != nil {
		p.abortCampaign(ctx, job, outcome.senderFault, logger)
		return
	}

	attempt := job.Attempts + 1
	if len(outcome.retryable) > 0 && attempt < job.MaxAttempts {
		job.Attempts = attempt
		p.retryBatch(ctx, job, outcome, logger)
		return
	}

	// final resolution: anything still unsent counts as failed
	totalSent := payload.SentSoFar + outcome.sent
	totalFailed := payload.FailedSoFar + outcome.failed + len(outcome.retryable)
	if len(outcome.retryable) > 0 {
		logger.Warn("batch retries exhausted",
			"attempts", attempt,
			"unsent", len(outcome.retryable),
		)
		metrics.IncBatchesExhausted()
	}

	updated, err := p.store.ApplyBatchResult(ctx, payload.CampaignID, totalSent, totalFailed, p.failureThreshold)
	if err != nil {
		// counters were not applied, so the pass will repeat; retryJob
		// owns the attempt increment for this path
		p.retryJob(ctx, job, err, logger)
		return
	}

	job.Attempts = attempt
	p.resolveJob(ctx, job, queue.StateCompleted, "", logger)
	metrics.IncBatchesProcessed()

	logger.Info("batch resolved",
		"sent", totalSent,
		"failed", totalFailed,
		"campaign_sent", updated.SentCount,
		"campaign_failed", updated.FailedCount,
	)

	if updated.Status.Terminal() {
		p.dropLimiter(payload.CampaignID)
		metrics.IncCampaignsFinished(string(updated.Status))
		logger.Info("campaign finished",
			"status", updated.Status,
			"sent", updated.SentCount,
			"failed", updated.FailedCount,
		)
	}
	p.publish(updated)
}

// sendBatch fans the batch's recipients out over the transport inside
// the campaign's rate budget.
func (p *Pool) sendBatch(ctx context.Context, payload *queue.BatchJob, logger *slog.Logger) *batchOutcome {
	limiter := p.limiter(payload.CampaignID, payload.RateLimit)

	var (
		mu      sync.Mutex
		outcome batchOutcome
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, p.fanOut)

	for _, rcpt := range payload.Recipients {
		mu.Lock()
		aborted := outcome.senderFault != nil
		mu.Unlock()
		if aborted {
			break
		}

		if err := mailer.ValidateAddress(rcpt.Email); err != nil {
			mu.Lock()
			outcome.failed++
			mu.Unlock()
			metrics.IncMessagesFailed("invalid_address")
			logger.Debug("recipient rejected", "email", rcpt.Email, "error", err)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			// shutdown mid-batch: remaining recipients stay retryable
			mu.Lock()
			outcome.retryable = append(outcome.retryable, rcpt)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(rcpt campaign.Recipient) {
			defer wg.Done()
			defer func() { <-sem }()

			err := p.sendOne(ctx, payload, rcpt)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				outcome.sent++
				metrics.IncMessagesSent()
			case mailer.IsSenderFault(err):
				if outcome.senderFault == nil {
					outcome.senderFault = err
				}
			case mailer.IsPermanent(err):
				outcome.failed++
				metrics.IncMessagesFailed("permanent")
				logger.Debug("recipient failed permanently", "email", rcpt.Email, "error", err)
			default:
				outcome.retryable = append(outcome.retryable, rcpt)
			}
		}(rcpt)
	}
	wg.Wait()

	return &outcome
}

func (p *Pool) sendOne(ctx context.Context, payload *queue.BatchJob, rcpt campaign.Recipient) error {
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	msg := &mailer.Message{
		From:     payload.Config.FromEmail,
		FromName: payload.Config.FromName,
		ReplyTo:  payload.Config.ReplyTo,
		To:       rcpt.Email,
		Subject:  mailer.Render(payload.Config.SubjectTemplate, rcpt.Fields),
		HTML:     mailer.Render(payload.Config.HTMLTemplate, rcpt.Fields),
	}

	start := time.Now()
	_, err := p.transport.Send(sendCtx, msg)
	metrics.ObserveSendDuration(time.Since(start).Seconds())
	return err
}

// retryBatch reschedules the batch with only the unsent remainder and
// exponential backoff. Sent and permanently failed counts accumulate on
// the job so the eventual resolution never double-counts.
func (p *Pool) retryBatch(ctx context.Context, job *queue.Job, outcome *batchOutcome, logger *slog.Logger) {
	backoff := p.backoff(job.Attempts)

	job.Batch.SentSoFar += outcome.sent
	job.Batch.FailedSoFar += outcome.failed
	job.Batch.Recipients = outcome.retryable
	job.State = queue.StateDelayed
	job.RunAt = time.Now().UTC().Add(backoff)
	job.LastError = "transient transport failures"
	job.UpdatedAt = time.Now().UTC()

	if err := p.queue.Update(ctx, job); err != nil {
		logger.Error("failed to reschedule batch", "error", err)
		return
	}
	metrics.IncBatchesRetried()
	logger.Info("batch retry scheduled",
		"attempt", job.Attempts,
		"remaining", len(outcome.retryable),
		"backoff", backoff,
	)
}

// abortCampaign fails the whole campaign on a permanent sender-side
// fault (rejected sender domain, broken credentials): every remaining
// batch would fail the same way.
func (p *Pool) abortCampaign(ctx context.Context, job *queue.Job, cause error, logger *slog.Logger) {
	campaignID := job.Batch.CampaignID
	logger.Error("aborting campaign on sender fault", "error", cause)

	updated, err := p.store.SetFailed(ctx, campaignID, cause.Error())
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		logger.Error("failed to mark campaign failed", "error", err)
	}

	jobs, err := p.queue.List(ctx, queue.Filter{
		States:     []queue.State{queue.StatePending, queue.StateDelayed, queue.StateParked},
		CampaignID: campaignID,
	})
	if err != nil {
		logger.Error("failed to list campaign jobs for abort", "error", err)
	}
	for _, j := range jobs {
		if err := p.queue.Remove(ctx, j.ID); err != nil {
			logger.Warn("failed to remove job during abort", "job_id", j.ID, "error", err)
		}
	}

	p.resolveJob(ctx, job, queue.StateFailed, cause.Error(), logger)
	p.dropLimiter(campaignID)
	if updated != nil {
		metrics.IncCampaignsFinished(string(campaign.StatusFailed))
		p.publish(updated)
	}
}

// resolveJob moves a claimed job to a terminal state
func (p *Pool) resolveJob(ctx context.Context, job *queue.Job, state queue.State, lastError string, logger *slog.Logger) {
	job.State = state
	job.LastError = lastError
	job.UpdatedAt = time.Now().UTC()
	if err := p.queue.Update(ctx, job); err != nil {
		logger.Error("failed to resolve job", "state", state, "error", err)
	}
}

// requeueSoon pushes a claimed job back as delayed without burning an
// attempt, for jobs that raced a pause sweep.
func (p *Pool) requeueSoon(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	job.State = queue.StateDelayed
	job.RunAt = time.Now().UTC().Add(5 * time.Second)
	job.UpdatedAt = time.Now().UTC()
	if err := p.queue.Update(ctx, job); err != nil {
		logger.Error("failed to requeue job", "error", err)
	}
}

// retryJob reschedules a job after an infrastructure error, failing it
// once attempts are exhausted.
func (p *Pool) retryJob(ctx context.Context, job *queue.Job, cause error, logger *slog.Logger) {
	job.Attempts++
	job.LastError = cause.Error()
	job.UpdatedAt = time.Now().UTC()

	if job.Attempts >= job.MaxAttempts {
		logger.Error("job failed permanently", "attempts", job.Attempts, "error", cause)
		job.State = queue.StateFailed
	} else {
		backoff := p.backoff(job.Attempts)
		job.State = queue.StateDelayed
		job.RunAt = time.Now().UTC().Add(backoff)
		logger.Warn("job deferred", "attempts", job.Attempts, "backoff", backoff, "error", cause)
	}

	if err := p.queue.Update(ctx, job); err != nil {
		logger.Error("failed to update job after error", "error", err)
	}
}

// backoff returns retryBase * 2^(attempt-1), capped at five minutes
func (p *Pool) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := 1 << (attempt - 1)
	if multiplier > 128 {
		multiplier = 128
	}
	backoff := time.Duration(multiplier) * p.retryBase
	if backoff > 5*time.Minute {
		return 5 * time.Minute
	}
	return backoff
}

// limiter returns the shared per-campaign rate limiter so concurrent
// batches of one campaign draw from a single budget.
func (p *Pool) limiter(campaignID string, rateLimit int) *rate.Limiter {
	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()

	if l, ok := p.limiters[campaignID]; ok {
		return l
	}
	if rateLimit <= 0 {
		rateLimit = 1
	}
	l := rate.NewLimiter(rate.Limit(rateLimit), rateLimit)
	p.limiters[campaignID] = l
	return l
}

func (p *Pool) dropLimiter(campaignID string) {
	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()
	delete(p.limiters, campaignID)
}

func (p *Pool) publish(c *campaign.Campaign) {
	if p.publisher == nil || c == nil {
		return
	}
	p.publisher.Publish(c.Snapshot(p.workers))
}

func (p *Pool) publishCampaign(ctx context.Context, id string) {
	if p.publisher == nil {
		return
	}
	c, err := p.store.Get(ctx, id)
	if err != nil {
		return
	}
	p.publish(c)
}
