package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sendflock/sendflock/internal/campaign"
	"github.com/sendflock/sendflock/internal/mailer"
	"github.com/sendflock/sendflock/internal/queue"
	"github.com/sendflock/sendflock/internal/store"
)

type mockTransport struct {
	mu       sync.Mutex
	sent     []string
	sendFunc func(ctx context.Context, msg *mailer.Message) (string, error)
}

func (m *mockTransport) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	m.mu.Lock()
	fn := m.sendFunc
	m.mu.Unlock()

	if fn != nil {
		id, err := fn(ctx, msg)
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		m.sent = append(m.sent, msg.To)
		m.mu.Unlock()
		return id, nil
	}

	m.mu.Lock()
	m.sent = append(m.sent, msg.To)
	m.mu.Unlock()
	return "msg-id", nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockPublisher struct {
	mu        sync.Mutex
	snapshots []*campaign.Snapshot
}

func (m *mockPublisher) Publish(s *campaign.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
}

func (m *mockPublisher) last() *campaign.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return nil
	}
	return m.snapshots[len(m.snapshots)-1]
}

type fixture struct {
	store     *store.Store
	queue     queue.Queue
	transport *mockTransport
	publisher *mockPublisher
	pool      *Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "campaigns.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := queue.NewBoltQueue(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	transport := &mockTransport{}
	publisher := &mockPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool := New(q, st, transport, publisher, Config{
		Workers:         2,
		FanOut:          4,
		SendTimeout:     time.Second,
		ProcessInterval: 10 * time.Millisecond,
		RetryBase:       20 * time.Millisecond,
	}, logger)

	return &fixture{store: st, queue: q, transport: transport, publisher: publisher, pool: pool}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.pool.Stop()
	})
}

// seedCampaign creates the campaign row and its campaign-level job,
// mirroring what the controller does on enqueue.
func (f *fixture) seedCampaign(t *testing.T, id string, recipients []campaign.Recipient, batchSize, rateLimit int) *campaign.Campaign {
	t.Helper()
	ctx := context.Background()

	camp := &campaign.Campaign{
		ID:     id,
		UserID: "user-1",
		Config: campaign.SendConfig{
			Name:            "launch",
			SubjectTemplate: "Hi {{firstName}}",
			HTMLTemplate:    "<p>Hello {{firstName}}</p>",
			FromEmail:       "news@example.com",
		},
		Status:     campaign.StatusPending,
		BatchSize:  batchSize,
		RateLimit:  rateLimit,
		TotalLeads: len(recipients),
		CreatedAt:  time.Now().UTC(),
	}
	if err := f.store.Create(ctx, camp); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}

	job := &queue.Job{
		ID:          queue.CampaignJobID(id),
		Kind:        queue.KindCampaign,
		RunAt:       time.Now().UTC(),
		MaxAttempts: 3,
		Campaign: &queue.CampaignJob{
			CampaignID: id,
			UserID:     camp.UserID,
			Recipients: recipients,
			BatchSize:  batchSize,
			RateLimit:  rateLimit,
			Config:     camp.Config,
		},
	}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("failed to enqueue campaign job: %v", err)
	}
	return camp
}

func makeRecipients(n int) []campaign.Recipient {
	recipients := make([]campaign.Recipient, n)
	for i := range recipients {
		recipients[i] = campaign.Recipient{
			Email:  fmt.Sprintf("user%d@example.com", i),
			Fields: map[string]string{"firstName": fmt.Sprintf("User%d", i)},
		}
	}
	return recipients
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestCampaignEndToEnd(t *testing.T) {
	f := newFixture(t)
	camp := f.seedCampaign(t, "camp-1", makeRecipients(10), 3, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status == campaign.StatusCompleted
	}, "campaign to complete")

	c, err := f.store.Get(ctx, camp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.SentCount != 10 || c.FailedCount != 0 {
		t.Errorf("counters = %d sent / %d failed, want 10/0", c.SentCount, c.FailedCount)
	}
	if c.TotalBatches != 4 || c.ResolvedBatches != 4 {
		t.Errorf("batches = %d/%d, want 4/4", c.ResolvedBatches, c.TotalBatches)
	}
	if c.StartedAt == nil || c.CompletedAt == nil {
		t.Error("StartedAt/CompletedAt not set")
	}
	if got := f.transport.sentCount(); got != 10 {
		t.Errorf("transport sent %d messages, want 10", got)
	}

	snap := f.publisher.last()
	if snap == nil {
		t.Fatal("no progress snapshots published")
	}
	if snap.Status != campaign.StatusCompleted || snap.Percent != 100 {
		t.Errorf("final snapshot = %s %.0f%%, want completed 100%%", snap.Status, snap.Percent)
	}

	// campaign and batch jobs all resolved
	stats, err := f.queue.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 5 {
		t.Errorf("completed jobs = %d, want 5", stats.Completed)
	}
}

func TestPersonalization(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	subjects := make(map[string]string)
	f.transport.sendFunc = func(ctx context.Context, msg *mailer.Message) (string, error) {
		mu.Lock()
		subjects[msg.To] = msg.Subject
		mu.Unlock()
		return "id", nil
	}

	camp := f.seedCampaign(t, "camp-1", makeRecipients(2), 10, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status.Terminal()
	}, "campaign to finish")

	mu.Lock()
	defer mu.Unlock()
	if subjects["user0@example.com"] != "Hi User0" {
		t.Errorf("subject = %q, want %q", subjects["user0@example.com"], "Hi User0")
	}
	if subjects["user1@example.com"] != "Hi User1" {
		t.Errorf("subject = %q, want %q", subjects["user1@example.com"], "Hi User1")
	}
}

func TestInvalidRecipientsCountedFailed(t *testing.T) {
	f := newFixture(t)

	recipients := makeRecipients(3)
	recipients = append(recipients,
		campaign.Recipient{Email: "not-an-address"},
		campaign.Recipient{Email: ""},
	)
	camp := f.seedCampaign(t, "camp-1", recipients, 10, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status.Terminal()
	}, "campaign to finish")

	c, _ := f.store.Get(ctx, camp.ID)
	if c.Status != campaign.StatusCompleted {
		t.Errorf("status = %s, want completed", c.Status)
	}
	if c.SentCount != 3 || c.FailedCount != 2 {
		t.Errorf("counters = %d sent / %d failed, want 3/2", c.SentCount, c.FailedCount)
	}
	if got := f.transport.sentCount(); got != 3 {
		t.Errorf("transport sent %d, want 3: invalid addresses must not reach the transport", got)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	failures := map[string]int{"user1@example.com": 2}
	f.transport.sendFunc = func(ctx context.Context, msg *mailer.Message) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures[msg.To] > 0 {
			failures[msg.To]--
			return "", &mailer.SendError{Code: 451, Message: "451 try again later"}
		}
		return "id", nil
	}

	camp := f.seedCampaign(t, "camp-1", makeRecipients(4), 10, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status.Terminal()
	}, "campaign to finish")

	c, _ := f.store.Get(ctx, camp.ID)
	if c.Status != campaign.StatusCompleted {
		t.Errorf("status = %s, want completed", c.Status)
	}
	if c.SentCount != 4 || c.FailedCount != 0 {
		t.Errorf("counters = %d sent / %d failed, want 4/0: retried sends must not double-count", c.SentCount, c.FailedCount)
	}
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t)

	f.transport.sendFunc = func(ctx context.Context, msg *mailer.Message) (string, error) {
		if msg.To == "user0@example.com" {
			return "", &mailer.SendError{Code: 421, Message: "421 service unavailable"}
		}
		return "id", nil
	}

	camp := f.seedCampaign(t, "camp-1", makeRecipients(4), 10, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 10*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status.Terminal()
	}, "campaign to finish")

	c, _ := f.store.Get(ctx, camp.ID)
	if c.Status != campaign.StatusCompleted {
		t.Errorf("status = %s, want completed: one bad recipient is below the failure threshold", c.Status)
	}
	if c.SentCount != 3 || c.FailedCount != 1 {
		t.Errorf("counters = %d sent / %d failed, want 3/1", c.SentCount, c.FailedCount)
	}
}

func TestPermanentRecipientFailure(t *testing.T) {
	f := newFixture(t)

	f.transport.sendFunc = func(ctx context.Context, msg *mailer.Message) (string, error) {
		if msg.To == "user2@example.com" {
			return "", &mailer.SendError{Code: 550, Permanent: true, Message: "550 user unknown"}
		}
		return "id", nil
	}

	camp := f.seedCampaign(t, "camp-1", makeRecipients(5), 10, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status.Terminal()
	}, "campaign to finish")

	c, _ := f.store.Get(ctx, camp.ID)
	if c.SentCount != 4 || c.FailedCount != 1 {
		t.Errorf("counters = %d sent / %d failed, want 4/1: permanent failures are not retried", c.SentCount, c.FailedCount)
	}
}

func TestSenderFaultAbortsCampaign(t *testing.T) {
	f := newFixture(t)

	f.transport.sendFunc = func(ctx context.Context, msg *mailer.Message) (string, error) {
		return "", &mailer.SendError{Code: 553, Permanent: true, SenderFault: true, Message: "553 sender domain rejected"}
	}

	camp := f.seedCampaign(t, "camp-1", makeRecipients(20), 5, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status == campaign.StatusFailed
	}, "campaign to fail")

	c, _ := f.store.Get(ctx, camp.ID)
	if c.ErrorMessage == "" {
		t.Error("aborted campaign has no error message")
	}

	// the remaining batch jobs must be swept out, not retried forever
	waitFor(t, 5*time.Second, func() bool {
		jobs, err := f.queue.List(ctx, queue.Filter{
			States:     []queue.State{queue.StatePending, queue.StateDelayed, queue.StateActive},
			CampaignID: camp.ID,
		})
		return err == nil && len(jobs) == 0
	}, "remaining jobs to be removed")
}

func TestHighFailureRateFailsCampaign(t *testing.T) {
	f := newFixture(t)

	f.transport.sendFunc = func(ctx context.Context, msg *mailer.Message) (string, error) {
		return "", &mailer.SendError{Code: 550, Permanent: true, Message: "550 rejected"}
	}

	camp := f.seedCampaign(t, "camp-1", makeRecipients(4), 10, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status.Terminal()
	}, "campaign to finish")

	c, _ := f.store.Get(ctx, camp.ID)
	if c.Status != campaign.StatusFailed {
		t.Errorf("status = %s, want failed for 100%% failure rate", c.Status)
	}
	if c.FailedCount != 4 {
		t.Errorf("FailedCount = %d, want 4", c.FailedCount)
	}
}

func TestBatchForCancelledCampaignDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	camp := f.seedCampaign(t, "camp-1", makeRecipients(4), 10, 1000)
	if _, err := f.store.SetStatus(ctx, camp.ID, campaign.StatusCancelled); err != nil {
		t.Fatal(err)
	}
	f.start(t)

	waitFor(t, 5*time.Second, func() bool {
		job, err := f.queue.Get(ctx, queue.CampaignJobID(camp.ID))
		return err == nil && job.State == queue.StateCompleted
	}, "campaign job to be dropped")

	if got := f.transport.sentCount(); got != 0 {
		t.Errorf("transport sent %d messages for a cancelled campaign", got)
	}
	c, _ := f.store.Get(ctx, camp.ID)
	if c.SentCount != 0 {
		t.Errorf("SentCount = %d, want 0", c.SentCount)
	}
}

func TestCampaignRerunSkipsResolvedBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	camp := f.seedCampaign(t, "camp-1", makeRecipients(4), 2, 1000)

	// First pass: split the campaign, then resolve one batch.
	campJob, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if campJob == nil || campJob.Kind != queue.KindCampaign {
		t.Fatalf("expected the campaign job, got %+v", campJob)
	}
	f.pool.processCampaign(ctx, campJob, logger)

	var batchJob *queue.Job
	waitFor(t, 2*time.Second, func() bool {
		batchJob, err = f.queue.Dequeue(ctx)
		return err == nil && batchJob != nil
	}, "first batch to become ready")
	f.pool.processBatch(ctx, batchJob, logger)

	c, err := f.store.Get(ctx, camp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.ResolvedBatches != 1 || c.SentCount != 2 {
		t.Fatalf("after first batch: resolved=%d sent=%d, want 1/2", c.ResolvedBatches, c.SentCount)
	}

	// A retried campaign job re-runs the split. The resolved batch id
	// must deduplicate, not be re-enqueued for a second send.
	rerun := &queue.Job{
		ID:          campJob.ID,
		Kind:        queue.KindCampaign,
		Attempts:    1,
		MaxAttempts: campJob.MaxAttempts,
		Campaign:    campJob.Campaign,
	}
	f.pool.processCampaign(ctx, rerun, logger)

	done, err := f.queue.Get(ctx, batchJob.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.State != queue.StateCompleted {
		t.Fatalf("resolved batch was re-admitted: state = %s", done.State)
	}
	c, _ = f.store.Get(ctx, camp.ID)
	if c.ResolvedBatches != 1 || c.SentCount != 2 {
		t.Errorf("re-run moved counters: resolved=%d sent=%d, want 1/2", c.ResolvedBatches, c.SentCount)
	}

	// Finish the remaining batch and check every recipient went out once.
	var rest *queue.Job
	waitFor(t, 2*time.Second, func() bool {
		rest, err = f.queue.Dequeue(ctx)
		return err == nil && rest != nil
	}, "second batch to become ready")
	f.pool.processBatch(ctx, rest, logger)

	c, _ = f.store.Get(ctx, camp.ID)
	if c.Status != campaign.StatusCompleted || c.SentCount != 4 {
		t.Errorf("final status=%s sent=%d, want completed/4", c.Status, c.SentCount)
	}
	f.transport.mu.Lock()
	perRecipient := make(map[string]int)
	for _, to := range f.transport.sent {
		perRecipient[to]++
	}
	f.transport.mu.Unlock()
	for to, n := range perRecipient {
		if n != 1 {
			t.Errorf("recipient %s received %d messages, want 1", to, n)
		}
	}
	if len(perRecipient) != 4 {
		t.Errorf("%d distinct recipients reached, want 4", len(perRecipient))
	}
}

func TestCounterFailureBurnsOneAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A campaign whose row undercounts its leads makes the counter
	// application fail deterministically after a successful send pass.
	camp := &campaign.Campaign{
		ID:     "camp-1",
		UserID: "user-1",
		Config: campaign.SendConfig{
			Name:            "launch",
			SubjectTemplate: "Hi",
			HTMLTemplate:    "<p>Hi</p>",
			FromEmail:       "news@example.com",
		},
		Status:     campaign.StatusPending,
		BatchSize:  10,
		RateLimit:  1000,
		TotalLeads: 1,
		CreatedAt:  time.Now().UTC(),
	}
	if err := f.store.Create(ctx, camp); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.SetStatus(ctx, camp.ID, campaign.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetTotalBatches(ctx, camp.ID, 1); err != nil {
		t.Fatal(err)
	}

	batchJob := &queue.Job{
		ID:          queue.BatchJobID(camp.ID, 1),
		Kind:        queue.KindBatch,
		RunAt:       time.Now().UTC(),
		MaxAttempts: 3,
		Batch: &queue.BatchJob{
			CampaignID:   camp.ID,
			BatchNumber:  1,
			TotalBatches: 1,
			Recipients:   makeRecipients(2),
			RateLimit:    1000,
			Config:       camp.Config,
		},
	}
	if err := f.queue.Enqueue(ctx, batchJob); err != nil {
		t.Fatal(err)
	}

	job, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	f.pool.processBatch(ctx, job, logger)

	stored, err := f.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != queue.StateDelayed {
		t.Errorf("state = %s, want delayed for retry", stored.State)
	}
	if stored.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1: one failed pass charges one attempt", stored.Attempts)
	}
}

func TestPausedBatchRequeuedWithoutSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	camp := f.seedCampaign(t, "camp-1", makeRecipients(4), 10, 1000)
	if _, err := f.store.SetStatus(ctx, camp.ID, campaign.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.SetStatus(ctx, camp.ID, campaign.StatusPaused); err != nil {
		t.Fatal(err)
	}
	// remove the seeded campaign job; this test drives a lone batch job
	if err := f.queue.Remove(ctx, queue.CampaignJobID(camp.ID)); err != nil {
		t.Fatal(err)
	}

	batchJob := &queue.Job{
		ID:          queue.BatchJobID(camp.ID, 1),
		Kind:        queue.KindBatch,
		RunAt:       time.Now().UTC(),
		MaxAttempts: 3,
		Batch: &queue.BatchJob{
			CampaignID:   camp.ID,
			BatchNumber:  1,
			TotalBatches: 1,
			Recipients:   makeRecipients(4),
			RateLimit:    1000,
			Config:       camp.Config,
		},
	}
	if err := f.queue.Enqueue(ctx, batchJob); err != nil {
		t.Fatal(err)
	}
	f.start(t)

	waitFor(t, 5*time.Second, func() bool {
		job, err := f.queue.Get(ctx, batchJob.ID)
		return err == nil && job.State == queue.StateDelayed && job.RunAt.After(time.Now())
	}, "batch job to be requeued")

	if got := f.transport.sentCount(); got != 0 {
		t.Errorf("transport sent %d messages for a paused campaign", got)
	}
	job, _ := f.queue.Get(ctx, batchJob.ID)
	if job.Attempts != 0 {
		t.Errorf("requeue burned an attempt: Attempts = %d", job.Attempts)
	}
}

func TestInfrastructureRetryBackoff(t *testing.T) {
	p := New(nil, nil, nil, nil, Config{RetryBase: 2 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSharedLimiterPerCampaign(t *testing.T) {
	p := New(nil, nil, nil, nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	a := p.limiter("camp-1", 90)
	b := p.limiter("camp-1", 90)
	if a != b {
		t.Error("same campaign must share one limiter")
	}
	c := p.limiter("camp-2", 90)
	if a == c {
		t.Error("different campaigns must not share a limiter")
	}

	p.dropLimiter("camp-1")
	d := p.limiter("camp-1", 90)
	if a == d {
		t.Error("dropped limiter must be rebuilt")
	}
}

func TestSendErrorClassificationDrivesOutcome(t *testing.T) {
	f := newFixture(t)

	// plain errors (no SendError) are treated as transient
	calls := 0
	var mu sync.Mutex
	f.transport.sendFunc = func(ctx context.Context, msg *mailer.Message) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", errors.New("connection reset by peer")
		}
		return "id", nil
	}

	camp := f.seedCampaign(t, "camp-1", makeRecipients(1), 10, 1000)
	f.start(t)

	ctx := context.Background()
	waitFor(t, 5*time.Second, func() bool {
		c, err := f.store.Get(ctx, camp.ID)
		return err == nil && c.Status.Terminal()
	}, "campaign to finish")

	c, _ := f.store.Get(ctx, camp.ID)
	if c.Status != campaign.StatusCompleted || c.SentCount != 1 {
		t.Errorf("status=%s sent=%d, want completed/1 after transient retry", c.Status, c.SentCount)
	}
}
