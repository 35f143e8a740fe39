package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sendflock/sendflock/internal/campaign"
	"github.com/sendflock/sendflock/internal/queue"
	"github.com/sendflock/sendflock/internal/store"
)

func newTestController(t *testing.T) (*Controller, *store.Store, queue.Queue) {
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

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := New(st, q, Config{Workers: 4}, logger)
	return ctrl, st, q
}

func testRecipients(n int) []campaign.Recipient {
	recipients := make([]campaign.Recipient, n)
	for i := range recipients {
		recipients[i] = campaign.Recipient{
			Email:  "user" + string(rune('a'+i%26)) + "@example.com",
			Fields: map[string]string{"firstName": "User"},
		}
	}
	return recipients
}

func testRequest(n int) *EnqueueRequest {
	return &EnqueueRequest{
		UserID: "user-1",
		Config: campaign.SendConfig{
			Name:            "launch",
			SubjectTemplate: "Hello {{firstName}}",
			HTMLTemplate:    "<p>Hi {{firstName}}</p>",
			FromEmail:       "news@example.com",
		},
		Recipients: testRecipients(n),
	}
}

func enqueueBatchJob(t *testing.T, q queue.Queue, campaignID string, number int, runAt time.Time) {
	t.Helper()
	err := q.Enqueue(context.Background(), &queue.Job{
		ID:          queue.BatchJobID(campaignID, number),
		Kind:        queue.KindBatch,
		RunAt:       runAt,
		MaxAttempts: 3,
		Batch: &queue.BatchJob{
			CampaignID:   campaignID,
			BatchNumber:  number,
			TotalBatches: 3,
			Recipients:   testRecipients(2),
			RateLimit:    90,
			Config:       campaign.SendConfig{FromEmail: "news@example.com", SubjectTemplate: "s"},
		},
	})
	if err != nil {
		t.Fatalf("failed to enqueue batch job: %v", err)
	}
}

func TestEnqueue(t *testing.T) {
	ctrl, st, q := newTestController(t)
	ctx := context.Background()

	camp, err := ctrl.Enqueue(ctx, testRequest(120))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if camp.ID == "" {
		t.Fatal("expected a generated campaign id")
	}
	if camp.Status != campaign.StatusPending {
		t.Errorf("status = %s, want pending", camp.Status)
	}
	if camp.BatchSize != 50 || camp.RateLimit != 90 {
		t.Errorf("defaults not applied: batch_size=%d rate_limit=%d", camp.BatchSize, camp.RateLimit)
	}
	if camp.TotalLeads != 120 {
		t.Errorf("TotalLeads = %d, want 120", camp.TotalLeads)
	}

	stored, err := st.Get(ctx, camp.ID)
	if err != nil {
		t.Fatalf("campaign row not persisted: %v", err)
	}
	if stored.UserID != "user-1" {
		t.Errorf("UserID = %s, want user-1", stored.UserID)
	}

	job, err := q.Get(ctx, queue.CampaignJobID(camp.ID))
	if err != nil {
		t.Fatalf("campaign job not enqueued: %v", err)
	}
	if job.Kind != queue.KindCampaign {
		t.Errorf("job kind = %s, want campaign", job.Kind)
	}
	if job.State != queue.StateDelayed {
		t.Errorf("job state = %s, want delayed", job.State)
	}
	if len(job.Campaign.Recipients) != 120 {
		t.Errorf("job carries %d recipients, want 120", len(job.Campaign.Recipients))
	}
}

func TestEnqueueInvalidConfig(t *testing.T) {
	ctrl, _, q := newTestController(t)
	ctx := context.Background()

	req := testRequest(10)
	req.Config.FromEmail = ""
	if _, err := ctrl.Enqueue(ctx, req); !errors.Is(err, campaign.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	req = testRequest(0)
	if _, err := ctrl.Enqueue(ctx, req); !errors.Is(err, campaign.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty recipients, got %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("rejected campaigns must not enqueue jobs, queue holds %d", stats.Total)
	}
}

func TestPauseAndResume(t *testing.T) {
	ctrl, st, q := newTestController(t)
	ctx := context.Background()

	camp, err := ctrl.Enqueue(ctx, testRequest(6))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := st.SetStatus(ctx, camp.ID, campaign.StatusProcessing); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	enqueueBatchJob(t, q, camp.ID, 1, time.Now())
	enqueueBatchJob(t, q, camp.ID, 2, time.Now().Add(time.Hour))

	parked, err := ctrl.Pause(ctx, camp.ID)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	// two batch jobs plus the still-delayed campaign job
	if parked != 3 {
		t.Errorf("parked = %d, want 3", parked)
	}

	stored, _ := st.Get(ctx, camp.ID)
	if stored.Status != campaign.StatusPaused {
		t.Errorf("status = %s, want paused", stored.Status)
	}

	stats, _ := q.Stats(ctx)
	if stats.Parked != 3 {
		t.Errorf("queue parked = %d, want 3", stats.Parked)
	}
	if stats.Pending != 0 || stats.Delayed != 0 {
		t.Errorf("dispatchable jobs remain after pause: pending=%d delayed=%d", stats.Pending, stats.Delayed)
	}

	// pausing a paused campaign is a no-op
	parked, err = ctrl.Pause(ctx, camp.ID)
	if err != nil || parked != 0 {
		t.Errorf("second Pause = (%d, %v), want (0, nil)", parked, err)
	}

	released, err := ctrl.Resume(ctx, camp.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if released != 3 {
		t.Errorf("released = %d, want 3", released)
	}

	stored, _ = st.Get(ctx, camp.ID)
	if stored.Status != campaign.StatusProcessing {
		t.Errorf("status = %s, want processing", stored.Status)
	}

	stats, _ = q.Stats(ctx)
	if stats.Parked != 0 {
		t.Errorf("queue parked = %d after resume, want 0", stats.Parked)
	}

	released, err = ctrl.Resume(ctx, camp.ID)
	if err != nil || released != 0 {
		t.Errorf("second Resume = (%d, %v), want (0, nil)", released, err)
	}
}

func TestPausePendingCampaign(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	camp, err := ctrl.Enqueue(ctx, testRequest(6))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := ctrl.Pause(ctx, camp.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("pausing a pending campaign: got %v, want ErrInvalidTransition", err)
	}
}

func TestCancel(t *testing.T) {
	ctrl, st, q := newTestController(t)
	ctx := context.Background()

	camp, err := ctrl.Enqueue(ctx, testRequest(6))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := st.SetStatus(ctx, camp.ID, campaign.StatusProcessing); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	enqueueBatchJob(t, q, camp.ID, 1, time.Now())
	enqueueBatchJob(t, q, camp.ID, 2, time.Now().Add(time.Hour))
	if err := q.Park(ctx, queue.BatchJobID(camp.ID, 1)); err != nil {
		t.Fatalf("Park failed: %v", err)
	}

	removed, err := ctrl.Cancel(ctx, camp.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	// parked batch, delayed batch, delayed campaign job
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	stored, _ := st.Get(ctx, camp.ID)
	if stored.Status != campaign.StatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("CompletedAt not set on cancellation")
	}

	stats, _ := q.Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("queue holds %d jobs after cancel, want 0", stats.Total)
	}

	removed, err = ctrl.Cancel(ctx, camp.ID)
	if err != nil || removed != 0 {
		t.Errorf("second Cancel = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestCancelCompletedCampaign(t *testing.T) {
	ctrl, st, _ := newTestController(t)
	ctx := context.Background()

	camp, err := ctrl.Enqueue(ctx, testRequest(4))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := st.SetStatus(ctx, camp.ID, campaign.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetStatus(ctx, camp.ID, campaign.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	if _, err := ctrl.Cancel(ctx, camp.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("cancelling a completed campaign: got %v, want ErrInvalidTransition", err)
	}
}

func TestAuthorize(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	camp, err := ctrl.Enqueue(ctx, testRequest(4))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ok, err := ctrl.Authorize(ctx, "user-1", camp.ID)
	if err != nil || !ok {
		t.Errorf("Authorize(owner) = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = ctrl.Authorize(ctx, "user-2", camp.ID)
	if err != nil || ok {
		t.Errorf("Authorize(stranger) = (%v, %v), want (false, nil)", ok, err)
	}
	ok, err = ctrl.Authorize(ctx, "user-1", "missing")
	if err != nil || ok {
		t.Errorf("Authorize(missing campaign) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestProgressAndETA(t *testing.T) {
	ctrl, st, _ := newTestController(t)
	ctx := context.Background()

	req := testRequest(100)
	req.RateLimit = 10
	camp, err := ctrl.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	eta, err := ctrl.ETA(ctx, camp.ID)
	if err != nil {
		t.Fatalf("ETA failed: %v", err)
	}
	if eta != 10*time.Second {
		t.Errorf("ETA = %v, want 10s", eta)
	}

	snap, err := ctrl.Progress(ctx, camp.ID)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if snap.CampaignID != camp.ID || snap.Status != campaign.StatusPending {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.Percent != 0 {
		t.Errorf("Percent = %f, want 0", snap.Percent)
	}

	if _, err := ctrl.Progress(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Progress(missing) error = %v, want ErrNotFound", err)
	}

	if _, err := st.SetStatus(ctx, camp.ID, campaign.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	snap, err = ctrl.Progress(ctx, camp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ETA == "" {
		t.Error("processing campaign should carry an estimated completion time")
	}
}
