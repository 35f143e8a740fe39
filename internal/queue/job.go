package queue

import (
	"fmt"
	"time"

	"github.com/sendflock/sendflock/internal/campaign"
)

// Kind discriminates job payloads
type Kind string

const (
	KindCampaign Kind = "campaign"
	KindBatch    Kind = "batch"
)

// State represents where a job sits in the queue
type State string

const (
	StatePending   State = "pending" // ready for dispatch
	StateDelayed   State = "delayed" // waiting for RunAt
	StateActive    State = "active"  // claimed by a worker
	StateParked    State = "parked"  // paused; ignored by dispatch until unparked
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CampaignJob is the payload that triggers splitting a campaign into
// batch jobs. It carries the full recipient list so the send path never
// re-reads recipient data.
type CampaignJob struct {
	CampaignID string               `json:"campaign_id"`
	UserID     string               `json:"user_id"`
	Recipients []campaign.Recipient `json:"recipients"`
	BatchSize  int                  `json:"batch_size"`
	RateLimit  int                  `json:"rate_limit"`
	Config     campaign.SendConfig  `json:"config"`
}

// BatchJob is the payload for one batch of recipients. Config is a frozen
// copy from the campaign. SentSoFar/FailedSoFar accumulate across retry
// attempts; Recipients shrinks to the not-yet-sent remainder on each
// retry so a retried batch never re-sends or double-counts.
type BatchJob struct {
	CampaignID   string               `json:"campaign_id"`
	BatchNumber  int                  `json:"batch_number"` // 1-based
	TotalBatches int                  `json:"total_batches"`
	Recipients   []campaign.Recipient `json:"recipients"`
	RateLimit    int                  `json:"rate_limit"`
	Config       campaign.SendConfig  `json:"config"`
	SentSoFar    int                  `json:"sent_so_far"`
	FailedSoFar  int                  `json:"failed_so_far"`
}

// Job is one unit of queued work. Exactly one payload field matching
// Kind must be set.
type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	State       State     `json:"state"`
	Priority    int       `json:"priority"` // higher dispatches first
	RunAt       time.Time `json:"run_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Campaign *CampaignJob `json:"campaign,omitempty"`
	Batch    *BatchJob    `json:"batch,omitempty"`
}

// BatchJobID derives the deterministic job id for a campaign's batch.
// Deterministic ids make duplicate enqueue attempts a natural no-op.
func BatchJobID(campaignID string, batchNumber int) string {
	return fmt.Sprintf("%s:%d", campaignID, batchNumber)
}

// CampaignJobID derives the job id for the campaign-level job
func CampaignJobID(campaignID string) string {
	return "campaign:" + campaignID
}

// CampaignID returns the campaign the job belongs to, regardless of kind
func (j *Job) CampaignID() string {
	switch {
	case j.Campaign != nil:
		return j.Campaign.CampaignID
	case j.Batch != nil:
		return j.Batch.CampaignID
	}
	return ""
}

// Validate checks the job at the queue boundary. Payloads are tagged,
// not free-form: a job must carry exactly the payload its kind names.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	switch j.Kind {
	case KindCampaign:
		if j.Campaign == nil || j.Batch != nil {
			return fmt.Errorf("campaign job %s: payload mismatch", j.ID)
		}
		if j.Campaign.CampaignID == "" {
			return fmt.Errorf("campaign job %s: missing campaign id", j.ID)
		}
		if len(j.Campaign.Recipients) == 0 {
			return fmt.Errorf("campaign job %s: no recipients", j.ID)
		}
	case KindBatch:
		if j.Batch == nil || j.Campaign != nil {
			return fmt.Errorf("batch job %s: payload mismatch", j.ID)
		}
		if j.Batch.CampaignID == "" {
			return fmt.Errorf("batch job %s: missing campaign id", j.ID)
		}
		if j.Batch.BatchNumber < 1 || j.Batch.BatchNumber > j.Batch.TotalBatches {
			return fmt.Errorf("batch job %s: batch %d of %d out of range",
				j.ID, j.Batch.BatchNumber, j.Batch.TotalBatches)
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.ID, j.Kind)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("job %s: max attempts must be at least 1", j.ID)
	}
	return nil
}
