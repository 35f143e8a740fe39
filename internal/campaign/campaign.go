// Package campaign defines the campaign model, its lifecycle and the pure
// scheduling helpers (batch splitting, dispatch delays, ETA).
package campaign

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a campaign
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is a terminal state
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a status change is allowed.
// The lifecycle is monotonic except for the processing/paused cycle.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return false
	}
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusCancelled
	case StatusProcessing:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusPaused:
		return to == StatusProcessing || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// ErrInvalidConfig is returned when a campaign fails pre-enqueue validation
var ErrInvalidConfig = errors.New("invalid campaign config")

// Recipient is a single addressee with personalization fields
type Recipient struct {
	Email  string            `json:"email"`
	Fields map[string]string `json:"fields,omitempty"`
}

// SendConfig is the frozen message configuration a batch job carries so
// workers never read campaign rows on the send path
type SendConfig struct {
	Name            string `json:"name"`
	SubjectTemplate string `json:"subject_template"`
	HTMLTemplate    string `json:"html_template"`
	FromName        string `json:"from_name"`
	FromEmail       string `json:"from_email"`
	ReplyTo         string `json:"reply_to,omitempty"`
}

// Campaign is one bulk-send request
type Campaign struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Config    SendConfig `json:"config"`
	Status    Status     `json:"status"`
	Priority  int        `json:"priority"`
	BatchSize int        `json:"batch_size"`
	RateLimit int        `json:"rate_limit"` // messages per second

	TotalLeads      int `json:"total_leads"`
	TotalBatches    int `json:"total_batches"`
	ResolvedBatches int `json:"resolved_batches"`
	SentCount       int `json:"sent_count"`
	FailedCount     int `json:"failed_count"`

	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the configuration before the campaign is accepted.
// Rejected campaigns are never enqueued.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if c.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidConfig)
	}
	if c.TotalLeads <= 0 {
		return fmt.Errorf("%w: total leads must be positive", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidConfig)
	}
	if c.Config.FromEmail == "" {
		return fmt.Errorf("%w: missing from address", ErrInvalidConfig)
	}
	if c.Config.SubjectTemplate == "" && c.Config.HTMLTemplate == "" {
		return fmt.Errorf("%w: subject or html template is required", ErrInvalidConfig)
	}
	return nil
}

// Snapshot is the derived progress view pushed to observers.
// Percent is always computed from aggregate counters, never from the
// highest batch number seen, so it stays correct when batches complete
// out of order.
type Snapshot struct {
	CampaignID   string     `json:"campaign_id"`
	UserID       string     `json:"-"`
	Status       Status     `json:"status"`
	TotalLeads   int        `json:"total_leads"`
	SentCount    int        `json:"sent_count"`
	FailedCount  int        `json:"failed_count"`
	Percent      float64    `json:"progress_percent"`
	CurrentBatch int        `json:"current_batch"`
	TotalBatches int        `json:"total_batches"`
	ETA          string     `json:"estimated_completion,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Snapshot builds the progress view for the campaign's current counters.
// workers is the deployment-wide batch worker concurrency, used only for
// the ETA estimate.
func (c *Campaign) Snapshot(workers int) *Snapshot {
	s := &Snapshot{
		CampaignID:   c.ID,
		UserID:       c.UserID,
		Status:       c.Status,
		TotalLeads:   c.TotalLeads,
		SentCount:    c.SentCount,
		FailedCount:  c.FailedCount,
		CurrentBatch: c.ResolvedBatches,
		TotalBatches: c.TotalBatches,
		StartedAt:    c.StartedAt,
		ErrorMessage: c.ErrorMessage,
	}
	if c.TotalLeads > 0 {
		s.Percent = float64(c.SentCount+c.FailedCount) / float64(c.TotalLeads) * 100
	}
	if c.Status == StatusProcessing {
		remaining := c.TotalLeads - c.SentCount - c.FailedCount
		if remaining > 0 {
			eta := ETA(remaining, c.RateLimit, c.BatchSize, workers)
			s.ETA = time.Now().Add(eta).UTC().Format(time.RFC3339)
		}
	}
	return s
}
