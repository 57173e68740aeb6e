package domain

import (
	"fmt"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign represents one bulk-send job owned by a single user.
//
// Recipients is hydrated on demand: stores return campaign metadata without
// the list unless the caller asks for it, so the drive loop never transfers
// the whole list on a tick.
type Campaign struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`

	Subject  string `json:"subject" db:"subject"`
	Body     string `json:"body" db:"body"`
	CTAURL   string `json:"cta_url" db:"cta_url"`
	CTALabel string `json:"cta_label" db:"cta_label"`

	Recipients  []Recipient `json:"recipients,omitempty" db:"-"`
	TotalEmails int         `json:"total_emails" db:"total_emails"`

	// Progress. CurrentIndex is the cursor into the recipient list and is
	// monotonically non-decreasing. Only AdvanceProgress on the store may
	// move it.
	CurrentIndex int `json:"current_index" db:"current_index"`
	SentCount    int `json:"sent_count" db:"sent_count"`
	FailedCount  int `json:"failed_count" db:"failed_count"`

	Table          TableData `json:"table" db:"table_data"`
	EnabledColumns []string  `json:"enabled_columns" db:"enabled_columns"`

	Status CampaignStatus `json:"status" db:"status"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// InFlight returns true while the campaign is being driven or is resumable.
// At most one in-flight campaign exists per owner.
func (c *Campaign) InFlight() bool {
	return c.Status == CampaignActive || c.Status == CampaignPaused
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// CanDelete reports whether the campaign may be removed outright. Any
// campaign that has sent at least one email must be completed instead,
// to protect audit history.
func (c *Campaign) CanDelete() bool {
	return c.SentCount == 0
}

// Exhausted returns true once the cursor has consumed the whole list.
func (c *Campaign) Exhausted() bool {
	return c.CurrentIndex >= c.TotalEmails
}

// Activate transitions draft or paused → active and stamps StartedAt on the
// first activation only.
func (c *Campaign) Activate(now time.Time) error {
	if c.Status != CampaignDraft && c.Status != CampaignPaused {
		return fmt.Errorf("activate: cannot activate %s campaign", c.Status)
	}
	c.Status = CampaignActive
	if c.StartedAt == nil {
		t := now
		c.StartedAt = &t
	}
	c.UpdatedAt = now
	return nil
}

// Pause transitions active → paused, preserving the cursor.
func (c *Campaign) Pause(now time.Time) error {
	if c.Status != CampaignActive {
		return fmt.Errorf("pause: cannot pause %s campaign", c.Status)
	}
	c.Status = CampaignPaused
	t := now
	c.PausedAt = &t
	c.UpdatedAt = now
	return nil
}

// Complete transitions active or paused → completed.
func (c *Campaign) Complete(now time.Time) error {
	if !c.InFlight() && c.Status != CampaignDraft {
		return fmt.Errorf("complete: cannot complete %s campaign", c.Status)
	}
	c.Status = CampaignCompleted
	t := now
	c.CompletedAt = &t
	c.UpdatedAt = now
	return nil
}

// Cancel transitions any non-terminal state → cancelled.
func (c *Campaign) Cancel(now time.Time) error {
	if c.IsTerminal() {
		return fmt.Errorf("cancel: campaign already %s", c.Status)
	}
	c.Status = CampaignCancelled
	t := now
	c.CompletedAt = &t
	c.UpdatedAt = now
	return nil
}

// Validate checks the progress invariants. A campaign loaded from a healthy
// store always passes.
func (c *Campaign) Validate() error {
	if c.CurrentIndex < 0 || c.CurrentIndex > c.TotalEmails {
		return fmt.Errorf("campaign %s: cursor %d outside [0,%d]", c.ID, c.CurrentIndex, c.TotalEmails)
	}
	if c.SentCount+c.FailedCount > c.CurrentIndex {
		return fmt.Errorf("campaign %s: sent %d + failed %d exceeds cursor %d",
			c.ID, c.SentCount, c.FailedCount, c.CurrentIndex)
	}
	return nil
}
