package domain

import "time"

// LogStatus enumerates the delivery lifecycle of one log entry.
type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogSent    LogStatus = "sent"
	LogFailed  LogStatus = "failed"
	LogBounced LogStatus = "bounced"
	LogOpened  LogStatus = "opened"
	LogClicked LogStatus = "clicked"
)

// EmailLogEntry is the durable, deduplicated record of one delivery attempt.
// It is keyed by (CampaignID, normalized Email) — the anti-duplicate-send
// guarantee — and lives independently of the Campaign document so history
// survives campaign deletion. The tracking collaborator later promotes
// entries to opened/clicked against the same key; the engine never writes
// those states.
type EmailLogEntry struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	Email      string    `json:"email" db:"recipient_email"`
	Name       string    `json:"name" db:"recipient_name"`
	Subject    string    `json:"subject" db:"subject"`
	Status     LogStatus `json:"status" db:"status"`

	MessageID string     `json:"message_id" db:"message_id"`
	Attempts  int        `json:"attempts" db:"attempts"`
	Error     string     `json:"error" db:"error"`
	SentAt    *time.Time `json:"sent_at" db:"sent_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
