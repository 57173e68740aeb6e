package campaign

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Store defines the persistence contract for campaigns and their send
// history. Implementations must be safe for concurrent use and must surface
// failures as errors — never as silent success. sql-style "no rows" maps to
// ErrNotFound; a lost compare-and-set race maps to ErrConflict.
type Store interface {
	// LoadCurrent returns the campaign to act on for an owner: an in-flight
	// (active/paused) campaign first, else the latest draft, else the latest
	// completed one for read-only display. The returned campaign carries
	// metadata and counters only; Recipients is not hydrated. Returns
	// ErrNotFound when the owner has no campaign at all.
	LoadCurrent(ctx context.Context, ownerID string) (*domain.Campaign, error)

	// LoadRecipients returns the full ordered recipient list.
	LoadRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)

	// Save inserts the campaign or fully replaces it, recipient list
	// included, in one transaction. Bumps UpdatedAt.
	Save(ctx context.Context, c *domain.Campaign) error

	// UpdateStatus transitions the campaign's status and stamps the matching
	// timestamp: started_at on first activation, paused_at on pause,
	// completed_at on completion or cancellation.
	UpdateStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error

	// AdvanceProgress is the only operation allowed to move the cursor.
	// Callers pass currentIndex = old+1; the store applies it as an atomic
	// conditional update on the previous cursor value and returns
	// ErrConflict when a concurrent tick won the position.
	AdvanceProgress(ctx context.Context, campaignID string, sentCount, currentIndex, failedCount int) error

	// RecipientAt returns exactly the recipient at the given list offset,
	// so a tick never transfers the whole list. ErrNotFound if the slot
	// does not exist.
	RecipientAt(ctx context.Context, campaignID string, index int) (*domain.Recipient, error)

	// MarkRecipientOutcome sets the sent flag (and sent_at) or the last
	// error on the recipient matching the email case-insensitively.
	MarkRecipientOutcome(ctx context.Context, campaignID, email string, sent bool, sendErr string) error

	// UpsertLogEntry writes the delivery record keyed by
	// (campaignID, normalized email): insert when absent, update in place
	// when present. The key is enforced by a uniqueness constraint, not by
	// read-then-write, so repeated calls can never create duplicates.
	// Attempts is incremented on every non-pending write.
	UpsertLogEntry(ctx context.Context, e *domain.EmailLogEntry) error

	// InitializeLogEntries bulk-upserts one pending entry per recipient when
	// a campaign (re)starts sending. Entries that already progressed past
	// pending are left untouched.
	InitializeLogEntries(ctx context.Context, c *domain.Campaign, recipients []domain.Recipient) error

	// CountSentToday counts the owner's log entries with status sent and
	// sent_at inside the current local day window [00:00, 24:00).
	CountSentToday(ctx context.Context, ownerID string) (int, error)

	// RecentLog returns the newest log entries for a campaign.
	RecentLog(ctx context.Context, campaignID string, limit int) ([]domain.EmailLogEntry, error)

	// DeleteCampaign removes the campaign, its recipients, and its log
	// entries. The engine only calls this for campaigns that never sent.
	DeleteCampaign(ctx context.Context, campaignID string) error

	// ListActiveOwners returns owners whose current campaign is active,
	// so loops can be re-armed after a process restart.
	ListActiveOwners(ctx context.Context) ([]string, error)
}

// Transport is the outbound mail capability the engine depends on. The
// engine knows nothing about SMTP or providers; it hands over a resolved
// message and receives success or failure plus a provider message id.
type Transport interface {
	Send(ctx context.Context, msg domain.EmailMessage) (domain.SendResult, error)
}
