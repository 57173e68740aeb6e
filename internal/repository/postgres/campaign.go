package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// CampaignStore implements campaign.Store over Postgres. Campaign metadata,
// the ordered recipient list, and the per-recipient send log live in three
// tables; the log table carries a unique index on (campaign_id,
// lower(recipient_email)) so a recipient can never hold two entries for the
// same campaign.
type CampaignStore struct {
	db  *sql.DB
	now func() time.Time
	loc *time.Location
}

func NewCampaignStore(db *sql.DB) *CampaignStore {
	return &CampaignStore{db: db, now: time.Now, loc: time.Local}
}

// SetClock overrides the time source and the location used for the daily
// quota window. Tests use this to pin "today".
func (s *CampaignStore) SetClock(now func() time.Time, loc *time.Location) {
	if now != nil {
		s.now = now
	}
	if loc != nil {
		s.loc = loc
	}
}

const campaignColumns = `id, owner_id, subject, body, cta_url, cta_label,
		total_emails, current_index, sent_count, failed_count,
		table_data, enabled_columns, status,
		created_at, started_at, paused_at, completed_at, updated_at`

func (s *CampaignStore) LoadCurrent(ctx context.Context, ownerID string) (*domain.Campaign, error) {
	// Prefer the in-flight campaign, then the latest draft, then the latest
	// completed one. Cancelled campaigns are never surfaced.
	query := fmt.Sprintf(`
		SELECT %s FROM campaigns
		WHERE owner_id = $1 AND status != 'cancelled'
		ORDER BY CASE
			WHEN status IN ('active', 'paused') THEN 0
			WHEN status = 'draft' THEN 1
			ELSE 2
		END, updated_at DESC
		LIMIT 1`, campaignColumns)

	c, err := scanCampaign(s.db.QueryRowContext(ctx, query, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load current campaign: %w", err)
	}
	return c, nil
}

func (s *CampaignStore) LoadRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, name, sent, sent_at, last_error
		FROM campaign_recipients
		WHERE campaign_id = $1
		ORDER BY position`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		var sentAt sql.NullTime
		if err := rows.Scan(&r.Email, &r.Name, &r.Sent, &sentAt, &r.LastError); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if sentAt.Valid {
			t := sentAt.Time
			r.SentAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save writes the campaign row and replaces its recipient list in a single
// transaction. Either the whole snapshot lands or none of it does.
func (s *CampaignStore) Save(ctx context.Context, c *domain.Campaign) error {
	tableJSON, err := json.Marshal(c.Table)
	if err != nil {
		return fmt.Errorf("marshal table data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (
			id, owner_id, subject, body, cta_url, cta_label,
			total_emails, current_index, sent_count, failed_count,
			table_data, enabled_columns, status,
			created_at, started_at, paused_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (id) DO UPDATE SET
			subject = EXCLUDED.subject,
			body = EXCLUDED.body,
			cta_url = EXCLUDED.cta_url,
			cta_label = EXCLUDED.cta_label,
			total_emails = EXCLUDED.total_emails,
			current_index = EXCLUDED.current_index,
			sent_count = EXCLUDED.sent_count,
			failed_count = EXCLUDED.failed_count,
			table_data = EXCLUDED.table_data,
			enabled_columns = EXCLUDED.enabled_columns,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			paused_at = EXCLUDED.paused_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()`,
		c.ID, c.OwnerID, c.Subject, c.Body, c.CTAURL, c.CTALabel,
		c.TotalEmails, c.CurrentIndex, c.SentCount, c.FailedCount,
		tableJSON, pq.Array(c.EnabledColumns), string(c.Status),
		c.CreatedAt, nullTime(c.StartedAt), nullTime(c.PausedAt), nullTime(c.CompletedAt))
	if err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_recipients WHERE campaign_id = $1`, c.ID); err != nil {
		return fmt.Errorf("clear recipients: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, position, email, name, sent, sent_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("prepare recipient insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range c.Recipients {
		if _, err := stmt.ExecContext(ctx, c.ID, i, r.Email, r.Name, r.Sent, nullTime(r.SentAt), r.LastError); err != nil {
			return fmt.Errorf("insert recipient %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *CampaignStore) UpdateStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error {
	query := `UPDATE campaigns SET status = $2, updated_at = NOW()`
	switch status {
	case domain.CampaignActive:
		query += `, started_at = COALESCE(started_at, NOW())`
	case domain.CampaignPaused:
		query += `, paused_at = NOW()`
	case domain.CampaignCompleted, domain.CampaignCancelled:
		query += `, completed_at = NOW()`
	}
	query += ` WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, campaignID, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status rows: %w", err)
	}
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

// AdvanceProgress moves the cursor forward by exactly one slot. The WHERE
// clause checks the previous cursor value, so a concurrent advance loses the
// race cleanly instead of double-counting.
func (s *CampaignStore) AdvanceProgress(ctx context.Context, campaignID string, sentCount, currentIndex, failedCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = $2, current_index = $3, failed_count = $4, updated_at = NOW()
		WHERE id = $1 AND current_index = $3 - 1`,
		campaignID, sentCount, currentIndex, failedCount)
	if err != nil {
		return fmt.Errorf("advance progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance progress rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, campaignID).Scan(&exists); err != nil {
		return fmt.Errorf("advance progress check: %w", err)
	}
	if !exists {
		return campaign.ErrNotFound
	}
	return campaign.ErrConflict
}

func (s *CampaignStore) RecipientAt(ctx context.Context, campaignID string, index int) (*domain.Recipient, error) {
	var r domain.Recipient
	var sentAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT email, name, sent, sent_at, last_error
		FROM campaign_recipients
		WHERE campaign_id = $1 AND position = $2`,
		campaignID, index).Scan(&r.Email, &r.Name, &r.Sent, &sentAt, &r.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load recipient at %d: %w", index, err)
	}
	if sentAt.Valid {
		t := sentAt.Time
		r.SentAt = &t
	}
	return &r, nil
}

func (s *CampaignStore) MarkRecipientOutcome(ctx context.Context, campaignID, email string, sent bool, sendErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET sent = $3,
			sent_at = CASE WHEN $3 THEN NOW() ELSE sent_at END,
			last_error = $4
		WHERE campaign_id = $1 AND lower(email) = lower($2)`,
		campaignID, email, sent, sendErr)
	if err != nil {
		return fmt.Errorf("mark recipient outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark recipient rows: %w", err)
	}
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

// UpsertLogEntry records a send outcome. First write inserts with one
// attempt; retries for the same (campaign, recipient) update the existing
// row and bump the attempt counter.
func (s *CampaignStore) UpsertLogEntry(ctx context.Context, e *domain.EmailLogEntry) error {
	id := e.ID
	if id == "" {
		id = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_log (
			id, campaign_id, owner_id, recipient_email, recipient_name,
			subject, status, message_id, attempts, error, sent_at, created_at, updated_at
		) VALUES ($1, $2, $3, lower($4), $5, $6, $7, $8, 1, $9, $10, NOW(), NOW())
		ON CONFLICT (campaign_id, lower(recipient_email)) DO UPDATE SET
			recipient_name = EXCLUDED.recipient_name,
			subject = EXCLUDED.subject,
			status = EXCLUDED.status,
			message_id = EXCLUDED.message_id,
			attempts = email_log.attempts + 1,
			error = EXCLUDED.error,
			sent_at = EXCLUDED.sent_at,
			updated_at = NOW()`,
		id, e.CampaignID, e.OwnerID, e.Email, e.Name,
		e.Subject, string(e.Status), e.MessageID, e.Error, nullTime(e.SentAt))
	if err != nil {
		return fmt.Errorf("upsert log entry: %w", err)
	}
	return nil
}

// InitializeLogEntries seeds pending log rows for recipients that have none
// yet. Existing rows are left alone, so a sent outcome is never downgraded
// back to pending.
func (s *CampaignStore) InitializeLogEntries(ctx context.Context, c *domain.Campaign, recipients []domain.Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log init: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO email_log (
			id, campaign_id, owner_id, recipient_email, recipient_name,
			subject, status, created_at, updated_at
		) VALUES ($1, $2, $3, lower($4), $5, $6, 'pending', NOW(), NOW())
		ON CONFLICT (campaign_id, lower(recipient_email)) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare log init: %w", err)
	}
	defer stmt.Close()

	for _, r := range recipients {
		if _, err := stmt.ExecContext(ctx, newID(), c.ID, c.OwnerID, r.Email, r.Name, c.Subject); err != nil {
			return fmt.Errorf("init log entry for %s: %w", r.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log init: %w", err)
	}
	return nil
}

// CountSentToday counts sent log entries for the owner inside the current
// local-day window. The window is computed in the store's location so the
// quota resets at local midnight.
func (s *CampaignStore) CountSentToday(ctx context.Context, ownerID string) (int, error) {
	now := s.now().In(s.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	end := start.Add(24 * time.Hour)

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_log
		WHERE owner_id = $1 AND status = 'sent' AND sent_at >= $2 AND sent_at < $3`,
		ownerID, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent today: %w", err)
	}
	return count, nil
}

func (s *CampaignStore) RecentLog(ctx context.Context, campaignID string, limit int) ([]domain.EmailLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, owner_id, recipient_email, recipient_name,
			subject, status, message_id, attempts, error, sent_at, created_at, updated_at
		FROM email_log
		WHERE campaign_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent log: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailLogEntry
	for rows.Next() {
		var e domain.EmailLogEntry
		var status string
		var sentAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.OwnerID, &e.Email, &e.Name,
			&e.Subject, &status, &e.MessageID, &e.Attempts, &e.Error,
			&sentAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Status = domain.LogStatus(status)
		if sentAt.Valid {
			t := sentAt.Time
			e.SentAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteCampaign removes the campaign, its recipient list, and its log
// entries. The engine only calls this for campaigns with no sends on record.
func (s *CampaignStore) DeleteCampaign(ctx context.Context, campaignID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM email_log WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("delete log entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete campaign rows: %w", err)
	}
	if n == 0 {
		return campaign.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *CampaignStore) ListActiveOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM campaigns WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("list active owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func scanCampaign(row *sql.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	var status string
	var tableJSON []byte
	var enabled pq.StringArray
	var startedAt, pausedAt, completedAt sql.NullTime

	err := row.Scan(&c.ID, &c.OwnerID, &c.Subject, &c.Body, &c.CTAURL, &c.CTALabel,
		&c.TotalEmails, &c.CurrentIndex, &c.SentCount, &c.FailedCount,
		&tableJSON, &enabled, &status,
		&c.CreatedAt, &startedAt, &pausedAt, &completedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Status = domain.CampaignStatus(status)
	c.EnabledColumns = []string(enabled)
	if len(tableJSON) > 0 {
		if err := json.Unmarshal(tableJSON, &c.Table); err != nil {
			return nil, fmt.Errorf("unmarshal table data: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if pausedAt.Valid {
		t := pausedAt.Time
		c.PausedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

func newID() string { return uuid.New().String() }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
