package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
)

// DefaultDailyLimit caps sends per owner per local calendar day.
const DefaultDailyLimit = 500

// DefaultTickInterval is how often the drive loop attempts one send.
const DefaultTickInterval = time.Minute

// Options configures an Engine.
type Options struct {
	// DailyLimit is the maximum sends per local calendar day; <= 0 means
	// DefaultDailyLimit.
	DailyLimit int
	// TickInterval is the drive loop period; <= 0 means DefaultTickInterval.
	TickInterval time.Duration
	// Lock, when set, guards against two processes driving the same owner.
	Lock distlock.DistLock
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Engine is the campaign state machine and drive loop for a single owner.
// All public methods are safe for concurrent use. The engine holds no
// campaign state of its own: every operation re-derives it from the Store.
type Engine struct {
	ownerID   string
	store     Store
	transport Transport
	limiter   *RateLimiter
	lock      distlock.DistLock
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	processing atomic.Bool // overlapping-tick guard
}

// NewEngine creates an engine bound to one owner.
func NewEngine(ownerID string, store Store, transport Transport, opts Options) *Engine {
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = DefaultDailyLimit
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		ownerID:   ownerID,
		store:     store,
		transport: transport,
		limiter:   NewRateLimiter(store, ownerID, opts.DailyLimit),
		lock:      opts.Lock,
		interval:  opts.TickInterval,
		now:       opts.Clock,
	}
}

// OwnerID returns the owner this engine drives.
func (e *Engine) OwnerID() string { return e.ownerID }

// StartInput seeds a new campaign or merges onto a resumable one.
type StartInput struct {
	Emails         []string         `json:"emails"`
	Subject        string           `json:"subject"`
	Body           string           `json:"body"`
	CTAURL         string           `json:"cta_url"`
	CTALabel       string           `json:"cta_label"`
	Table          domain.TableData `json:"table"`
	EnabledColumns []string         `json:"enabled_columns"`
}

// StartResult reports what Start did.
type StartResult struct {
	CampaignID     string `json:"campaign_id"`
	Resumed        bool   `json:"resumed"`
	AlreadyRunning bool   `json:"already_running"`
}

// StatusResult is the engine's externally visible state. It always reflects
// the last durably recorded state, so a caller can tell "daily limit
// reached" from "no active campaign" from "actively sending".
type StatusResult struct {
	Campaign          *domain.Campaign       `json:"campaign"`
	RecentLog         []domain.EmailLogEntry `json:"recent_log"`
	SentToday         int                    `json:"sent_today"`
	Running           bool                   `json:"running"`
	DailyLimitReached bool                   `json:"daily_limit_reached"`
}

// Start begins or resumes sending. With no current campaign (or only a
// terminal one) it creates a fresh draft from the input and activates it.
// A paused or draft campaign has the new recipient and content data merged
// onto it, preserving each existing recipient's sent state by email match;
// the cursor is never rewound. Starting an already-active campaign is a
// no-op reported via AlreadyRunning.
func (e *Engine) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	emails := dedupeEmails(in.Emails)
	if len(emails) == 0 {
		return nil, fmt.Errorf("%w: recipient list is empty", ErrInvalidInput)
	}

	cur, err := e.store.LoadCurrent(ctx, e.ownerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load current campaign: %w", err)
	}

	if cur == nil || cur.IsTerminal() {
		return e.startFresh(ctx, emails, in)
	}

	switch cur.Status {
	case domain.CampaignActive:
		// Store says active: make sure the loop is armed (it may not be
		// after a process restart) and report already running.
		if err := e.startLoop(ctx); err != nil {
			return nil, err
		}
		return &StartResult{CampaignID: cur.ID, Resumed: true, AlreadyRunning: true}, nil
	case domain.CampaignPaused, domain.CampaignDraft:
		return e.resumeWith(ctx, cur, emails, in)
	default:
		return e.startFresh(ctx, emails, in)
	}
}

func (e *Engine) startFresh(ctx context.Context, emails []string, in StartInput) (*StartResult, error) {
	now := e.now()
	c := &domain.Campaign{
		ID:             uuid.New().String(),
		OwnerID:        e.ownerID,
		Subject:        in.Subject,
		Body:           in.Body,
		CTAURL:         in.CTAURL,
		CTALabel:       in.CTALabel,
		Recipients:     buildRecipients(emails, nil, in.Table),
		Table:          in.Table,
		EnabledColumns: in.EnabledColumns,
		Status:         domain.CampaignDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.TotalEmails = len(c.Recipients)

	if err := e.store.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("save campaign: %w", err)
	}
	if err := e.store.InitializeLogEntries(ctx, c, c.Recipients); err != nil {
		return nil, fmt.Errorf("initialize log entries: %w", err)
	}
	if err := c.Activate(e.now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := e.store.UpdateStatus(ctx, c.ID, c.Status); err != nil {
		return nil, fmt.Errorf("activate campaign: %w", err)
	}
	if err := e.startLoop(ctx); err != nil {
		return nil, err
	}
	return &StartResult{CampaignID: c.ID}, nil
}

// resumeWith merges new data onto a paused or draft campaign and activates it.
func (e *Engine) resumeWith(ctx context.Context, cur *domain.Campaign, emails []string, in StartInput) (*StartResult, error) {
	if len(emails) < cur.CurrentIndex {
		return nil, fmt.Errorf("%w: %d recipients would discard history of %d already processed",
			ErrInvalidInput, len(emails), cur.CurrentIndex)
	}

	existing, err := e.store.LoadRecipients(ctx, cur.ID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	if in.Subject != "" {
		cur.Subject = in.Subject
	}
	if in.Body != "" {
		cur.Body = in.Body
	}
	if in.CTAURL != "" {
		cur.CTAURL = in.CTAURL
	}
	if in.CTALabel != "" {
		cur.CTALabel = in.CTALabel
	}
	if !in.Table.IsZero() {
		cur.Table = in.Table
	}
	if len(in.EnabledColumns) > 0 {
		cur.EnabledColumns = in.EnabledColumns
	}

	cur.Recipients = mergeRecipients(emails, existing, cur.CurrentIndex, cur.Table)
	cur.TotalEmails = len(cur.Recipients)
	cur.UpdatedAt = e.now()
	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("merged campaign: %w", err)
	}

	if err := e.store.Save(ctx, cur); err != nil {
		return nil, fmt.Errorf("save campaign: %w", err)
	}
	if err := e.store.InitializeLogEntries(ctx, cur, cur.Recipients); err != nil {
		return nil, fmt.Errorf("initialize log entries: %w", err)
	}
	if err := cur.Activate(e.now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := e.store.UpdateStatus(ctx, cur.ID, cur.Status); err != nil {
		return nil, fmt.Errorf("activate campaign: %w", err)
	}
	if err := e.startLoop(ctx); err != nil {
		return nil, err
	}
	return &StartResult{CampaignID: cur.ID, Resumed: true}, nil
}

// Resume re-activates the current paused (or draft) campaign without new
// content. Returns ErrNotFound when no resumable campaign exists.
func (e *Engine) Resume(ctx context.Context) error {
	cur, err := e.store.LoadCurrent(ctx, e.ownerID)
	if err != nil {
		return err
	}
	switch cur.Status {
	case domain.CampaignActive:
		return e.startLoop(ctx)
	case domain.CampaignPaused, domain.CampaignDraft:
		if err := cur.Activate(e.now()); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		if err := e.store.UpdateStatus(ctx, cur.ID, cur.Status); err != nil {
			return fmt.Errorf("activate campaign: %w", err)
		}
		return e.startLoop(ctx)
	default:
		return fmt.Errorf("%w: campaign %s is %s", ErrNotFound, cur.ID, cur.Status)
	}
}

// Stop halts the drive loop and pauses the current campaign, preserving the
// cursor. Idempotent: stopping with nothing active is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopLoop()

	cur, err := e.store.LoadCurrent(ctx, e.ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load current campaign: %w", err)
	}
	if err := cur.Pause(e.now()); err != nil {
		// Already paused, draft, or terminal: nothing to do.
		return nil
	}
	if err := e.store.UpdateStatus(ctx, cur.ID, cur.Status); err != nil {
		return fmt.Errorf("pause campaign: %w", err)
	}
	return nil
}

// Reset stops the loop, then clears the notion of "current campaign":
// a campaign that never sent is deleted together with its log entries,
// while one with any sends is completed so audit history survives.
func (e *Engine) Reset(ctx context.Context) error {
	e.stopLoop()

	cur, err := e.store.LoadCurrent(ctx, e.ownerID)
	if err != nil {
		return err
	}
	if cur.CanDelete() {
		if err := e.store.DeleteCampaign(ctx, cur.ID); err != nil {
			return fmt.Errorf("delete campaign: %w", err)
		}
		return nil
	}
	if cur.IsTerminal() {
		return nil
	}
	if err := cur.Complete(e.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := e.store.UpdateStatus(ctx, cur.ID, cur.Status); err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	return nil
}

// UpdateRecipients replaces the recipient list, preserving sent state by
// email match. A list shorter than the cursor would discard history of
// already-sent recipients and fails with ErrInvalidInput, leaving the
// campaign unmodified.
func (e *Engine) UpdateRecipients(ctx context.Context, newEmails []string) error {
	emails := dedupeEmails(newEmails)
	if len(emails) == 0 {
		return fmt.Errorf("%w: recipient list is empty", ErrInvalidInput)
	}

	cur, err := e.store.LoadCurrent(ctx, e.ownerID)
	if err != nil {
		return err
	}
	if len(emails) < cur.CurrentIndex {
		return fmt.Errorf("%w: %d recipients would discard history of %d already processed",
			ErrInvalidInput, len(emails), cur.CurrentIndex)
	}

	existing, err := e.store.LoadRecipients(ctx, cur.ID)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}

	cur.Recipients = mergeRecipients(emails, existing, cur.CurrentIndex, cur.Table)
	cur.TotalEmails = len(cur.Recipients)
	cur.UpdatedAt = e.now()
	if err := cur.Validate(); err != nil {
		return fmt.Errorf("merged campaign: %w", err)
	}

	if err := e.store.Save(ctx, cur); err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	if cur.InFlight() {
		if err := e.store.InitializeLogEntries(ctx, cur, cur.Recipients); err != nil {
			return fmt.Errorf("initialize log entries: %w", err)
		}
	}
	return nil
}

// Status reports the current campaign, recent send history, today's quota
// usage, and whether the drive loop is running. An owner with no campaign
// gets a zero result rather than an error.
func (e *Engine) Status(ctx context.Context) (*StatusResult, error) {
	res := &StatusResult{Running: e.Running()}

	_, sentToday, err := e.limiter.Allow(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sent today: %w", err)
	}
	res.SentToday = sentToday
	res.DailyLimitReached = sentToday >= e.limiter.Limit()

	cur, err := e.store.LoadCurrent(ctx, e.ownerID)
	if errors.Is(err, ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current campaign: %w", err)
	}

	recipients, err := e.store.LoadRecipients(ctx, cur.ID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	cur.Recipients = recipients

	recent, err := e.store.RecentLog(ctx, cur.ID, 20)
	if err != nil {
		return nil, fmt.Errorf("load recent log: %w", err)
	}

	res.Campaign = cur
	res.RecentLog = recent
	return res, nil
}

// Recover re-arms the drive loop when the store says the owner's campaign
// is still active, e.g. after a process restart.
func (e *Engine) Recover(ctx context.Context) error {
	cur, err := e.store.LoadCurrent(ctx, e.ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status != domain.CampaignActive {
		return nil
	}
	return e.startLoop(ctx)
}

// dedupeEmails trims, drops empties, and removes case-insensitive
// duplicates while preserving first-occurrence order. The log entry key
// (campaignID, email) is unique, so a list can never carry the same
// address twice.
func dedupeEmails(emails []string) []string {
	seen := make(map[string]bool, len(emails))
	out := make([]string, 0, len(emails))
	for _, raw := range emails {
		email := domain.NormalizeEmail(raw)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out
}

// buildRecipients produces the ordered recipient list for emails, carrying
// over sent state from existing entries matched by email. Names come from
// the table's "name" column when the recipient has a source row.
func buildRecipients(emails []string, existing []domain.Recipient, table domain.TableData) []domain.Recipient {
	byEmail := make(map[string]domain.Recipient, len(existing))
	for _, r := range existing {
		byEmail[domain.NormalizeEmail(r.Email)] = r
	}

	out := make([]domain.Recipient, 0, len(emails))
	for _, email := range emails {
		if prev, ok := byEmail[email]; ok {
			out = append(out, prev)
			continue
		}
		r := domain.Recipient{Email: email}
		if row := table.RowFor(email); row != nil {
			r.Name = rowValue(row, "name")
		}
		out = append(out, r)
	}
	return out
}

// mergeRecipients rebuilds a mid-flight campaign's recipient list. The
// already-processed head [0, cursor) stays exactly where it is: the cursor
// only ever counts forward, so reordering or dropping a processed slot
// would strand a pending recipient behind the cursor or replay a sent one.
// Only the pending tail is rebuilt from emails, in the new input's order,
// carrying over any sent state matched by email.
func mergeRecipients(emails []string, existing []domain.Recipient, cursor int, table domain.TableData) []domain.Recipient {
	if cursor > len(existing) {
		cursor = len(existing)
	}
	head := existing[:cursor]
	inHead := make(map[string]bool, len(head))
	for _, r := range head {
		inHead[domain.NormalizeEmail(r.Email)] = true
	}

	tail := make([]string, 0, len(emails))
	for _, email := range emails {
		if !inHead[email] {
			tail = append(tail, email)
		}
	}

	out := make([]domain.Recipient, 0, len(head)+len(tail))
	out = append(out, head...)
	out = append(out, buildRecipients(tail, existing, table)...)
	return out
}

func rowValue(row map[string]string, col string) string {
	for k, v := range row {
		if strings.EqualFold(strings.TrimSpace(k), col) {
			return v
		}
	}
	return ""
}
