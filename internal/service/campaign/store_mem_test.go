package campaign

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// memStore is an in-memory Store with the same contract as the Postgres
// implementation: CAS cursor advance, unique (campaign, email) log key,
// cancelled campaigns invisible to LoadCurrent.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[string]*domain.Campaign
	recipients map[string][]domain.Recipient
	log        map[string]map[string]*domain.EmailLogEntry
	now        func() time.Time
	loc        *time.Location

	failNext map[string]error // method name -> error to inject once
}

func newMemStore(now func() time.Time) *memStore {
	if now == nil {
		now = time.Now
	}
	return &memStore{
		campaigns:  make(map[string]*domain.Campaign),
		recipients: make(map[string][]domain.Recipient),
		log:        make(map[string]map[string]*domain.EmailLogEntry),
		now:        now,
		loc:        time.UTC,
		failNext:   make(map[string]error),
	}
}

func (m *memStore) injected(method string) error {
	if err, ok := m.failNext[method]; ok {
		delete(m.failNext, method)
		return err
	}
	return nil
}

func (m *memStore) LoadCurrent(_ context.Context, ownerID string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("LoadCurrent"); err != nil {
		return nil, err
	}

	var inFlight, draft, completed *domain.Campaign
	for _, c := range m.campaigns {
		if c.OwnerID != ownerID {
			continue
		}
		switch {
		case c.InFlight():
			inFlight = c
		case c.Status == domain.CampaignDraft:
			if draft == nil || c.UpdatedAt.After(draft.UpdatedAt) {
				draft = c
			}
		case c.Status == domain.CampaignCompleted:
			if completed == nil || c.UpdatedAt.After(completed.UpdatedAt) {
				completed = c
			}
		}
	}
	for _, c := range []*domain.Campaign{inFlight, draft, completed} {
		if c != nil {
			cp := *c
			cp.Recipients = nil
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) LoadRecipients(_ context.Context, campaignID string) ([]domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Recipient, len(m.recipients[campaignID]))
	copy(out, m.recipients[campaignID])
	return out, nil
}

func (m *memStore) Save(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("Save"); err != nil {
		return err
	}
	cp := *c
	cp.UpdatedAt = m.now()
	rcpts := make([]domain.Recipient, len(c.Recipients))
	copy(rcpts, c.Recipients)
	cp.Recipients = nil
	m.campaigns[c.ID] = &cp
	m.recipients[c.ID] = rcpts
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, campaignID string, status domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	c.Status = status
	c.UpdatedAt = now
	switch status {
	case domain.CampaignActive:
		if c.StartedAt == nil {
			t := now
			c.StartedAt = &t
		}
	case domain.CampaignPaused:
		t := now
		c.PausedAt = &t
	case domain.CampaignCompleted, domain.CampaignCancelled:
		t := now
		c.CompletedAt = &t
	}
	return nil
}

func (m *memStore) AdvanceProgress(_ context.Context, campaignID string, sentCount, currentIndex, failedCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	if c.CurrentIndex != currentIndex-1 {
		return ErrConflict
	}
	c.SentCount = sentCount
	c.CurrentIndex = currentIndex
	c.FailedCount = failedCount
	c.UpdatedAt = m.now()
	return nil
}

func (m *memStore) RecipientAt(_ context.Context, campaignID string, index int) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("RecipientAt"); err != nil {
		return nil, err
	}
	rcpts := m.recipients[campaignID]
	if index < 0 || index >= len(rcpts) {
		return nil, ErrNotFound
	}
	r := rcpts[index]
	return &r, nil
}

func (m *memStore) MarkRecipientOutcome(_ context.Context, campaignID, email string, sent bool, sendErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rcpts := m.recipients[campaignID]
	for i := range rcpts {
		if strings.EqualFold(rcpts[i].Email, email) {
			rcpts[i].Sent = sent
			rcpts[i].LastError = sendErr
			if sent {
				t := m.now()
				rcpts[i].SentAt = &t
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) UpsertLogEntry(_ context.Context, e *domain.EmailLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("UpsertLogEntry"); err != nil {
		return err
	}
	key := domain.NormalizeEmail(e.Email)
	byEmail := m.log[e.CampaignID]
	if byEmail == nil {
		byEmail = make(map[string]*domain.EmailLogEntry)
		m.log[e.CampaignID] = byEmail
	}
	now := m.now()
	if prev, ok := byEmail[key]; ok {
		prev.Status = e.Status
		prev.MessageID = e.MessageID
		prev.Error = e.Error
		prev.SentAt = e.SentAt
		prev.Attempts++
		prev.UpdatedAt = now
		return nil
	}
	cp := *e
	cp.ID = fmt.Sprintf("log-%s-%s", e.CampaignID, key)
	cp.Attempts = 1
	cp.CreatedAt = now
	cp.UpdatedAt = now
	byEmail[key] = &cp
	return nil
}

func (m *memStore) InitializeLogEntries(_ context.Context, c *domain.Campaign, recipients []domain.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byEmail := m.log[c.ID]
	if byEmail == nil {
		byEmail = make(map[string]*domain.EmailLogEntry)
		m.log[c.ID] = byEmail
	}
	now := m.now()
	for _, r := range recipients {
		key := domain.NormalizeEmail(r.Email)
		if _, ok := byEmail[key]; ok {
			continue
		}
		byEmail[key] = &domain.EmailLogEntry{
			ID:         fmt.Sprintf("log-%s-%s", c.ID, key),
			CampaignID: c.ID,
			OwnerID:    c.OwnerID,
			Email:      key,
			Name:       r.Name,
			Subject:    c.Subject,
			Status:     domain.LogPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return nil
}

func (m *memStore) CountSentToday(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CountSentToday"); err != nil {
		return 0, err
	}
	now := m.now().In(m.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.loc)
	end := start.Add(24 * time.Hour)

	count := 0
	for _, byEmail := range m.log {
		for _, e := range byEmail {
			if e.OwnerID != ownerID || e.Status != domain.LogSent || e.SentAt == nil {
				continue
			}
			if !e.SentAt.Before(start) && e.SentAt.Before(end) {
				count++
			}
		}
	}
	return count, nil
}

func (m *memStore) RecentLog(_ context.Context, campaignID string, limit int) ([]domain.EmailLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EmailLogEntry
	for _, e := range m.log[campaignID] {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) DeleteCampaign(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[campaignID]; !ok {
		return ErrNotFound
	}
	delete(m.campaigns, campaignID)
	delete(m.recipients, campaignID)
	delete(m.log, campaignID)
	return nil
}

func (m *memStore) ListActiveOwners(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range m.campaigns {
		if c.Status == domain.CampaignActive && !seen[c.OwnerID] {
			seen[c.OwnerID] = true
			out = append(out, c.OwnerID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// logEntry fetches the log row for an email, for assertions.
func (m *memStore) logEntry(campaignID, email string) *domain.EmailLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.log[campaignID][domain.NormalizeEmail(email)]
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// fakeTransport records every send and can be told to reject specific
// addresses.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []domain.EmailMessage
	reject map[string]string // email -> error message
	err    error             // transport-level error for every send
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reject: make(map[string]string)}
}

func (f *fakeTransport) Send(_ context.Context, msg domain.EmailMessage) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return domain.SendResult{}, f.err
	}
	if reason, ok := f.reject[strings.ToLower(msg.To)]; ok {
		return domain.SendResult{Success: false, Error: reason}, nil
	}
	return domain.SendResult{
		Success:   true,
		MessageID: fmt.Sprintf("msg-%d", len(f.sent)),
		SentAt:    time.Now(),
	}, nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sendsTo(email string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if strings.EqualFold(m.To, email) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastSent() *domain.EmailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	m := f.sent[len(f.sent)-1]
	return &m
}
