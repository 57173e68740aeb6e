package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/personalize"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// startLoop arms the timer-driven drive loop. Safe to call when already
// running. When a distributed lock is configured it must be acquired first,
// so two processes can never drive the same owner.
func (e *Engine) startLoop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	if e.lock != nil {
		ok, err := e.lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire engine lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: another engine instance drives owner %s", ErrConflict, e.ownerID)
		}
	}

	e.stopCh = make(chan struct{})
	e.running = true
	e.wg.Add(1)
	go e.run(e.stopCh)

	logger.Info("drive loop started", "owner", e.ownerID, "interval", e.interval)
	return nil
}

// requestStop signals the loop to halt without waiting for it. The loop's
// own goroutine uses this on completion; waiting there would deadlock.
func (e *Engine) requestStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
}

// stopLoop halts the loop and waits for an in-flight tick to finish. An
// outbound send mid-tick is never preempted.
func (e *Engine) stopLoop() {
	e.requestStop()
	e.wg.Wait()
}

// Shutdown halts the drive loop without touching campaign status, so an
// active campaign is re-armed by Recover on the next boot. Used by the
// composition root on process exit; user-facing pause goes through Stop.
func (e *Engine) Shutdown() {
	e.stopLoop()
}

// Running reports whether the drive loop is armed.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(stopCh chan struct{}) {
	defer e.wg.Done()
	defer e.releaseLock()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			logger.Info("drive loop stopped", "owner", e.ownerID)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.interval)
			if err := e.extendLock(ctx); err != nil {
				// The lock expired or the owning session died: another
				// process may legitimately hold it by now. Driving on
				// would risk a double-send, so stop instead.
				logger.Warn("engine lock lost, stopping drive loop",
					"owner", e.ownerID, "err", err)
				cancel()
				e.requestStop()
				continue
			}
			if err := e.Tick(ctx); err != nil {
				// Persistence trouble aborts only this tick; the next one
				// re-derives everything from the store.
				logger.Warn("tick failed, will retry", "owner", e.ownerID, "err", err)
			}
			cancel()
		}
	}
}

// extendLock refreshes the per-owner lock so it outlives the next tick.
// The TTL runs ahead of the tick interval; a loop that keeps ticking keeps
// the lock alive indefinitely, while a crashed process frees it within one
// TTL.
func (e *Engine) extendLock(ctx context.Context) error {
	if e.lock == nil {
		return nil
	}
	return e.lock.Extend(ctx, 2*e.interval)
}

func (e *Engine) releaseLock() {
	if e.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.lock.Release(ctx); err != nil {
		logger.Warn("release engine lock", "owner", e.ownerID, "err", err)
	}
}

// Tick runs one pass of the drive loop: at most one attempted send. It is
// exported so an external trigger can drive the engine directly; overlapping
// invocations are coalesced, the loser returns immediately without queuing.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.processing.Store(false)

	allowed, sentToday, err := e.limiter.Allow(ctx)
	if err != nil {
		return fmt.Errorf("check daily quota: %w", err)
	}
	if !allowed {
		// Quota exhausted: no cursor movement, no error. The next local
		// day frees the window.
		logger.Debug("daily quota reached, waiting", "owner", e.ownerID, "sent_today", sentToday)
		return nil
	}

	c, err := e.store.LoadCurrent(ctx, e.ownerID)
	if errors.Is(err, ErrNotFound) {
		e.requestStop()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load current campaign: %w", err)
	}
	if c.Status != domain.CampaignActive {
		e.requestStop()
		return nil
	}
	if err := c.Validate(); err != nil {
		// Corrupt progress counters: refuse to drive until the stored row
		// is repaired, rather than send from an unknown position.
		return fmt.Errorf("campaign state: %w", err)
	}

	if c.Exhausted() {
		return e.complete(ctx, c)
	}

	rcpt, err := e.store.RecipientAt(ctx, c.ID, c.CurrentIndex)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Unloadable slot: count it failed and move on so one bad row
			// cannot wedge the campaign.
			logger.Warn("recipient slot unavailable, skipping",
				"campaign", c.ID, "index", c.CurrentIndex)
			return e.advance(ctx, c, false, true)
		}
		return fmt.Errorf("load recipient %d: %w", c.CurrentIndex, err)
	}

	if rcpt.Sent {
		// Resume race: this slot was already delivered. Advance the cursor
		// without sending and without touching the counters.
		return e.advance(ctx, c, false, false)
	}

	row := c.Table.RowFor(rcpt.Email)
	subject, body := personalize.RenderMessage(c.Subject, c.Body, row, c.EnabledColumns)

	res, sendErr := e.transport.Send(ctx, domain.EmailMessage{
		CampaignID: c.ID,
		To:         rcpt.Email,
		ToName:     rcpt.Name,
		Subject:    subject,
		HTMLBody:   body,
		CTAURL:     c.CTAURL,
		CTALabel:   c.CTALabel,
	})

	success := sendErr == nil && res.Success
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	} else if !res.Success {
		errMsg = res.Error
		if errMsg == "" {
			errMsg = "transport reported failure"
		}
	}

	now := e.now()
	entry := &domain.EmailLogEntry{
		CampaignID: c.ID,
		OwnerID:    e.ownerID,
		Email:      domain.NormalizeEmail(rcpt.Email),
		Name:       rcpt.Name,
		Subject:    subject,
		MessageID:  res.MessageID,
	}
	if success {
		entry.Status = domain.LogSent
		entry.SentAt = &now
	} else {
		entry.Status = domain.LogFailed
		entry.Error = errMsg
	}

	if err := e.store.UpsertLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("record log entry: %w", err)
	}
	if err := e.store.MarkRecipientOutcome(ctx, c.ID, rcpt.Email, success, errMsg); err != nil {
		return fmt.Errorf("mark recipient outcome: %w", err)
	}

	if success {
		logger.Info("email sent",
			"campaign", c.ID, "to", rcpt.Email, "index", c.CurrentIndex)
	} else {
		// A failed recipient is recorded and counted; the campaign keeps
		// going. Retrying is a manual re-start, not automatic backoff.
		logger.Warn("email failed",
			"campaign", c.ID, "to", rcpt.Email, "index", c.CurrentIndex, "err", errMsg)
	}

	return e.advance(ctx, c, success, !success)
}

// advance moves the cursor one slot forward via the store's conditional
// update and completes the campaign when the list is exhausted.
func (e *Engine) advance(ctx context.Context, c *domain.Campaign, sent, failed bool) error {
	sentCount, failedCount := c.SentCount, c.FailedCount
	if sent {
		sentCount++
	}
	if failed {
		failedCount++
	}

	if err := e.store.AdvanceProgress(ctx, c.ID, sentCount, c.CurrentIndex+1, failedCount); err != nil {
		// ErrConflict means an overlapping tick won this position; the next
		// tick reloads and the already-sent skip keeps us idempotent.
		return fmt.Errorf("advance progress: %w", err)
	}

	if c.CurrentIndex+1 >= c.TotalEmails {
		c.SentCount, c.FailedCount = sentCount, failedCount
		c.CurrentIndex++
		return e.complete(ctx, c)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, c *domain.Campaign) error {
	if err := c.Complete(e.now()); err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	if err := e.store.UpdateStatus(ctx, c.ID, c.Status); err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	logger.Info("campaign completed",
		"campaign", c.ID, "sent", c.SentCount, "failed", c.FailedCount, "total", c.TotalEmails)
	e.requestStop()
	return nil
}
