package campaign

import "context"

// RateLimiter enforces an owner's daily send quota. The count is derived by
// querying persisted log entries on every check — never kept in engine
// memory — so it stays correct across process restarts.
type RateLimiter struct {
	store Store
	owner string
	limit int
}

// NewRateLimiter creates a limiter for one owner. A limit <= 0 disables
// the quota.
func NewRateLimiter(store Store, ownerID string, limit int) *RateLimiter {
	return &RateLimiter{store: store, owner: ownerID, limit: limit}
}

// Limit returns the configured daily cap.
func (r *RateLimiter) Limit() int { return r.limit }

// Allow reports whether quota remains today, along with the number of
// emails already sent inside the current local day.
func (r *RateLimiter) Allow(ctx context.Context) (bool, int, error) {
	sentToday, err := r.store.CountSentToday(ctx, r.owner)
	if err != nil {
		return false, 0, err
	}
	if r.limit <= 0 {
		return true, sentToday, nil
	}
	return sentToday < r.limit, sentToday, nil
}
