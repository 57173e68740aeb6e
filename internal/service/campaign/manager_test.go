package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
)

type fakeLock struct {
	mu      sync.Mutex
	held    bool
	deny    bool
	lost    bool // simulates TTL expiry: Extend fails until re-acquired
	extends int
}

func (l *fakeLock) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny || l.held {
		return false, nil
	}
	l.held = true
	l.lost = false
	return true, nil
}

func (l *fakeLock) Extend(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	if l.lost {
		return errors.New("lock no longer held")
	}
	return nil
}

func (l *fakeLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

func (l *fakeLock) expire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.lost = true
}

func (l *fakeLock) extendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extends
}

func TestManagerReturnsSameEnginePerOwner(t *testing.T) {
	clock := newTestClock()
	m := NewManager(newMemStore(clock.Now), newFakeTransport(), Options{
		Clock:        clock.Now,
		TickInterval: time.Hour,
	}, nil)
	defer m.Shutdown()

	a := m.ForOwner("owner-a")
	b := m.ForOwner("owner-b")
	if a == b {
		t.Error("different owners should get different engines")
	}
	if m.ForOwner("owner-a") != a {
		t.Error("same owner should get the same engine")
	}
	if a.OwnerID() != "owner-a" {
		t.Errorf("OwnerID() = %s, want owner-a", a.OwnerID())
	}
}

func TestManagerRecoverAllArmsActiveOwners(t *testing.T) {
	clock := newTestClock()
	store := newMemStore(clock.Now)
	tr := newFakeTransport()

	// Boot one process, start a campaign, and lose the process.
	boot := NewManager(store, tr, Options{Clock: clock.Now, TickInterval: time.Hour}, nil)
	if _, err := boot.ForOwner("owner-a").Start(context.Background(), StartInput{
		Emails: []string{"a@x.test", "b@x.test"},
	}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	boot.Shutdown()

	m := NewManager(store, tr, Options{Clock: clock.Now, TickInterval: time.Hour}, nil)
	defer m.Shutdown()
	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll() error: %v", err)
	}
	if !m.ForOwner("owner-a").Running() {
		t.Error("owner-a engine should be running after recovery")
	}
}

func TestEngineLockDeniedMeansConflict(t *testing.T) {
	clock := newTestClock()
	store := newMemStore(clock.Now)
	lock := &fakeLock{deny: true}

	locks := func(string) distlock.DistLock { return lock }
	m := NewManager(store, newFakeTransport(), Options{Clock: clock.Now, TickInterval: time.Hour}, locks)
	defer m.Shutdown()

	_, err := m.ForOwner("owner-a").Start(context.Background(), StartInput{
		Emails: []string{"a@x.test"},
	})
	if err == nil {
		t.Fatal("Start() with a denied lock should fail")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func manyEmails(n int) []string {
	emails := make([]string, n)
	for i := range emails {
		emails[i] = fmt.Sprintf("r%03d@x.test", i)
	}
	return emails
}

func TestDriveLoopStopsWhenLockLost(t *testing.T) {
	clock := newTestClock()
	store := newMemStore(clock.Now)
	tr := newFakeTransport()
	lock := &fakeLock{}

	e := NewEngine("owner-a", store, tr, Options{
		Clock:        clock.Now,
		TickInterval: 2 * time.Millisecond,
		Lock:         lock,
	})
	t.Cleanup(e.Shutdown)

	if _, err := e.Start(context.Background(), StartInput{
		Emails:  manyEmails(200),
		Subject: "s",
		Body:    "b",
	}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// The loop must refresh the lock every tick, not just acquire it once.
	waitFor(t, time.Second, func() bool { return lock.extendCount() > 1 })

	lock.expire()
	waitFor(t, time.Second, func() bool { return !e.Running() })

	sent := tr.sendCount()
	time.Sleep(20 * time.Millisecond)
	if got := tr.sendCount(); got != sent {
		t.Errorf("engine sent %d emails after losing its lock", got-sent)
	}
}

func TestLockExpiryHandsOverWithoutResend(t *testing.T) {
	clock := newTestClock()
	store := newMemStore(clock.Now)
	tr := newFakeTransport()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	emails := manyEmails(50)

	first := NewEngine("owner-a", store, tr, Options{
		Clock:        clock.Now,
		TickInterval: 2 * time.Millisecond,
		Lock:         distlock.ForOwner(client, nil, "owner-a", 4*time.Millisecond),
	})
	t.Cleanup(first.Shutdown)

	if _, err := first.Start(context.Background(), StartInput{
		Emails:  emails,
		Subject: "s",
		Body:    "b",
	}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, time.Second, func() bool { return tr.sendCount() > 0 })

	// Expire the lock as a stalled process would: the first engine must
	// stop driving before anyone else can pick the owner up.
	mr.FastForward(time.Second)
	waitFor(t, time.Second, func() bool { return !first.Running() })

	second := NewEngine("owner-a", store, tr, Options{
		Clock:        clock.Now,
		TickInterval: time.Hour,
		Lock:         distlock.ForOwner(client, nil, "owner-a", time.Minute),
	})
	t.Cleanup(second.Shutdown)
	if err := second.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	tickN(t, second, len(emails)+2)

	c, err := store.LoadCurrent(context.Background(), "owner-a")
	if err != nil {
		t.Fatalf("LoadCurrent() error: %v", err)
	}
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
	for _, email := range emails {
		if n := tr.sendsTo(email); n != 1 {
			t.Errorf("%s received %d sends, want exactly 1", email, n)
		}
	}
}
