package campaign

import (
	"context"
	"sync"

	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// LockFactory builds the per-owner distributed lock for an engine. A nil
// factory disables cross-process locking.
type LockFactory func(ownerID string) distlock.DistLock

// Manager holds one Engine per owner. It replaces the process-wide
// singleton scheduler: whatever composes the application owns a Manager
// and asks it for the engine of the owner it is acting for.
type Manager struct {
	store     Store
	transport Transport
	opts      Options
	locks     LockFactory

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager creates a manager whose engines share the given store,
// transport, and options.
func NewManager(store Store, transport Transport, opts Options, locks LockFactory) *Manager {
	return &Manager{
		store:     store,
		transport: transport,
		opts:      opts,
		locks:     locks,
		engines:   make(map[string]*Engine),
	}
}

// ForOwner returns the owner's engine, creating it on first use.
func (m *Manager) ForOwner(ownerID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[ownerID]; ok {
		return e
	}
	opts := m.opts
	if m.locks != nil {
		opts.Lock = m.locks(ownerID)
	}
	e := NewEngine(ownerID, m.store, m.transport, opts)
	m.engines[ownerID] = e
	return e
}

// RecoverAll re-arms drive loops for every owner whose campaign the store
// reports as active. Called once at boot; the store, not memory, decides
// what was in flight.
func (m *Manager) RecoverAll(ctx context.Context) error {
	owners, err := m.store.ListActiveOwners(ctx)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if err := m.ForOwner(owner).Recover(ctx); err != nil {
			logger.Warn("recover engine", "owner", owner, "err", err)
		}
	}
	if len(owners) > 0 {
		logger.Info("recovered active campaigns", "owners", len(owners))
	}
	return nil
}

// Shutdown halts all drive loops without pausing campaigns, so active ones
// resume after the next boot.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	for _, e := range engines {
		e.Shutdown()
	}
}
