// Package bot maps users to their strategy orchestrators and persists
// per-user run state so sessions survive a process restart.
package bot

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pairtrade-core/internal/config"
	"pairtrade-core/internal/events"
	"pairtrade-core/internal/orchestrator"
	"pairtrade-core/internal/venue"
	"pairtrade-core/pkg/db"
)

// Manager owns the userID → orchestrator registry.
type Manager struct {
	configDir string
	venue     venue.Venue
	bus       *events.Bus
	db        *db.Database

	mu   sync.RWMutex
	bots map[string]*orchestrator.Orchestrator
}

// NewManager creates an empty registry.
func NewManager(configDir string, v venue.Venue, bus *events.Bus, database *db.Database) *Manager {
	return &Manager{
		configDir: configDir,
		venue:     v,
		bus:       bus,
		db:        database,
		bots:      make(map[string]*orchestrator.Orchestrator),
	}
}

// GetOrCreate returns the user's orchestrator, building one from their config
// file when the user is seen for the first time (or after a restart).
func (m *Manager) GetOrCreate(userID string) (*orchestrator.Orchestrator, error) {
	m.mu.RLock()
	if orch, ok := m.bots[userID]; ok {
		m.mu.RUnlock()
		return orch, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if orch, ok := m.bots[userID]; ok {
		return orch, nil
	}

	log.Printf("bot: creating session for user %s", userID)
	cfg, err := config.NewManager(m.configDir, userID)
	if err != nil {
		return nil, fmt.Errorf("bot: config for %s: %w", userID, err)
	}

	orch := orchestrator.New(cfg, m.venue, m.bus)
	m.bots[userID] = orch
	return orch, nil
}

// Get returns the user's orchestrator or nil.
func (m *Manager) Get(userID string) *orchestrator.Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bots[userID]
}

// Orchestrators snapshots every live orchestrator.
func (m *Manager) Orchestrators() []*orchestrator.Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*orchestrator.Orchestrator, 0, len(m.bots))
	for _, orch := range m.bots {
		out = append(out, orch)
	}
	return out
}

// MaxRuntime returns the longest session budget configured by any known
// user, zero when none set one. The loop budget is process-wide, so the
// longest wins: a shorter neighbour budget must never cut a user's session
// short.
func (m *Manager) MaxRuntime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var budget time.Duration
	for _, orch := range m.bots {
		if d := orch.RuntimeBudget(); d > budget {
			budget = d
		}
	}
	return budget
}

// StartUser starts every enabled engine for a user and records the run state.
func (m *Manager) StartUser(ctx context.Context, userID string) error {
	orch, err := m.GetOrCreate(userID)
	if err != nil {
		return err
	}
	if err := orch.StartAll(ctx); err != nil {
		return err
	}
	if m.db != nil {
		if err := m.db.SetRunning(ctx, userID, orch.ActiveSymbols()); err != nil {
			log.Printf("bot: persist run state for %s: %v", userID, err)
		}
	}
	return nil
}

// StopUser gracefully stops a user's engines and records the stop.
func (m *Manager) StopUser(ctx context.Context, userID string) error {
	orch := m.Get(userID)
	if orch == nil {
		return nil
	}
	orch.StopAll(ctx)
	if m.db != nil {
		if err := m.db.SetStopped(ctx, userID); err != nil {
			log.Printf("bot: persist stop for %s: %v", userID, err)
		}
	}
	return nil
}

// StopAll gracefully stops every user.
func (m *Manager) StopAll(ctx context.Context) {
	for _, orch := range m.Orchestrators() {
		orch.StopAll(ctx)
		if m.db != nil {
			if err := m.db.SetStopped(ctx, orch.UserID()); err != nil {
				log.Printf("bot: persist stop for %s: %v", orch.UserID(), err)
			}
		}
	}
}

// Restore resumes sessions that were running before the last shutdown.
func (m *Manager) Restore(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	states, err := m.db.RunningUsers(ctx)
	if err != nil {
		return fmt.Errorf("bot: load run state: %w", err)
	}

	for _, rs := range states {
		orch, err := m.GetOrCreate(rs.UserID)
		if err != nil {
			log.Printf("bot: restore %s: %v", rs.UserID, err)
			continue
		}
		log.Printf("bot: restoring user %s, symbols %v", rs.UserID, rs.ActiveSymbols)
		for _, sym := range rs.ActiveSymbols {
			if err := orch.StartSymbol(ctx, sym); err != nil {
				log.Printf("bot: restore %s/%s: %v", rs.UserID, sym, err)
			}
		}
	}
	return nil
}
