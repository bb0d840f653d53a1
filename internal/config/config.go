// Package config manages per-user multi-asset strategy configuration.
//
// Each user owns one YAML file holding a global section plus one entry per
// tradable symbol. The strategy engine reads live values on every access, so
// edits apply to the next leg fired rather than retroactively to open legs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// SymbolConfig holds the per-symbol strategy parameters.
type SymbolConfig struct {
	Enabled bool `yaml:"enabled"`

	GridDistance float64 `yaml:"grid_distance"`
	TPPips       float64 `yaml:"tp_pips"`
	SLPips       float64 `yaml:"sl_pips"`

	BxLot float64 `yaml:"bx_lot"`
	SyLot float64 `yaml:"sy_lot"`
	SxLot float64 `yaml:"sx_lot"`
	ByLot float64 `yaml:"by_lot"`

	SingleFireLot    float64 `yaml:"single_fire_lot"`
	SingleFireTPPips float64 `yaml:"single_fire_tp_pips"`
	SingleFireSLPips float64 `yaml:"single_fire_sl_pips"`

	ProtectionDistance float64 `yaml:"protection_distance"`
}

// GlobalConfig holds user-level settings shared across symbols.
type GlobalConfig struct {
	MaxRuntimeMinutes float64 `yaml:"max_runtime_minutes"`
}

// File is the on-disk YAML structure.
type File struct {
	Global  GlobalConfig            `yaml:"global"`
	Symbols map[string]SymbolConfig `yaml:"symbols"`
}

// DefaultSymbolConfig returns the documented defaults for a new symbol entry.
func DefaultSymbolConfig() SymbolConfig {
	return SymbolConfig{
		Enabled:            false,
		GridDistance:       50.0,
		TPPips:             150.0,
		SLPips:             200.0,
		BxLot:              0.01,
		SyLot:              0.01,
		SxLot:              0.01,
		ByLot:              0.01,
		SingleFireLot:      0.01,
		SingleFireTPPips:   150.0,
		SingleFireSLPips:   200.0,
		ProtectionDistance: 100.0,
	}
}

// Validate rejects non-positive numeric fields. Enforced at write time so the
// engine can trust live reads.
func (c SymbolConfig) Validate() error {
	fields := map[string]float64{
		"grid_distance":       c.GridDistance,
		"tp_pips":             c.TPPips,
		"sl_pips":             c.SLPips,
		"bx_lot":              c.BxLot,
		"sy_lot":              c.SyLot,
		"sx_lot":              c.SxLot,
		"by_lot":              c.ByLot,
		"single_fire_lot":     c.SingleFireLot,
		"single_fire_tp_pips": c.SingleFireTPPips,
		"single_fire_sl_pips": c.SingleFireSLPips,
		"protection_distance": c.ProtectionDistance,
	}
	for name, val := range fields {
		if val <= 0 {
			return fmt.Errorf("config: %s must be positive, got %v", name, val)
		}
	}
	return nil
}

// Manager loads and serves one user's configuration file.
type Manager struct {
	mu     sync.RWMutex
	userID string
	path   string
	file   File
}

// NewManager loads (or creates) the config file for a user inside dir.
func NewManager(dir, userID string) (*Manager, error) {
	m := &Manager{
		userID: userID,
		path:   filepath.Join(dir, fmt.Sprintf("config_%s.yaml", userID)),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// UserID returns the owner of this configuration.
func (m *Manager) UserID() string {
	return m.userID
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.file = File{Symbols: make(map[string]SymbolConfig)}
		return m.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", m.path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", m.path, err)
	}
	if file.Symbols == nil {
		file.Symbols = make(map[string]SymbolConfig)
	}
	m.file = file
	return nil
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := yaml.Marshal(m.file)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", m.path, err)
	}
	return nil
}

// Global returns the user-level settings.
func (m *Manager) Global() GlobalConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file.Global
}

// SetGlobal replaces the user-level settings and persists.
func (m *Manager) SetGlobal(g GlobalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file.Global = g
	return m.saveLocked()
}

// Symbol returns the live configuration for a symbol and whether it exists.
func (m *Manager) Symbol(symbol string) (SymbolConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.file.Symbols[symbol]
	return cfg, ok
}

// SetSymbol validates and stores a symbol entry, then persists.
func (m *Manager) SetSymbol(symbol string, cfg SymbolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.file.Symbols[symbol] = cfg
	return m.saveLocked()
}

// EnabledSymbols returns the sorted list of symbols flagged enabled.
func (m *Manager) EnabledSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for sym, cfg := range m.file.Symbols {
		if cfg.Enabled {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
