package session

import (
	"context"
	"sync"

	"github.com/conductorhq/conductor/internal/prompt"
	"github.com/conductorhq/conductor/internal/toolserver"
)

// MemoryStores is an in-memory implementation of all store interfaces.
// It backs tests and single-node deployments without persistence.
type MemoryStores struct {
	mu            sync.RWMutex
	history       map[Key][]Exchange
	preferences   map[Key]Preferences
	servers       map[string][]toolserver.ServerConfig
	orgOverrides  map[string]prompt.Overrides
	userOverrides map[Key]prompt.Overrides
	orgConfig     map[string]OrgConfig
}

// NewMemoryStores creates empty in-memory stores.
func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		history:       make(map[Key][]Exchange),
		preferences:   make(map[Key]Preferences),
		servers:       make(map[string][]toolserver.ServerConfig),
		orgOverrides:  make(map[string]prompt.Overrides),
		userOverrides: make(map[Key]prompt.Overrides),
		orgConfig:     make(map[string]OrgConfig),
	}
}

// Stores returns the bundle view with every interface backed by this
// instance.
func (m *MemoryStores) Stores() Stores {
	return Stores{History: m, Preferences: m, Servers: m, Overrides: m, OrgConfig: m}
}

func (m *MemoryStores) History(ctx context.Context, key Key, limit int) ([]Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.history[key]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Exchange, len(all))
	copy(out, all)
	return out, nil
}

func (m *MemoryStores) Append(ctx context.Context, key Key, exchange Exchange, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append(m.history[key], exchange)
	if capacity > 0 && len(all) > capacity {
		all = all[len(all)-capacity:]
	}
	m.history[key] = all
	return nil
}

func (m *MemoryStores) Clear(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, key)
	return nil
}

func (m *MemoryStores) Preferences(ctx context.Context, key Key) (Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if prefs, ok := m.preferences[key]; ok {
		return prefs, nil
	}
	return DefaultPreferences(), nil
}

func (m *MemoryStores) SetPreferences(ctx context.Context, key Key, prefs Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences[key] = prefs
	return nil
}

func (m *MemoryStores) Servers(ctx context.Context, org string) ([]toolserver.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]toolserver.ServerConfig, len(m.servers[org]))
	copy(out, m.servers[org])
	return out, nil
}

func (m *MemoryStores) SetServers(ctx context.Context, org string, servers []toolserver.ServerConfig) error {
	if err := toolserver.ValidateServerSet(servers); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]toolserver.ServerConfig, len(servers))
	copy(stored, servers)
	m.servers[org] = stored
	return nil
}

func (m *MemoryStores) OrgOverrides(ctx context.Context, org string) (prompt.Overrides, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneOverrides(m.orgOverrides[org]), nil
}

func (m *MemoryStores) UserOverrides(ctx context.Context, org, user string) (prompt.Overrides, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneOverrides(m.userOverrides[Key{Org: org, User: user}]), nil
}

func (m *MemoryStores) SetOrgOverrides(ctx context.Context, org string, overrides prompt.Overrides) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgOverrides[org] = cloneOverrides(overrides)
	return nil
}

func (m *MemoryStores) SetUserOverrides(ctx context.Context, org, user string, overrides prompt.Overrides) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userOverrides[Key{Org: org, User: user}] = cloneOverrides(overrides)
	return nil
}

func (m *MemoryStores) OrgConfig(ctx context.Context, org string) (OrgConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if config, ok := m.orgConfig[org]; ok {
		return config, nil
	}
	return DefaultOrgConfig(), nil
}

func (m *MemoryStores) SetOrgConfig(ctx context.Context, org string, config OrgConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgConfig[org] = config
	return nil
}

func cloneOverrides(o prompt.Overrides) prompt.Overrides {
	if o == nil {
		return nil
	}
	out := make(prompt.Overrides, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}
