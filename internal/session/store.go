package session

import (
	"context"

	"github.com/conductorhq/conductor/internal/prompt"
	"github.com/conductorhq/conductor/internal/toolserver"
)

// HistoryStore persists the bounded exchange history per session key.
type HistoryStore interface {
	// History returns up to limit most recent exchanges, oldest first.
	History(ctx context.Context, key Key, limit int) ([]Exchange, error)
	// Append adds one exchange and trims the history to capacity.
	Append(ctx context.Context, key Key, exchange Exchange, capacity int) error
	// Clear removes the history for a key.
	Clear(ctx context.Context, key Key) error
}

// PreferenceStore persists per-session preferences.
type PreferenceStore interface {
	Preferences(ctx context.Context, key Key) (Preferences, error)
	SetPreferences(ctx context.Context, key Key, prefs Preferences) error
}

// ServerSetStore holds each organization's ordered tool-server set.
type ServerSetStore interface {
	// Servers returns the org's server set in priority order; a missing org
	// yields an empty set, not an error.
	Servers(ctx context.Context, org string) ([]toolserver.ServerConfig, error)
	SetServers(ctx context.Context, org string, servers []toolserver.ServerConfig) error
}

// OverrideStore holds prompt overrides per organization and per user.
type OverrideStore interface {
	OrgOverrides(ctx context.Context, org string) (prompt.Overrides, error)
	UserOverrides(ctx context.Context, org, user string) (prompt.Overrides, error)
	SetOrgOverrides(ctx context.Context, org string, overrides prompt.Overrides) error
	SetUserOverrides(ctx context.Context, org, user string, overrides prompt.Overrides) error
}

// OrgConfigStore holds per-organization configuration.
type OrgConfigStore interface {
	OrgConfig(ctx context.Context, org string) (OrgConfig, error)
	SetOrgConfig(ctx context.Context, org string, config OrgConfig) error
}

// Stores bundles the storage collaborators of the session service.
type Stores struct {
	History     HistoryStore
	Preferences PreferenceStore
	Servers     ServerSetStore
	Overrides   OverrideStore
	OrgConfig   OrgConfigStore
}
