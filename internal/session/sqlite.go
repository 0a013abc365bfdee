package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conductorhq/conductor/internal/prompt"
	"github.com/conductorhq/conductor/internal/toolserver"
)

// SQLiteStores is a sqlite-backed implementation of all store interfaces.
// The schema is created on open.
type SQLiteStores struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id         TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	user_message   TEXT NOT NULL,
	assistant_text TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_key ON exchanges(org_id, user_id, id);

CREATE TABLE IF NOT EXISTS preferences (
	org_id            TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	response_language TEXT NOT NULL,
	first_interaction INTEGER NOT NULL,
	PRIMARY KEY (org_id, user_id)
);

CREATE TABLE IF NOT EXISTS server_sets (
	org_id  TEXT PRIMARY KEY,
	servers TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_overrides (
	org_id    TEXT NOT NULL,
	user_id   TEXT NOT NULL DEFAULT '',
	overrides TEXT NOT NULL,
	PRIMARY KEY (org_id, user_id)
);

CREATE TABLE IF NOT EXISTS org_configs (
	org_id TEXT PRIMARY KEY,
	config TEXT NOT NULL
);
`

// NewSQLiteStores opens (creating if needed) a sqlite database at path and
// ensures the schema exists. Use ":memory:" for an ephemeral database.
func NewSQLiteStores(path string) (*SQLiteStores, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStores{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStores) Close() error { return s.db.Close() }

// Stores returns the bundle view with every interface backed by this
// instance.
func (s *SQLiteStores) Stores() Stores {
	return Stores{History: s, Preferences: s, Servers: s, Overrides: s, OrgConfig: s}
}

func (s *SQLiteStores) History(ctx context.Context, key Key, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = DefaultHistoryStorage
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_message, assistant_text, created_at
		 FROM exchanges WHERE org_id = ? AND user_id = ?
		 ORDER BY id DESC LIMIT ?`, key.Org, key.User, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var newestFirst []Exchange
	for rows.Next() {
		var ex Exchange
		var createdAt int64
		if err := rows.Scan(&ex.UserMessage, &ex.AssistantText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.Timestamp = time.UnixMilli(createdAt)
		newestFirst = append(newestFirst, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	out := make([]Exchange, len(newestFirst))
	for i, ex := range newestFirst {
		out[len(out)-1-i] = ex
	}
	return out, nil
}

func (s *SQLiteStores) Append(ctx context.Context, key Key, exchange Exchange, capacity int) error {
	if capacity <= 0 {
		capacity = DefaultHistoryStorage
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exchanges (org_id, user_id, user_message, assistant_text, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key.Org, key.User, exchange.UserMessage, exchange.AssistantText, exchange.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM exchanges WHERE org_id = ? AND user_id = ? AND id NOT IN (
			SELECT id FROM exchanges WHERE org_id = ? AND user_id = ? ORDER BY id DESC LIMIT ?
		 )`,
		key.Org, key.User, key.Org, key.User, capacity,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStores) Clear(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM exchanges WHERE org_id = ? AND user_id = ?`, key.Org, key.User); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *SQLiteStores) Preferences(ctx context.Context, key Key) (Preferences, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT response_language, first_interaction FROM preferences
		 WHERE org_id = ? AND user_id = ?`, key.Org, key.User)
	var prefs Preferences
	var first int
	if err := row.Scan(&prefs.ResponseLanguage, &first); err != nil {
		if err == sql.ErrNoRows {
			return DefaultPreferences(), nil
		}
		return DefaultPreferences(), fmt.Errorf("query preferences: %w", err)
	}
	prefs.FirstInteraction = first != 0
	return prefs, nil
}

func (s *SQLiteStores) SetPreferences(ctx context.Context, key Key, prefs Preferences) error {
	first := 0
	if prefs.FirstInteraction {
		first = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (org_id, user_id, response_language, first_interaction)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (org_id, user_id) DO UPDATE SET
		   response_language = excluded.response_language,
		   first_interaction = excluded.first_interaction`,
		key.Org, key.User, prefs.ResponseLanguage, first,
	); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func (s *SQLiteStores) Servers(ctx context.Context, org string) ([]toolserver.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT servers FROM server_sets WHERE org_id = ?`, org)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query server set: %w", err)
	}
	var servers []toolserver.ServerConfig
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, fmt.Errorf("unmarshal server set: %w", err)
	}
	return servers, nil
}

func (s *SQLiteStores) SetServers(ctx context.Context, org string, servers []toolserver.ServerConfig) error {
	if err := toolserver.ValidateServerSet(servers); err != nil {
		return err
	}
	raw, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("marshal server set: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO server_sets (org_id, servers) VALUES (?, ?)
		 ON CONFLICT (org_id) DO UPDATE SET servers = excluded.servers`,
		org, string(raw),
	); err != nil {
		return fmt.Errorf("save server set: %w", err)
	}
	return nil
}

func (s *SQLiteStores) OrgOverrides(ctx context.Context, org string) (prompt.Overrides, error) {
	return s.overrides(ctx, org, "")
}

func (s *SQLiteStores) UserOverrides(ctx context.Context, org, user string) (prompt.Overrides, error) {
	return s.overrides(ctx, org, user)
}

func (s *SQLiteStores) overrides(ctx context.Context, org, user string) (prompt.Overrides, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT overrides FROM prompt_overrides WHERE org_id = ? AND user_id = ?`, org, user)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	var overrides prompt.Overrides
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("unmarshal overrides: %w", err)
	}
	return overrides, nil
}

func (s *SQLiteStores) SetOrgOverrides(ctx context.Context, org string, overrides prompt.Overrides) error {
	return s.setOverrides(ctx, org, "", overrides)
}

func (s *SQLiteStores) SetUserOverrides(ctx context.Context, org, user string, overrides prompt.Overrides) error {
	return s.setOverrides(ctx, org, user, overrides)
}

func (s *SQLiteStores) setOverrides(ctx context.Context, org, user string, overrides prompt.Overrides) error {
	raw, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_overrides (org_id, user_id, overrides) VALUES (?, ?, ?)
		 ON CONFLICT (org_id, user_id) DO UPDATE SET overrides = excluded.overrides`,
		org, user, string(raw),
	); err != nil {
		return fmt.Errorf("save overrides: %w", err)
	}
	return nil
}

func (s *SQLiteStores) OrgConfig(ctx context.Context, org string) (OrgConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT config FROM org_configs WHERE org_id = ?`, org)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return DefaultOrgConfig(), nil
		}
		return DefaultOrgConfig(), fmt.Errorf("query org config: %w", err)
	}
	var config OrgConfig
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return DefaultOrgConfig(), fmt.Errorf("unmarshal org config: %w", err)
	}
	return config.Normalized(), nil
}

func (s *SQLiteStores) SetOrgConfig(ctx context.Context, org string, config OrgConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal org config: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO org_configs (org_id, config) VALUES (?, ?)
		 ON CONFLICT (org_id) DO UPDATE SET config = excluded.config`,
		org, string(raw),
	); err != nil {
		return fmt.Errorf("save org config: %w", err)
	}
	return nil
}
