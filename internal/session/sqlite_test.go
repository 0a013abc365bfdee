package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/prompt"
	"github.com/conductorhq/conductor/internal/toolserver"
)

func newTestSQLite(t *testing.T) *SQLiteStores {
	t.Helper()
	stores, err := NewSQLiteStores(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStores() error = %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	return stores
}

func TestSQLiteHistoryRoundTrip(t *testing.T) {
	stores := newTestSQLite(t)
	ctx := context.Background()
	key := Key{Org: "acme", User: "u1"}

	ts := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 3; i++ {
		err := stores.Append(ctx, key, Exchange{
			UserMessage:   fmt.Sprintf("q%d", i),
			AssistantText: fmt.Sprintf("a%d", i),
			Timestamp:     ts,
		}, 50)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	history, err := stores.History(ctx, key, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d entries", len(history))
	}
	if history[0].UserMessage != "q0" || history[2].UserMessage != "q2" {
		t.Errorf("order = %q..%q, want oldest first", history[0].UserMessage, history[2].UserMessage)
	}
	if !history[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", history[0].Timestamp)
	}
}

func TestSQLiteHistoryTrimAndClear(t *testing.T) {
	stores := newTestSQLite(t)
	ctx := context.Background()
	key := Key{Org: "acme", User: "u1"}

	for i := 0; i < 7; i++ {
		stores.Append(ctx, key, Exchange{UserMessage: fmt.Sprintf("m%d", i), Timestamp: time.Now()}, 5)
	}
	history, _ := stores.History(ctx, key, 100)
	if len(history) != 5 {
		t.Fatalf("history = %d, want 5 after trim", len(history))
	}
	if history[0].UserMessage != "m2" {
		t.Errorf("oldest kept = %q, want m2", history[0].UserMessage)
	}

	if err := stores.Clear(ctx, key); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	history, _ = stores.History(ctx, key, 100)
	if len(history) != 0 {
		t.Errorf("history after clear = %d", len(history))
	}
}

func TestSQLitePreferences(t *testing.T) {
	stores := newTestSQLite(t)
	ctx := context.Background()
	key := Key{Org: "acme", User: "u1"}

	prefs, err := stores.Preferences(ctx, key)
	if err != nil {
		t.Fatalf("Preferences() error = %v", err)
	}
	if prefs != DefaultPreferences() {
		t.Errorf("missing row should yield defaults, got %+v", prefs)
	}

	want := Preferences{ResponseLanguage: "pt", FirstInteraction: false}
	if err := stores.SetPreferences(ctx, key, want); err != nil {
		t.Fatalf("SetPreferences() error = %v", err)
	}
	got, _ := stores.Preferences(ctx, key)
	if got != want {
		t.Errorf("preferences = %+v, want %+v", got, want)
	}

	// Idempotent rewrite.
	if err := stores.SetPreferences(ctx, key, want); err != nil {
		t.Fatalf("rewrite error = %v", err)
	}
	got, _ = stores.Preferences(ctx, key)
	if got != want {
		t.Errorf("rewrite changed preferences: %+v", got)
	}
}

func TestSQLiteServerSet(t *testing.T) {
	stores := newTestSQLite(t)
	ctx := context.Background()

	servers, err := stores.Servers(ctx, "acme")
	if err != nil || len(servers) != 0 {
		t.Fatalf("missing org: servers=%v err=%v", servers, err)
	}

	set := []toolserver.ServerConfig{
		{ID: "srv1", Name: "One", URL: "https://one.example.com", Enabled: true, Priority: 1},
		{ID: "srv2", Name: "Two", URL: "https://two.example.com", Enabled: false, Priority: 2},
	}
	if err := stores.SetServers(ctx, "acme", set); err != nil {
		t.Fatalf("SetServers() error = %v", err)
	}
	got, _ := stores.Servers(ctx, "acme")
	if len(got) != 2 || got[0].ID != "srv1" || got[1].Enabled {
		t.Errorf("servers = %+v", got)
	}

	bad := []toolserver.ServerConfig{{ID: "bad id!", URL: "https://x"}}
	if err := stores.SetServers(ctx, "acme", bad); err == nil {
		t.Error("invalid server set should be rejected")
	}
}

func TestSQLiteOverrides(t *testing.T) {
	stores := newTestSQLite(t)
	ctx := context.Background()

	if err := stores.SetOrgOverrides(ctx, "acme", prompt.Overrides{prompt.SlotStyle: "org style"}); err != nil {
		t.Fatalf("SetOrgOverrides() error = %v", err)
	}
	if err := stores.SetUserOverrides(ctx, "acme", "u1", prompt.Overrides{prompt.SlotStyle: "user style"}); err != nil {
		t.Fatalf("SetUserOverrides() error = %v", err)
	}

	org, _ := stores.OrgOverrides(ctx, "acme")
	user, _ := stores.UserOverrides(ctx, "acme", "u1")
	if org[prompt.SlotStyle] != "org style" || user[prompt.SlotStyle] != "user style" {
		t.Errorf("org=%v user=%v", org, user)
	}

	// Org and user rows must not shadow each other.
	other, _ := stores.UserOverrides(ctx, "acme", "u2")
	if other != nil {
		t.Errorf("unexpected overrides for other user: %v", other)
	}
}

func TestSQLiteOrgConfig(t *testing.T) {
	stores := newTestSQLite(t)
	ctx := context.Background()

	config, err := stores.OrgConfig(ctx, "acme")
	if err != nil {
		t.Fatalf("OrgConfig() error = %v", err)
	}
	if config != DefaultOrgConfig() {
		t.Errorf("missing row should yield defaults, got %+v", config)
	}

	want := OrgConfig{MaxHistoryStorage: 80, MaxHistoryLLM: 10}
	if err := stores.SetOrgConfig(ctx, "acme", want); err != nil {
		t.Fatalf("SetOrgConfig() error = %v", err)
	}
	got, _ := stores.OrgConfig(ctx, "acme")
	if got != want {
		t.Errorf("config = %+v, want %+v", got, want)
	}

	if err := stores.SetOrgConfig(ctx, "acme", OrgConfig{MaxHistoryStorage: 10, MaxHistoryLLM: 20}); err == nil {
		t.Error("invalid config should be rejected")
	}
}
