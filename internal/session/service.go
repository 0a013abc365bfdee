package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/orchestrator"
	"github.com/conductorhq/conductor/internal/progress"
	"github.com/conductorhq/conductor/internal/prompt"
	"github.com/conductorhq/conductor/internal/toolserver"
)

// Runner is the orchestration surface the service drives.
type Runner interface {
	Run(ctx context.Context, req *orchestrator.Request) ([]string, error)
}

// ServiceConfig configures the session service.
type ServiceConfig struct {
	DefaultOrg       string
	DiscoveryTimeout time.Duration
}

// Service accepts chat requests, serializes them per session key, and runs
// the load / orchestrate / persist cycle around the orchestrator.
type Service struct {
	keyed   *Keyed
	stores  Stores
	lister  catalog.Lister
	runner  Runner
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     ServiceConfig
	now     func() time.Time
}

// NewService creates the session service.
func NewService(stores Stores, lister catalog.Lister, runner Runner, cfg ServiceConfig, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultOrg == "" {
		cfg.DefaultOrg = "default"
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = toolserver.DefaultDiscoveryTimeout
	}
	return &Service{
		keyed:   NewKeyed(),
		stores:  stores,
		lister:  lister,
		runner:  runner,
		logger:  logger.With("component", "session"),
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Input is one chat request.
type Input struct {
	ClientID  string
	UserID    string
	Message   string
	Org       string
	Callbacks *progress.Callbacks
}

// Output is the terminal result of a chat request.
type Output struct {
	Responses        []string
	ResponseLanguage string
}

// Handle validates, serializes by session key, and runs one request. On
// storage errors the request proceeds with defaults; only validation and
// orchestration failures are returned.
func (s *Service) Handle(ctx context.Context, in *Input) (*Output, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	org := in.Org
	if org == "" {
		org = s.cfg.DefaultOrg
	}
	key := Key{Org: org, User: in.UserID}

	var out *Output
	err := s.keyed.Do(ctx, key, func(ctx context.Context) error {
		if s.metrics != nil {
			s.metrics.ActiveSessions.Inc()
			defer s.metrics.ActiveSessions.Dec()
		}
		var err error
		out, err = s.process(ctx, key, in)
		return err
	})
	return out, err
}

// loaded is the per-request snapshot of session state, assembled in
// parallel with degraded-storage defaults.
type loaded struct {
	prefs         Preferences
	orgConfig     OrgConfig
	history       []Exchange
	servers       []toolserver.ServerConfig
	userOverrides prompt.Overrides
	orgOverrides  prompt.Overrides
}

func (s *Service) load(ctx context.Context, key Key) *loaded {
	l := &loaded{
		prefs:     DefaultPreferences(),
		orgConfig: DefaultOrgConfig(),
	}

	var wg sync.WaitGroup
	warn := func(what string, err error) {
		s.logger.Warn("storage degraded, using defaults", "what", what, "key", key.String(), "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("session", "storage_"+what)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if prefs, err := s.stores.Preferences.Preferences(ctx, key); err != nil {
			warn("preferences", err)
		} else {
			l.prefs = prefs
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if config, err := s.stores.OrgConfig.OrgConfig(ctx, key.Org); err != nil {
			warn("org_config", err)
		} else {
			l.orgConfig = config.Normalized()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if servers, err := s.stores.Servers.Servers(ctx, key.Org); err != nil {
			warn("server_set", err)
		} else {
			l.servers = servers
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if overrides, err := s.stores.Overrides.OrgOverrides(ctx, key.Org); err != nil {
			warn("org_overrides", err)
		} else {
			l.orgOverrides = overrides
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if overrides, err := s.stores.Overrides.UserOverrides(ctx, key.Org, key.User); err != nil {
			warn("user_overrides", err)
		} else {
			l.userOverrides = overrides
		}
	}()

	wg.Wait()

	// The history read depends on the org's LLM-visible tail bound.
	limit := ClampHistoryLimit(l.orgConfig.MaxHistoryLLM)
	if history, err := s.stores.History.History(ctx, key, limit); err != nil {
		warn("history", err)
	} else {
		l.history = history
	}
	return l
}

func (s *Service) process(ctx context.Context, key Key, in *Input) (*Output, error) {
	l := s.load(ctx, key)

	results := catalog.Discover(ctx, s.lister, l.servers, s.cfg.DiscoveryTimeout)
	cat := catalog.Build(results, s.logger)
	for id, msg := range cat.Errors() {
		s.logger.Warn("tool discovery failed", "server", id, "error", msg)
	}

	message := strings.TrimSpace(in.Message)
	history := make([]orchestrator.HistoryEntry, len(l.history))
	for i, ex := range l.history {
		history[i] = orchestrator.HistoryEntry{
			UserMessage:   ex.UserMessage,
			AssistantText: ex.AssistantText,
		}
	}

	responses, err := s.runner.Run(ctx, &orchestrator.Request{
		Message:          message,
		History:          history,
		ResponseLanguage: l.prefs.ResponseLanguage,
		UserOverrides:    l.userOverrides,
		OrgOverrides:     l.orgOverrides,
		Catalog:          cat,
		Callbacks:        in.Callbacks,
	})
	if err != nil {
		return nil, err
	}

	s.persist(ctx, key, l, message, responses)
	return &Output{Responses: responses, ResponseLanguage: l.prefs.ResponseLanguage}, nil
}

// persist appends the exchange and clears the first-interaction flag.
// Storage failures are logged and swallowed; the response already exists.
func (s *Service) persist(ctx context.Context, key Key, l *loaded, message string, responses []string) {
	exchange := Exchange{
		UserMessage:   message,
		AssistantText: strings.Join(responses, "\n"),
		Timestamp:     s.now(),
	}
	if err := s.stores.History.Append(ctx, key, exchange, l.orgConfig.MaxHistoryStorage); err != nil {
		s.logger.Warn("failed to append history", "key", key.String(), "error", err)
	}
	if l.prefs.FirstInteraction {
		prefs := l.prefs
		prefs.FirstInteraction = false
		if err := s.stores.Preferences.SetPreferences(ctx, key, prefs); err != nil {
			s.logger.Warn("failed to update preferences", "key", key.String(), "error", err)
		}
	}
}

func validate(in *Input) error {
	if strings.TrimSpace(in.ClientID) == "" {
		return &InvalidRequestError{Field: "client_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.UserID) == "" {
		return &InvalidRequestError{Field: "user_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.Message) == "" {
		return &InvalidRequestError{Field: "message", Reason: "must not be empty"}
	}
	return nil
}
