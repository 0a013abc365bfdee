// Package session owns per-(org, user) conversation state: the bounded
// exchange history, preferences, and the keyed actor that serializes
// requests per session key.
package session

import (
	"fmt"
	"regexp"
	"time"
)

// History bounds.
const (
	DefaultHistoryStorage = 50
	DefaultHistoryLLM     = 5
	MaxHistoryStorage     = 100
	MaxHistoryLLM         = 50
)

// Key identifies one serialized conversation lane.
type Key struct {
	Org  string
	User string
}

func (k Key) String() string { return k.Org + "/" + k.User }

// Exchange is one completed user/assistant turn.
type Exchange struct {
	UserMessage   string    `json:"user_message"`
	AssistantText string    `json:"assistant_text"`
	Timestamp     time.Time `json:"timestamp"`
}

var languagePattern = regexp.MustCompile(`^[a-z]{2}$`)

// Preferences holds per-session settings.
type Preferences struct {
	ResponseLanguage string `json:"response_language"`
	FirstInteraction bool   `json:"first_interaction"`
}

// DefaultPreferences is the state of a session before its first message.
func DefaultPreferences() Preferences {
	return Preferences{ResponseLanguage: "en", FirstInteraction: true}
}

// Validate checks the preference values. The response language must be an
// ISO 639-1 two-lowercase-letter code.
func (p Preferences) Validate() error {
	if !languagePattern.MatchString(p.ResponseLanguage) {
		return &InvalidRequestError{Field: "response_language", Reason: fmt.Sprintf("%q is not a two-lowercase-letter ISO 639-1 code", p.ResponseLanguage)}
	}
	return nil
}

// OrgConfig holds per-organization history bounds.
type OrgConfig struct {
	MaxHistoryStorage int `json:"max_history_storage"`
	MaxHistoryLLM     int `json:"max_history_llm"`
}

// DefaultOrgConfig returns the bounds used when no org config is stored.
func DefaultOrgConfig() OrgConfig {
	return OrgConfig{MaxHistoryStorage: DefaultHistoryStorage, MaxHistoryLLM: DefaultHistoryLLM}
}

// Validate checks the org config bounds.
func (c OrgConfig) Validate() error {
	if c.MaxHistoryStorage < 1 || c.MaxHistoryStorage > MaxHistoryStorage {
		return &InvalidRequestError{Field: "max_history_storage", Reason: fmt.Sprintf("%d out of range [1,%d]", c.MaxHistoryStorage, MaxHistoryStorage)}
	}
	if c.MaxHistoryLLM < 1 || c.MaxHistoryLLM > MaxHistoryLLM {
		return &InvalidRequestError{Field: "max_history_llm", Reason: fmt.Sprintf("%d out of range [1,%d]", c.MaxHistoryLLM, MaxHistoryLLM)}
	}
	if c.MaxHistoryLLM > c.MaxHistoryStorage {
		return &InvalidRequestError{Field: "max_history_llm", Reason: "must not exceed max_history_storage"}
	}
	return nil
}

// Normalized clamps the config to valid bounds, substituting defaults for
// unset values.
func (c OrgConfig) Normalized() OrgConfig {
	out := c
	if out.MaxHistoryStorage < 1 {
		out.MaxHistoryStorage = DefaultHistoryStorage
	}
	if out.MaxHistoryStorage > MaxHistoryStorage {
		out.MaxHistoryStorage = MaxHistoryStorage
	}
	if out.MaxHistoryLLM < 1 {
		out.MaxHistoryLLM = DefaultHistoryLLM
	}
	if out.MaxHistoryLLM > MaxHistoryLLM {
		out.MaxHistoryLLM = MaxHistoryLLM
	}
	if out.MaxHistoryLLM > out.MaxHistoryStorage {
		out.MaxHistoryLLM = out.MaxHistoryStorage
	}
	return out
}

// ClampHistoryLimit bounds a history read limit to [1, MaxHistoryLLM].
func ClampHistoryLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxHistoryLLM {
		return MaxHistoryLLM
	}
	return limit
}

// InvalidRequestError reports bad client input.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
