package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	logger.Info("request complete", "org", "acme", "duration_ms", 42)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if record["msg"] != "request complete" || record["org"] != "acme" {
		t.Errorf("record = %v", record)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})
	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record missing")
	}
}

func TestSensitiveKeyRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})
	logger.Info("configured server", "auth_token", "super-secret-value", "url", "https://x")

	out := buf.String()
	if strings.Contains(out, "super-secret-value") {
		t.Errorf("token leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker: %s", out)
	}
}

func TestPatternRedactionInMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})
	logger.Info("failed with api_key=abcdefghijklmnop1234")

	if strings.Contains(buf.String(), "abcdefghijklmnop1234") {
		t.Errorf("api key leaked: %s", buf.String())
	}
}

func TestRedactionSurvivesWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})
	child := logger.With("component", "toolserver")
	child.Info("call", "token", "sk-should-not-appear-000")

	out := buf.String()
	if strings.Contains(out, "sk-should-not-appear-000") {
		t.Errorf("token leaked through With: %s", out)
	}
	if !strings.Contains(out, "toolserver") {
		t.Errorf("component attr lost: %s", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"warning": "WARN",
		"ERROR":   "ERROR",
		"bogus":   "INFO",
		"":        "INFO",
	}
	for in, want := range tests {
		if got := LogLevelFromString(in).String(); got != want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}
