package observability

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("resolved credential",
		"key", "sk-ant-REDACTED",
		"provider", "anthropic")

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Errorf("API key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
	if !strings.Contains(out, "anthropic") {
		t.Errorf("non-secret fields should pass through: %s", out)
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("debug line")
	logger.Info("info line")
	logger.Warn("warn line")

	out := buf.String()
	if strings.Contains(out, "info line") || strings.Contains(out, "debug line") {
		t.Errorf("sub-warn records should be filtered: %s", out)
	}
	if !strings.Contains(out, "warn line") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(LogConfig{})
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	if !logger.Enabled(nil, slog.LevelInfo) {
		t.Error("default level should enable info")
	}
	if logger.Enabled(nil, slog.LevelDebug) {
		t.Error("default level should filter debug")
	}
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TurnCounter.WithLabelValues("done").Inc()
	m.QuotaDenials.WithLabelValues("text").Inc()
	m.SandboxSessions.Set(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"strand_turns_total", "strand_quota_denials_total", "strand_sandbox_sessions"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}
