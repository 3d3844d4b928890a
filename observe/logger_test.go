package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("warn", &buf)

	ctx := context.Background()
	l.Debug(ctx, "debug msg")
	l.Info(ctx, "info msg")
	l.Warn(ctx, "warn msg")
	l.Error(ctx, "error msg")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("emitted %d lines, want 2: %q", len(lines), buf.String())
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("info", &buf)

	l.Info(context.Background(), "task accepted", Field{Key: "task_id", Value: "t-1"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["msg"] != "task accepted" {
		t.Errorf("msg = %v, want task accepted", entry["msg"])
	}
	if entry["task_id"] != "t-1" {
		t.Errorf("task_id = %v, want t-1", entry["task_id"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
}

func TestLogger_RedactsPayload(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("info", &buf)

	l.Info(context.Background(), "stage done", Field{Key: "payload", Value: "user secret text"})

	if strings.Contains(buf.String(), "user secret text") {
		t.Error("payload content leaked into log output")
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Error("payload field not redacted")
	}
}

func TestLogger_WithStage(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("info", &buf)

	stageLog := l.WithStage(StageMeta{Stage: "crisis-check", Collaborator: "crisis", TaskID: "t-9"})
	stageLog.Info(context.Background(), "short circuit")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["stage"] != "crisis-check" || entry["collaborator"] != "crisis" || entry["task_id"] != "t-9" {
		t.Errorf("stage context missing: %v", entry)
	}
}

func TestStageMeta_SpanName(t *testing.T) {
	m := StageMeta{Stage: "reasoning", Collaborator: "llm"}
	if m.SpanName() != "pipeline.stage.reasoning" {
		t.Errorf("SpanName = %q, want pipeline.stage.reasoning", m.SpanName())
	}
}

func TestObserverConfig_Validate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted missing service name")
	}

	cfg = Config{
		ServiceName: "orchestra",
		Tracing:     TracingConfig{Enabled: true, Exporter: "carrier-pigeon"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted unknown tracing exporter")
	}

	cfg = Config{
		ServiceName: "orchestra",
		Tracing:     TracingConfig{Enabled: true, Exporter: "stdout", SamplePct: 0.5},
		Metrics:     MetricsConfig{Enabled: true, Exporter: "prometheus"},
		Logging:     LoggingConfig{Enabled: true, Level: "debug"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestNewObserver_Disabled(t *testing.T) {
	obs, err := NewObserver(context.Background(), Config{ServiceName: "orchestra"})
	if err != nil {
		t.Fatalf("NewObserver() = %v", err)
	}
	defer obs.Shutdown(context.Background())

	// All components must be usable no-ops.
	obs.Logger().Info(context.Background(), "noop")
	ctx, span := obs.Tracer().StartSpan(context.Background(), StageMeta{Stage: "s", Collaborator: "c"})
	obs.Tracer().EndSpan(span, nil)
	obs.Metrics().RecordCacheLookup(ctx, "s", true)
}
