package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "watch", mutate: func(c *Config) { *c = *WatchConfig() }},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) { c.Tracing.Exporter = "otlp" }, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestLevelForVerbosity(t *testing.T) {
	want := []string{"warn", "info", "debug", "trace", "trace"}
	for count, level := range want {
		if got := LevelForVerbosity(count); got != level {
			t.Errorf("LevelForVerbosity(%d) = %q, expected %q", count, got, level)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordCompileStarted("translate")
	m.RecordCompileCompleted("translate", "succeeded", time.Second)
	m.RecordInstance("basic")
	m.RecordArtifact("compose", "service")
	m.RecordAdapterCall("compose", "translate_basic", time.Millisecond)
	m.RecordAdapterError("compose", "translate_basic")
	m.RecordError("Internal")

	if m.Gatherer() != nil {
		t.Error("Expected nil gatherer for nil metrics")
	}
	if err := m.Serve(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestMetricsRecording(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true

	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordInstance("basic")
	m.RecordInstance("basic")
	m.RecordCompileCompleted("validate", "failed", time.Millisecond)

	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	found := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				found[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				found[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	if found["forge_instances_resolved_total"] != 2 {
		t.Errorf("Expected 2 resolved instances, got: %v", found["forge_instances_resolved_total"])
	}
	if found["forge_compiles_completed_total"] != 1 {
		t.Errorf("Expected 1 completed compile, got: %v", found["forge_compiles_completed_total"])
	}
	if found["forge_last_compile_success"] != 0 {
		t.Errorf("Expected last compile to be marked failed, got: %v", found["forge_last_compile_success"])
	}
}

func TestEventPublisherAsyncFlushesOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var got []string
	done := make(chan struct{})
	ep.Subscribe(func(e Event) {
		got = append(got, e.Type)
		if len(got) == 2 {
			close(done)
		}
	}, FilterByType(EventTypeCompileStarted, EventTypeCompileFailed))

	_ = ep.PublishCompileStarted("c-1", "a.yaml", "validate")
	_ = ep.PublishSourceChanged("a.yaml")
	_ = ep.PublishCompileFailed("c-1", "a.web", "boom")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for events")
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.Join(got, ",") != "compile.started,compile.failed" {
		t.Errorf("Unexpected events: %v", got)
	}
}

func TestNilPublisher(t *testing.T) {
	var ep *EventPublisher
	if err := ep.PublishCompileStarted("c", "u", "validate"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if EventsFromContext(context.Background()) != nil {
		t.Error("Expected no publisher in a bare context")
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "compile")
	if op.Span != nil {
		t.Error("Expected no span without telemetry in context")
	}
	op.End(nil)
}

func TestWriterLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("quiet")
	logger.WithCompileID("c-9").Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("Expected info to be filtered, got: %s", out)
	}
	if !strings.Contains(out, `"compile_id":"c-9"`) {
		t.Errorf("Expected compile_id field, got: %s", out)
	}
}
