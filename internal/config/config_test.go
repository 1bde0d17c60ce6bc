package config

import (
	"testing"
	"time"
)

func TestDefaultCarriesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Replication.BatchSize != 100 {
		t.Errorf("replication.batchSize = %d, want 100", cfg.Replication.BatchSize)
	}
	if cfg.Replication.BatchInterval != 50*time.Millisecond {
		t.Errorf("replication.batchIntervalMs = %s, want 50ms", cfg.Replication.BatchInterval)
	}
	if cfg.Replication.QueueSizeLimit != 10000 {
		t.Errorf("replication.queueSizeLimit = %d, want 10000", cfg.Replication.QueueSizeLimit)
	}
	if cfg.WriteAck.DefaultTimeout != 5*time.Second {
		t.Errorf("writeAck.defaultTimeout = %s, want 5s", cfg.WriteAck.DefaultTimeout)
	}
	if cfg.Processor.MaxExecutionsPerSecond != 100 {
		t.Errorf("processor.maxExecutionsPerSecond = %v, want 100", cfg.Processor.MaxExecutionsPerSecond)
	}
	if cfg.DebugEndpoints {
		t.Error("debugEndpoints must default to off")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
}

func TestParseOverlaysOntoDefaults(t *testing.T) {
	raw := []byte(`
routingMode: forward
replication:
  defaultConsistency: STRONG
  batchSize: 25
backpressure:
  maxPendingOps: 10
  strategy: throw
`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.RoutingMode != RoutingForward {
		t.Errorf("routingMode = %q, want forward", cfg.RoutingMode)
	}
	if cfg.Replication.DefaultConsistency != ConsistencyStrong {
		t.Errorf("defaultConsistency = %q, want STRONG", cfg.Replication.DefaultConsistency)
	}
	if cfg.Replication.BatchSize != 25 {
		t.Errorf("batchSize = %d, want 25", cfg.Replication.BatchSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Replication.MaxRetries != 3 {
		t.Errorf("maxRetries = %d, want default 3", cfg.Replication.MaxRetries)
	}
	if cfg.Backpressure.MaxPendingOps != 10 || cfg.Backpressure.Strategy != BackpressureThrow {
		t.Errorf("backpressure = %+v, want maxPendingOps=10 strategy=throw", cfg.Backpressure)
	}
}

func TestParseRejectsUnknownEnumValues(t *testing.T) {
	cases := []string{
		"routingMode: sideways",
		"routing:\n  fallbackMode: panic",
		"replication:\n  defaultConsistency: MOSTLY",
		"backpressure:\n  strategy: shrug",
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%q) accepted an undefined enum value", raw)
		}
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("routingMode: [unterminated")); err == nil {
		t.Fatal("expected a parse error for malformed yaml")
	}
}
