package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func parseArgs(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parse(fs, args)
}

func TestDefaults(t *testing.T) {
	cfg, err := parseArgs(t)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.GRPCListenAddr != ":4317" {
		t.Errorf("expected gRPC listen :4317, got %s", cfg.GRPCListenAddr)
	}
	if cfg.HTTPListenAddr != ":4318" {
		t.Errorf("expected HTTP listen :4318, got %s", cfg.HTTPListenAddr)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Errorf("expected breaker threshold 5, got %d", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerRecoveryTimeout != 60*time.Second {
		t.Errorf("expected breaker recovery 60s, got %s", cfg.BreakerRecoveryTimeout)
	}
	if cfg.BufferMaxSize != 10000 {
		t.Errorf("expected buffer max size 10000, got %d", cfg.BufferMaxSize)
	}
	if cfg.BufferMaxAge != 5*time.Minute {
		t.Errorf("expected buffer max age 5m, got %s", cfg.BufferMaxAge)
	}
	if cfg.RetryMaxAttempts != 5 {
		t.Errorf("expected 5 retry attempts, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("expected base delay 1s, got %s", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != 60*time.Second {
		t.Errorf("expected max delay 60s, got %s", cfg.RetryMaxDelay)
	}
	if !cfg.RetryJitter {
		t.Error("expected jitter enabled by default")
	}
	if cfg.ExportCallTimeout != 30*time.Second {
		t.Errorf("expected export call timeout 30s, got %s", cfg.ExportCallTimeout)
	}
	if cfg.ExporterDefaultPath != "/v1/traces" {
		t.Errorf("expected default path /v1/traces, got %s", cfg.ExporterDefaultPath)
	}
	if cfg.FallbackFlushThreshold != 100 {
		t.Errorf("expected fallback flush threshold 100, got %d", cfg.FallbackFlushThreshold)
	}
}

func TestFlagOverrides(t *testing.T) {
	cfg, err := parseArgs(t,
		"-exporter-endpoint", "collector:4317",
		"-exporter-protocol", "http",
		"-breaker-failure-threshold", "3",
		"-buffer-max-size", "500",
		"-retry-jitter=false",
	)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.ExporterEndpoint != "collector:4317" {
		t.Errorf("unexpected endpoint: %s", cfg.ExporterEndpoint)
	}
	if cfg.ExporterProtocol != "http" {
		t.Errorf("unexpected protocol: %s", cfg.ExporterProtocol)
	}
	if cfg.BreakerFailureThreshold != 3 {
		t.Errorf("unexpected threshold: %d", cfg.BreakerFailureThreshold)
	}
	if cfg.BufferMaxSize != 500 {
		t.Errorf("unexpected buffer size: %d", cfg.BufferMaxSize)
	}
	if cfg.RetryJitter {
		t.Error("expected jitter disabled")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"zero breaker threshold", []string{"-breaker-failure-threshold", "0"}},
		{"negative buffer size", []string{"-buffer-max-size", "-1"}},
		{"negative retry attempts", []string{"-retry-max-attempts", "-1"}},
		{"base delay above max", []string{"-retry-base-delay", "2m", "-retry-max-delay", "1m"}},
		{"bad protocol", []string{"-exporter-protocol", "udp"}},
		{"bad compression", []string{"-exporter-compression", "brotli"}},
		{"bad memory ratio", []string{"-memory-limit-ratio", "1.5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseArgs(t, tc.args...); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
receiver:
  grpc_listen: ":14317"
  http_listen: ":14318"
  auth:
    enabled: true
    bearer_token: "secret"
exporter:
  endpoint: "collector:4317"
  protocol: "http"
  timeout: "10s"
  compression:
    type: "zstd"
circuit_breaker:
  failure_threshold: 7
  recovery_timeout: "90s"
buffer:
  max_size: 2000
  max_age: "10m"
  snapshot_every: 50
  snapshot_dir: "/var/lib/trace-governor/snapshots"
retry:
  max_attempts: 2
  base_delay: "500ms"
  jitter: false
  interval: "15s"
fallback:
  dir: "/var/lib/trace-governor/fallback"
  flush_threshold: 25
  compression: "gzip"
stats:
  interval: "5s"
  cardinality_hll_threshold: 100000
telemetry:
  endpoint: "otel-collector:4317"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := parseArgs(t, "-config", path)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.GRPCListenAddr != ":14317" {
		t.Errorf("unexpected gRPC listen: %s", cfg.GRPCListenAddr)
	}
	if !cfg.ReceiverAuthEnabled || cfg.ReceiverAuthBearerToken != "secret" {
		t.Errorf("receiver auth not applied: %+v", cfg)
	}
	if cfg.ExporterProtocol != "http" || cfg.ExporterTimeout != 10*time.Second {
		t.Errorf("exporter settings not applied: %s %s", cfg.ExporterProtocol, cfg.ExporterTimeout)
	}
	if cfg.ExporterCompression != "zstd" {
		t.Errorf("unexpected compression: %s", cfg.ExporterCompression)
	}
	if cfg.BreakerFailureThreshold != 7 || cfg.BreakerRecoveryTimeout != 90*time.Second {
		t.Errorf("breaker settings not applied: %d %s", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout)
	}
	if cfg.BufferMaxSize != 2000 || cfg.BufferMaxAge != 10*time.Minute || cfg.BufferSnapshotEvery != 50 {
		t.Errorf("buffer settings not applied: %+v", cfg)
	}
	if cfg.RetryMaxAttempts != 2 || cfg.RetryBaseDelay != 500*time.Millisecond || cfg.RetryJitter {
		t.Errorf("retry settings not applied: %+v", cfg)
	}
	if cfg.RetryInterval != 15*time.Second {
		t.Errorf("unexpected retry interval: %s", cfg.RetryInterval)
	}
	if cfg.FallbackDir != "/var/lib/trace-governor/fallback" || cfg.FallbackFlushThreshold != 25 {
		t.Errorf("fallback settings not applied: %+v", cfg)
	}
	if cfg.CardinalityHLLThreshold != 100000 {
		t.Errorf("unexpected HLL threshold: %d", cfg.CardinalityHLLThreshold)
	}
	if cfg.TelemetryEndpoint != "otel-collector:4317" {
		t.Errorf("telemetry endpoint not applied: %s", cfg.TelemetryEndpoint)
	}
	// Keys the file does not set keep their defaults.
	if cfg.HTTPListenAddr != ":14318" {
		t.Errorf("unexpected HTTP listen: %s", cfg.HTTPListenAddr)
	}
	if cfg.StatsAddr != ":8888" {
		t.Errorf("unexpected stats addr: %s", cfg.StatsAddr)
	}
}

func TestFlagBeatsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "circuit_breaker:\n  failure_threshold: 7\nbuffer:\n  max_size: 2000\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := parseArgs(t, "-config", path, "-breaker-failure-threshold", "9")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.BreakerFailureThreshold != 9 {
		t.Errorf("expected flag to win, got %d", cfg.BreakerFailureThreshold)
	}
	if cfg.BufferMaxSize != 2000 {
		t.Errorf("expected file value for unset flag, got %d", cfg.BufferMaxSize)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := parseArgs(t, "-config", "/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("receiver: ["), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	if _, err := parseArgs(t, "-config", path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestParseHeaders(t *testing.T) {
	cases := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1,b=2", map[string]string{"a": "1", "b": "2"}},
		{"a=1, b=2", map[string]string{"a": "1", "b": "2"}},
		{"X-Api-Key=k=v", map[string]string{"X-Api-Key": "k=v"}},
		{"novalue", nil},
	}
	for _, tc := range cases {
		got := parseHeaders(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("parseHeaders(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Errorf("parseHeaders(%q)[%s] = %q, want %q", tc.in, k, got[k], v)
			}
		}
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg, err := parseArgs(t,
		"-exporter-endpoint", "collector:4318",
		"-exporter-protocol", "http",
		"-exporter-compression", "gzip",
		"-exporter-auth-headers", "X-Scope-OrgID=tenant-a",
		"-fallback-dir", "/tmp/fallback",
	)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ec := cfg.ExporterConfig()
	if ec.Endpoint != "collector:4318" || string(ec.Protocol) != "http" {
		t.Errorf("unexpected exporter config: %+v", ec)
	}
	if ec.Auth.Headers["X-Scope-OrgID"] != "tenant-a" {
		t.Errorf("unexpected auth headers: %v", ec.Auth.Headers)
	}
	if ec.Compression.Type.ContentEncoding() != "gzip" {
		t.Errorf("unexpected compression: %v", ec.Compression)
	}

	fc := cfg.FallbackConfig()
	if fc.Dir != "/tmp/fallback" || fc.FlushThreshold != 100 {
		t.Errorf("unexpected fallback config: %+v", fc)
	}

	b := cfg.NewBreaker()
	if b == nil {
		t.Fatal("expected breaker")
	}
	p := cfg.NewBackoffPolicy()
	if p == nil {
		t.Fatal("expected backoff policy")
	}

	bc := cfg.BufferConfig(nil)
	if bc.MaxSize != 10000 || bc.Store != nil {
		t.Errorf("unexpected buffer config: %+v", bc)
	}
}
