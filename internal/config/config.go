package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/szibis/trace-governor/internal/auth"
	"github.com/szibis/trace-governor/internal/backoff"
	"github.com/szibis/trace-governor/internal/breaker"
	"github.com/szibis/trace-governor/internal/buffer"
	"github.com/szibis/trace-governor/internal/cardinality"
	"github.com/szibis/trace-governor/internal/compression"
	"github.com/szibis/trace-governor/internal/exporter"
	"github.com/szibis/trace-governor/internal/stats"
	"github.com/szibis/trace-governor/internal/telemetry"
	tlspkg "github.com/szibis/trace-governor/internal/tls"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string {
	return version
}

// Config holds the application configuration.
type Config struct {
	// Receiver settings
	GRPCListenAddr string
	HTTPListenAddr string

	// Receiver TLS settings
	ReceiverTLSEnabled    bool
	ReceiverTLSCertFile   string
	ReceiverTLSKeyFile    string
	ReceiverTLSCAFile     string
	ReceiverTLSClientAuth bool

	// Receiver Auth settings
	ReceiverAuthEnabled       bool
	ReceiverAuthBearerToken   string
	ReceiverAuthBasicUsername string
	ReceiverAuthBasicPassword string

	// Exporter settings
	ExporterEndpoint    string
	ExporterProtocol    string
	ExporterInsecure    bool
	ExporterTimeout     time.Duration
	ExporterDefaultPath string

	// Exporter TLS settings
	ExporterTLSEnabled            bool
	ExporterTLSCertFile           string
	ExporterTLSKeyFile            string
	ExporterTLSCAFile             string
	ExporterTLSInsecureSkipVerify bool
	ExporterTLSServerName         string

	// Exporter Auth settings
	ExporterAuthBearerToken   string
	ExporterAuthBasicUsername string
	ExporterAuthBasicPassword string
	ExporterAuthHeaders       string

	// Exporter Compression settings
	ExporterCompression      string
	ExporterCompressionLevel int

	// Exporter HTTP client settings
	ExporterMaxIdleConns         int
	ExporterMaxIdleConnsPerHost  int
	ExporterMaxConnsPerHost      int
	ExporterIdleConnTimeout      time.Duration
	ExporterDisableKeepAlives    bool
	ExporterForceHTTP2           bool
	ExporterHTTP2ReadIdleTimeout time.Duration
	ExporterHTTP2PingTimeout     time.Duration

	// Circuit breaker settings
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	// Local buffer settings
	BufferMaxSize       int
	BufferMaxAge        time.Duration
	BufferSnapshotEvery int
	BufferSnapshotDir   string

	// Retry settings
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       bool
	RetryInterval     time.Duration
	CleanupInterval   time.Duration
	ExportCallTimeout time.Duration

	// Fallback sink settings
	FallbackDir            string
	FallbackFlushThreshold int
	FallbackCompression    string

	// Stats settings
	StatsAddr     string
	StatsInterval time.Duration

	// Cardinality tracking settings
	CardinalityExpectedItems uint
	CardinalityFPRate        float64
	CardinalityHLLThreshold  int64

	// Memory limit settings
	MemoryLimitRatio float64

	// Telemetry settings (OTLP self-monitoring)
	TelemetryEndpoint        string
	TelemetryProtocol        string
	TelemetryInsecure        bool
	TelemetryPushInterval    time.Duration
	TelemetryCompression     string
	TelemetryShutdownTimeout time.Duration

	// Flags
	ShowVersion bool
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		GRPCListenAddr: ":4317",
		HTTPListenAddr: ":4318",

		ExporterEndpoint:    "localhost:4317",
		ExporterProtocol:    "grpc",
		ExporterInsecure:    true,
		ExporterTimeout:     30 * time.Second,
		ExporterDefaultPath: "/v1/traces",

		ExporterCompression:      "none",
		ExporterCompressionLevel: 0,

		ExporterMaxIdleConns:        100,
		ExporterMaxIdleConnsPerHost: 100,
		ExporterIdleConnTimeout:     90 * time.Second,

		BreakerFailureThreshold: breaker.DefaultFailureThreshold,
		BreakerRecoveryTimeout:  breaker.DefaultRecoveryTimeout,

		BufferMaxSize:       buffer.DefaultMaxSize,
		BufferMaxAge:        buffer.DefaultMaxAge,
		BufferSnapshotEvery: buffer.DefaultSnapshotEvery,

		RetryMaxAttempts:  backoff.DefaultMaxRetries,
		RetryBaseDelay:    backoff.DefaultBaseDelay,
		RetryMaxDelay:     backoff.DefaultMaxDelay,
		RetryJitter:       true,
		RetryInterval:     exporter.DefaultRetryInterval,
		CleanupInterval:   exporter.DefaultCleanupInterval,
		ExportCallTimeout: exporter.DefaultTimeout,

		FallbackFlushThreshold: exporter.DefaultFallbackFlushThreshold,
		FallbackCompression:    "none",

		StatsAddr:     ":8888",
		StatsInterval: 30 * time.Second,

		CardinalityExpectedItems: 1_000_000,
		CardinalityFPRate:        0.01,
		CardinalityHLLThreshold:  500_000,

		MemoryLimitRatio: 0.9,

		TelemetryProtocol:        "grpc",
		TelemetryInsecure:        true,
		TelemetryPushInterval:    30 * time.Second,
		TelemetryShutdownTimeout: 5 * time.Second,
	}
}

// ParseFlags parses command line flags and returns the configuration.
// A -config YAML file is loaded first; flags set explicitly on the command
// line override it.
func ParseFlags() (*Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()

	var configFile string
	fs.StringVar(&configFile, "config", "", "Path to YAML configuration file")

	// Receiver flags
	fs.StringVar(&cfg.GRPCListenAddr, "grpc-listen", cfg.GRPCListenAddr, "gRPC receiver listen address")
	fs.StringVar(&cfg.HTTPListenAddr, "http-listen", cfg.HTTPListenAddr, "HTTP receiver listen address")

	// Receiver TLS flags
	fs.BoolVar(&cfg.ReceiverTLSEnabled, "receiver-tls-enabled", false, "Enable TLS for receivers")
	fs.StringVar(&cfg.ReceiverTLSCertFile, "receiver-tls-cert", "", "Path to receiver TLS certificate file")
	fs.StringVar(&cfg.ReceiverTLSKeyFile, "receiver-tls-key", "", "Path to receiver TLS private key file")
	fs.StringVar(&cfg.ReceiverTLSCAFile, "receiver-tls-ca", "", "Path to CA certificate for client verification (mTLS)")
	fs.BoolVar(&cfg.ReceiverTLSClientAuth, "receiver-tls-client-auth", false, "Require client certificates (mTLS)")

	// Receiver Auth flags
	fs.BoolVar(&cfg.ReceiverAuthEnabled, "receiver-auth-enabled", false, "Enable authentication for receivers")
	fs.StringVar(&cfg.ReceiverAuthBearerToken, "receiver-auth-bearer-token", "", "Bearer token for receiver authentication")
	fs.StringVar(&cfg.ReceiverAuthBasicUsername, "receiver-auth-basic-username", "", "Basic auth username for receivers")
	fs.StringVar(&cfg.ReceiverAuthBasicPassword, "receiver-auth-basic-password", "", "Basic auth password for receivers")

	// Exporter flags
	fs.StringVar(&cfg.ExporterEndpoint, "exporter-endpoint", cfg.ExporterEndpoint, "OTLP exporter endpoint (host:port or URL)")
	fs.StringVar(&cfg.ExporterProtocol, "exporter-protocol", cfg.ExporterProtocol, "Exporter protocol: grpc or http")
	fs.BoolVar(&cfg.ExporterInsecure, "exporter-insecure", cfg.ExporterInsecure, "Use insecure connection (no TLS) for exporter")
	fs.DurationVar(&cfg.ExporterTimeout, "exporter-timeout", cfg.ExporterTimeout, "Exporter request timeout")
	fs.StringVar(&cfg.ExporterDefaultPath, "exporter-default-path", cfg.ExporterDefaultPath, "Default HTTP path when endpoint has no path")

	// Exporter TLS flags
	fs.BoolVar(&cfg.ExporterTLSEnabled, "exporter-tls-enabled", false, "Enable custom TLS config for exporter")
	fs.StringVar(&cfg.ExporterTLSCertFile, "exporter-tls-cert", "", "Path to client certificate file (mTLS)")
	fs.StringVar(&cfg.ExporterTLSKeyFile, "exporter-tls-key", "", "Path to client private key file (mTLS)")
	fs.StringVar(&cfg.ExporterTLSCAFile, "exporter-tls-ca", "", "Path to CA certificate for server verification")
	fs.BoolVar(&cfg.ExporterTLSInsecureSkipVerify, "exporter-tls-skip-verify", false, "Skip server certificate verification")
	fs.StringVar(&cfg.ExporterTLSServerName, "exporter-tls-server-name", "", "Override server name for certificate verification")

	// Exporter Auth flags
	fs.StringVar(&cfg.ExporterAuthBearerToken, "exporter-auth-bearer-token", "", "Bearer token for exporter authentication")
	fs.StringVar(&cfg.ExporterAuthBasicUsername, "exporter-auth-basic-username", "", "Basic auth username for exporter")
	fs.StringVar(&cfg.ExporterAuthBasicPassword, "exporter-auth-basic-password", "", "Basic auth password for exporter")
	fs.StringVar(&cfg.ExporterAuthHeaders, "exporter-auth-headers", "", "Extra headers for exporter (key1=val1,key2=val2)")

	// Exporter compression flags
	fs.StringVar(&cfg.ExporterCompression, "exporter-compression", cfg.ExporterCompression, "Exporter compression: none, gzip, zstd, snappy")
	fs.IntVar(&cfg.ExporterCompressionLevel, "exporter-compression-level", cfg.ExporterCompressionLevel, "Compression level (0 = default)")

	// Exporter HTTP client flags
	fs.IntVar(&cfg.ExporterMaxIdleConns, "exporter-max-idle-conns", cfg.ExporterMaxIdleConns, "Max idle connections for HTTP exporter")
	fs.IntVar(&cfg.ExporterMaxIdleConnsPerHost, "exporter-max-idle-conns-per-host", cfg.ExporterMaxIdleConnsPerHost, "Max idle connections per host")
	fs.IntVar(&cfg.ExporterMaxConnsPerHost, "exporter-max-conns-per-host", 0, "Max connections per host (0 = unlimited)")
	fs.DurationVar(&cfg.ExporterIdleConnTimeout, "exporter-idle-conn-timeout", cfg.ExporterIdleConnTimeout, "Idle connection timeout")
	fs.BoolVar(&cfg.ExporterDisableKeepAlives, "exporter-disable-keep-alives", false, "Disable HTTP keep-alives")
	fs.BoolVar(&cfg.ExporterForceHTTP2, "exporter-force-http2", false, "Force HTTP/2 for the HTTP exporter")
	fs.DurationVar(&cfg.ExporterHTTP2ReadIdleTimeout, "exporter-http2-read-idle-timeout", 0, "HTTP/2 health check interval (0 = disabled)")
	fs.DurationVar(&cfg.ExporterHTTP2PingTimeout, "exporter-http2-ping-timeout", 0, "HTTP/2 ping timeout")

	// Circuit breaker flags
	fs.IntVar(&cfg.BreakerFailureThreshold, "breaker-failure-threshold", cfg.BreakerFailureThreshold, "Consecutive failures before the circuit opens")
	fs.DurationVar(&cfg.BreakerRecoveryTimeout, "breaker-recovery-timeout", cfg.BreakerRecoveryTimeout, "Time the circuit stays open before a probe")

	// Buffer flags
	fs.IntVar(&cfg.BufferMaxSize, "buffer-max-size", cfg.BufferMaxSize, "Max batches held in the local buffer")
	fs.DurationVar(&cfg.BufferMaxAge, "buffer-max-age", cfg.BufferMaxAge, "TTL for buffered batches")
	fs.IntVar(&cfg.BufferSnapshotEvery, "buffer-snapshot-every", cfg.BufferSnapshotEvery, "Snapshot the buffer every Nth insert")
	fs.StringVar(&cfg.BufferSnapshotDir, "buffer-snapshot-dir", "", "Directory for buffer snapshots (empty = disabled)")

	// Retry flags
	fs.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", cfg.RetryMaxAttempts, "Max retries after the initial export attempt")
	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", cfg.RetryBaseDelay, "Base delay before the first retry")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Cap on the exponential backoff delay")
	fs.BoolVar(&cfg.RetryJitter, "retry-jitter", cfg.RetryJitter, "Randomize backoff delays")
	fs.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "Background retry cadence for buffered batches")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "Expired buffered batch cleanup cadence")
	fs.DurationVar(&cfg.ExportCallTimeout, "export-call-timeout", cfg.ExportCallTimeout, "Hard bound on a single export call including retries")

	// Fallback flags
	fs.StringVar(&cfg.FallbackDir, "fallback-dir", "", "Directory for fallback batch files (empty = disabled)")
	fs.IntVar(&cfg.FallbackFlushThreshold, "fallback-flush-threshold", cfg.FallbackFlushThreshold, "Records accumulated before a fallback file flush")
	fs.StringVar(&cfg.FallbackCompression, "fallback-compression", cfg.FallbackCompression, "Fallback file compression: none, gzip, zstd, snappy")

	// Stats flags
	fs.StringVar(&cfg.StatsAddr, "stats-listen", cfg.StatsAddr, "Stats/metrics/health listen address")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Periodic stats logging interval")

	// Cardinality flags
	fs.UintVar(&cfg.CardinalityExpectedItems, "cardinality-expected-items", cfg.CardinalityExpectedItems, "Expected distinct traces per window")
	fs.Float64Var(&cfg.CardinalityFPRate, "cardinality-fp-rate", cfg.CardinalityFPRate, "Bloom filter false positive rate")
	fs.Int64Var(&cfg.CardinalityHLLThreshold, "cardinality-hll-threshold", cfg.CardinalityHLLThreshold, "Distinct count at which tracking degrades to HLL (0 = never)")

	// Memory flags
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of container memory for GOMEMLIMIT")

	// Telemetry flags
	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", "", "OTLP endpoint for self-telemetry (empty = disabled)")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "Self-telemetry protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use insecure connection for self-telemetry")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "Self-telemetry metric push interval")
	fs.StringVar(&cfg.TelemetryCompression, "telemetry-compression", "", "Self-telemetry compression: gzip or empty")
	fs.DurationVar(&cfg.TelemetryShutdownTimeout, "telemetry-shutdown-timeout", cfg.TelemetryShutdownTimeout, "Self-telemetry shutdown grace period")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configFile != "" {
		if err := loadYAML(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		// Re-parse so flags passed explicitly win over the file.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.BreakerFailureThreshold)
	}
	if c.BufferMaxSize <= 0 {
		return fmt.Errorf("buffer max size must be positive, got %d", c.BufferMaxSize)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must not be negative, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		return fmt.Errorf("retry base delay %s exceeds max delay %s", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.MemoryLimitRatio <= 0 || c.MemoryLimitRatio > 1 {
		return fmt.Errorf("memory limit ratio must be in (0, 1], got %v", c.MemoryLimitRatio)
	}
	if _, err := compression.ParseType(c.ExporterCompression); err != nil {
		return fmt.Errorf("invalid exporter compression: %w", err)
	}
	if _, err := compression.ParseType(c.FallbackCompression); err != nil {
		return fmt.Errorf("invalid fallback compression: %w", err)
	}
	switch c.ExporterProtocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid exporter protocol: %s", c.ExporterProtocol)
	}
	return nil
}

// ReceiverTLSConfig builds the receiver TLS configuration.
func (c *Config) ReceiverTLSConfig() tlspkg.ServerConfig {
	return tlspkg.ServerConfig{
		Enabled:    c.ReceiverTLSEnabled,
		CertFile:   c.ReceiverTLSCertFile,
		KeyFile:    c.ReceiverTLSKeyFile,
		CAFile:     c.ReceiverTLSCAFile,
		ClientAuth: c.ReceiverTLSClientAuth,
	}
}

// ReceiverAuthConfig builds the receiver auth configuration.
func (c *Config) ReceiverAuthConfig() auth.ServerConfig {
	return auth.ServerConfig{
		Enabled:           c.ReceiverAuthEnabled,
		BearerToken:       c.ReceiverAuthBearerToken,
		BasicAuthUsername: c.ReceiverAuthBasicUsername,
		BasicAuthPassword: c.ReceiverAuthBasicPassword,
	}
}

// ExporterTLSConfig builds the exporter TLS configuration.
func (c *Config) ExporterTLSConfig() tlspkg.ClientConfig {
	return tlspkg.ClientConfig{
		Enabled:            c.ExporterTLSEnabled,
		CertFile:           c.ExporterTLSCertFile,
		KeyFile:            c.ExporterTLSKeyFile,
		CAFile:             c.ExporterTLSCAFile,
		InsecureSkipVerify: c.ExporterTLSInsecureSkipVerify,
		ServerName:         c.ExporterTLSServerName,
	}
}

// ExporterAuthConfig builds the exporter auth configuration.
func (c *Config) ExporterAuthConfig() auth.ClientConfig {
	return auth.ClientConfig{
		BearerToken:       c.ExporterAuthBearerToken,
		BasicAuthUsername: c.ExporterAuthBasicUsername,
		BasicAuthPassword: c.ExporterAuthBasicPassword,
		Headers:           parseHeaders(c.ExporterAuthHeaders),
	}
}

// ExporterCompressionConfig builds the exporter compression configuration.
func (c *Config) ExporterCompressionConfig() compression.Config {
	t, _ := compression.ParseType(c.ExporterCompression)
	return compression.Config{Type: t, Level: c.ExporterCompressionLevel}
}

// ExporterConfig builds the OTLP exporter configuration.
func (c *Config) ExporterConfig() exporter.Config {
	return exporter.Config{
		Endpoint:    c.ExporterEndpoint,
		Protocol:    exporter.Protocol(c.ExporterProtocol),
		Insecure:    c.ExporterInsecure,
		Timeout:     c.ExporterTimeout,
		DefaultPath: c.ExporterDefaultPath,
		TLS:         c.ExporterTLSConfig(),
		Auth:        c.ExporterAuthConfig(),
		Compression: c.ExporterCompressionConfig(),
		HTTPClient: exporter.HTTPClientConfig{
			MaxIdleConns:         c.ExporterMaxIdleConns,
			MaxIdleConnsPerHost:  c.ExporterMaxIdleConnsPerHost,
			MaxConnsPerHost:      c.ExporterMaxConnsPerHost,
			IdleConnTimeout:      c.ExporterIdleConnTimeout,
			DisableKeepAlives:    c.ExporterDisableKeepAlives,
			ForceAttemptHTTP2:    c.ExporterForceHTTP2,
			HTTP2ReadIdleTimeout: c.ExporterHTTP2ReadIdleTimeout,
			HTTP2PingTimeout:     c.ExporterHTTP2PingTimeout,
		},
	}
}

// FallbackConfig builds the fallback sink configuration. The fallback sink is
// disabled when FallbackDir is empty.
func (c *Config) FallbackConfig() exporter.FallbackConfig {
	t, _ := compression.ParseType(c.FallbackCompression)
	return exporter.FallbackConfig{
		Dir:            c.FallbackDir,
		FlushThreshold: c.FallbackFlushThreshold,
		Compression:    compression.Config{Type: t},
	}
}

// NewBreaker builds the circuit breaker.
func (c *Config) NewBreaker() *breaker.Breaker {
	return breaker.New(c.BreakerFailureThreshold, c.BreakerRecoveryTimeout)
}

// NewBackoffPolicy builds the retry policy.
func (c *Config) NewBackoffPolicy() *backoff.Policy {
	return backoff.New(c.RetryMaxAttempts, c.RetryBaseDelay, c.RetryMaxDelay, c.RetryJitter)
}

// BufferConfig builds the local buffer configuration with the given snapshot
// store (nil disables persistence).
func (c *Config) BufferConfig(store buffer.SnapshotStore) buffer.Config {
	return buffer.Config{
		MaxSize:       c.BufferMaxSize,
		MaxAge:        c.BufferMaxAge,
		SnapshotEvery: c.BufferSnapshotEvery,
		Store:         store,
	}
}

// StatsConfig builds the stats collector configuration.
func (c *Config) StatsConfig() stats.Config {
	return stats.Config{
		Cardinality: cardinality.Config{
			ExpectedItems:     c.CardinalityExpectedItems,
			FalsePositiveRate: c.CardinalityFPRate,
		},
		HLLThreshold: c.CardinalityHLLThreshold,
	}
}

// TelemetryConfig builds the self-telemetry configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        c.TelemetryProtocol,
		Insecure:        c.TelemetryInsecure,
		PushInterval:    c.TelemetryPushInterval,
		Compression:     c.TelemetryCompression,
		ShutdownTimeout: c.TelemetryShutdownTimeout,
		RetryEnabled:    true,
	}
}

// parseHeaders parses "key1=val1,key2=val2" into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			headers[kv[0]] = kv[1]
		}
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}
