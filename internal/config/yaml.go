package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s", "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// YAMLConfig mirrors Config for file-based configuration. Pointer fields
// distinguish "unset" from zero values so a file only overrides the keys it
// sets.
type YAMLConfig struct {
	Receiver  *ReceiverYAMLConfig  `yaml:"receiver"`
	Exporter  *ExporterYAMLConfig  `yaml:"exporter"`
	Breaker   *BreakerYAMLConfig   `yaml:"circuit_breaker"`
	Buffer    *BufferYAMLConfig    `yaml:"buffer"`
	Retry     *RetryYAMLConfig     `yaml:"retry"`
	Fallback  *FallbackYAMLConfig  `yaml:"fallback"`
	Stats     *StatsYAMLConfig     `yaml:"stats"`
	Memory    *MemoryYAMLConfig    `yaml:"memory"`
	Telemetry *TelemetryYAMLConfig `yaml:"telemetry"`
}

// ReceiverYAMLConfig holds receiver settings.
type ReceiverYAMLConfig struct {
	GRPCListen string          `yaml:"grpc_listen"`
	HTTPListen string          `yaml:"http_listen"`
	TLS        *TLSYAMLConfig  `yaml:"tls"`
	Auth       *AuthYAMLConfig `yaml:"auth"`
}

// ExporterYAMLConfig holds exporter settings.
type ExporterYAMLConfig struct {
	Endpoint    string                 `yaml:"endpoint"`
	Protocol    string                 `yaml:"protocol"`
	Insecure    *bool                  `yaml:"insecure"`
	Timeout     Duration               `yaml:"timeout"`
	DefaultPath string                 `yaml:"default_path"`
	TLS         *TLSYAMLConfig         `yaml:"tls"`
	Auth        *AuthYAMLConfig        `yaml:"auth"`
	Compression *CompressionYAMLConfig `yaml:"compression"`
	HTTPClient  *HTTPClientYAMLConfig  `yaml:"http_client"`
}

// TLSYAMLConfig holds TLS settings shared by receiver and exporter sections.
type TLSYAMLConfig struct {
	Enabled            *bool  `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ClientAuth         *bool  `yaml:"client_auth"`
	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// AuthYAMLConfig holds auth settings shared by receiver and exporter sections.
type AuthYAMLConfig struct {
	Enabled       *bool             `yaml:"enabled"`
	BearerToken   string            `yaml:"bearer_token"`
	BasicUsername string            `yaml:"basic_username"`
	BasicPassword string            `yaml:"basic_password"`
	Headers       map[string]string `yaml:"headers"`
}

// CompressionYAMLConfig holds compression settings.
type CompressionYAMLConfig struct {
	Type  string `yaml:"type"`
	Level *int   `yaml:"level"`
}

// HTTPClientYAMLConfig holds HTTP connection pool settings.
type HTTPClientYAMLConfig struct {
	MaxIdleConns         *int     `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  *int     `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost      *int     `yaml:"max_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	DisableKeepAlives    *bool    `yaml:"disable_keep_alives"`
	ForceHTTP2           *bool    `yaml:"force_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// BreakerYAMLConfig holds circuit breaker settings.
type BreakerYAMLConfig struct {
	FailureThreshold *int     `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

// BufferYAMLConfig holds local buffer settings.
type BufferYAMLConfig struct {
	MaxSize       *int     `yaml:"max_size"`
	MaxAge        Duration `yaml:"max_age"`
	SnapshotEvery *int     `yaml:"snapshot_every"`
	SnapshotDir   string   `yaml:"snapshot_dir"`
}

// RetryYAMLConfig holds retry settings.
type RetryYAMLConfig struct {
	MaxAttempts       *int     `yaml:"max_attempts"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	Jitter            *bool    `yaml:"jitter"`
	Interval          Duration `yaml:"interval"`
	CleanupInterval   Duration `yaml:"cleanup_interval"`
	ExportCallTimeout Duration `yaml:"export_call_timeout"`
}

// FallbackYAMLConfig holds fallback sink settings.
type FallbackYAMLConfig struct {
	Dir            string `yaml:"dir"`
	FlushThreshold *int   `yaml:"flush_threshold"`
	Compression    string `yaml:"compression"`
}

// StatsYAMLConfig holds stats settings.
type StatsYAMLConfig struct {
	Listen        string   `yaml:"listen"`
	Interval      Duration `yaml:"interval"`
	ExpectedItems *uint    `yaml:"cardinality_expected_items"`
	FPRate        *float64 `yaml:"cardinality_fp_rate"`
	HLLThreshold  *int64   `yaml:"cardinality_hll_threshold"`
}

// MemoryYAMLConfig holds memory limit settings.
type MemoryYAMLConfig struct {
	LimitRatio *float64 `yaml:"limit_ratio"`
}

// TelemetryYAMLConfig holds self-telemetry settings.
type TelemetryYAMLConfig struct {
	Endpoint        string   `yaml:"endpoint"`
	Protocol        string   `yaml:"protocol"`
	Insecure        *bool    `yaml:"insecure"`
	PushInterval    Duration `yaml:"push_interval"`
	Compression     string   `yaml:"compression"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// loadYAML reads a YAML config file and applies the keys it sets onto cfg.
func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var yc YAMLConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	yc.apply(cfg)
	return nil
}

func (y *YAMLConfig) apply(cfg *Config) {
	if r := y.Receiver; r != nil {
		setString(&cfg.GRPCListenAddr, r.GRPCListen)
		setString(&cfg.HTTPListenAddr, r.HTTPListen)
		if t := r.TLS; t != nil {
			setBool(&cfg.ReceiverTLSEnabled, t.Enabled)
			setString(&cfg.ReceiverTLSCertFile, t.CertFile)
			setString(&cfg.ReceiverTLSKeyFile, t.KeyFile)
			setString(&cfg.ReceiverTLSCAFile, t.CAFile)
			setBool(&cfg.ReceiverTLSClientAuth, t.ClientAuth)
		}
		if a := r.Auth; a != nil {
			setBool(&cfg.ReceiverAuthEnabled, a.Enabled)
			setString(&cfg.ReceiverAuthBearerToken, a.BearerToken)
			setString(&cfg.ReceiverAuthBasicUsername, a.BasicUsername)
			setString(&cfg.ReceiverAuthBasicPassword, a.BasicPassword)
		}
	}
	if e := y.Exporter; e != nil {
		setString(&cfg.ExporterEndpoint, e.Endpoint)
		setString(&cfg.ExporterProtocol, e.Protocol)
		setBool(&cfg.ExporterInsecure, e.Insecure)
		setDuration(&cfg.ExporterTimeout, e.Timeout)
		setString(&cfg.ExporterDefaultPath, e.DefaultPath)
		if t := e.TLS; t != nil {
			setBool(&cfg.ExporterTLSEnabled, t.Enabled)
			setString(&cfg.ExporterTLSCertFile, t.CertFile)
			setString(&cfg.ExporterTLSKeyFile, t.KeyFile)
			setString(&cfg.ExporterTLSCAFile, t.CAFile)
			setBool(&cfg.ExporterTLSInsecureSkipVerify, t.InsecureSkipVerify)
			setString(&cfg.ExporterTLSServerName, t.ServerName)
		}
		if a := e.Auth; a != nil {
			setString(&cfg.ExporterAuthBearerToken, a.BearerToken)
			setString(&cfg.ExporterAuthBasicUsername, a.BasicUsername)
			setString(&cfg.ExporterAuthBasicPassword, a.BasicPassword)
			if len(a.Headers) > 0 {
				cfg.ExporterAuthHeaders = joinHeaders(a.Headers)
			}
		}
		if c := e.Compression; c != nil {
			setString(&cfg.ExporterCompression, c.Type)
			setInt(&cfg.ExporterCompressionLevel, c.Level)
		}
		if h := e.HTTPClient; h != nil {
			setInt(&cfg.ExporterMaxIdleConns, h.MaxIdleConns)
			setInt(&cfg.ExporterMaxIdleConnsPerHost, h.MaxIdleConnsPerHost)
			setInt(&cfg.ExporterMaxConnsPerHost, h.MaxConnsPerHost)
			setDuration(&cfg.ExporterIdleConnTimeout, h.IdleConnTimeout)
			setBool(&cfg.ExporterDisableKeepAlives, h.DisableKeepAlives)
			setBool(&cfg.ExporterForceHTTP2, h.ForceHTTP2)
			setDuration(&cfg.ExporterHTTP2ReadIdleTimeout, h.HTTP2ReadIdleTimeout)
			setDuration(&cfg.ExporterHTTP2PingTimeout, h.HTTP2PingTimeout)
		}
	}
	if b := y.Breaker; b != nil {
		setInt(&cfg.BreakerFailureThreshold, b.FailureThreshold)
		setDuration(&cfg.BreakerRecoveryTimeout, b.RecoveryTimeout)
	}
	if b := y.Buffer; b != nil {
		setInt(&cfg.BufferMaxSize, b.MaxSize)
		setDuration(&cfg.BufferMaxAge, b.MaxAge)
		setInt(&cfg.BufferSnapshotEvery, b.SnapshotEvery)
		setString(&cfg.BufferSnapshotDir, b.SnapshotDir)
	}
	if r := y.Retry; r != nil {
		setInt(&cfg.RetryMaxAttempts, r.MaxAttempts)
		setDuration(&cfg.RetryBaseDelay, r.BaseDelay)
		setDuration(&cfg.RetryMaxDelay, r.MaxDelay)
		setBool(&cfg.RetryJitter, r.Jitter)
		setDuration(&cfg.RetryInterval, r.Interval)
		setDuration(&cfg.CleanupInterval, r.CleanupInterval)
		setDuration(&cfg.ExportCallTimeout, r.ExportCallTimeout)
	}
	if f := y.Fallback; f != nil {
		setString(&cfg.FallbackDir, f.Dir)
		setInt(&cfg.FallbackFlushThreshold, f.FlushThreshold)
		setString(&cfg.FallbackCompression, f.Compression)
	}
	if s := y.Stats; s != nil {
		setString(&cfg.StatsAddr, s.Listen)
		setDuration(&cfg.StatsInterval, s.Interval)
		if s.ExpectedItems != nil {
			cfg.CardinalityExpectedItems = *s.ExpectedItems
		}
		if s.FPRate != nil {
			cfg.CardinalityFPRate = *s.FPRate
		}
		if s.HLLThreshold != nil {
			cfg.CardinalityHLLThreshold = *s.HLLThreshold
		}
	}
	if m := y.Memory; m != nil {
		if m.LimitRatio != nil {
			cfg.MemoryLimitRatio = *m.LimitRatio
		}
	}
	if t := y.Telemetry; t != nil {
		setString(&cfg.TelemetryEndpoint, t.Endpoint)
		setString(&cfg.TelemetryProtocol, t.Protocol)
		setBool(&cfg.TelemetryInsecure, t.Insecure)
		setDuration(&cfg.TelemetryPushInterval, t.PushInterval)
		setString(&cfg.TelemetryCompression, t.Compression)
		setDuration(&cfg.TelemetryShutdownTimeout, t.ShutdownTimeout)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}

func joinHeaders(headers map[string]string) string {
	s := ""
	for k, v := range headers {
		if s != "" {
			s += ","
		}
		s += k + "=" + v
	}
	return s
}
