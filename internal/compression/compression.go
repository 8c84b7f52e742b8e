// Package compression provides payload compression for the OTLP HTTP paths
// and fallback batch files.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone means no compression.
	TypeNone Type = "none"
	// TypeGzip uses gzip compression.
	TypeGzip Type = "gzip"
	// TypeZstd uses zstd compression.
	TypeZstd Type = "zstd"
	// TypeSnappy uses snappy compression.
	TypeSnappy Type = "snappy"
)

// Config holds compression configuration.
type Config struct {
	// Type is the compression algorithm to use.
	Type Type
	// Level is the compression level (algorithm-specific, 0 = default).
	Level int
}

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "snappy":
		return TypeSnappy, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value for the type.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip:
		return "gzip"
	case TypeZstd:
		return "zstd"
	case TypeSnappy:
		return "snappy"
	default:
		return ""
	}
}

// ParseContentEncoding parses an HTTP Content-Encoding header value.
func ParseContentEncoding(encoding string) Type {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return TypeGzip
	case "zstd":
		return TypeZstd
	case "snappy", "x-snappy-framed":
		return TypeSnappy
	default:
		return TypeNone
	}
}

// Compress compresses data using the configured type and level.
func Compress(data []byte, cfg Config) ([]byte, error) {
	switch cfg.Type {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
		level := cfg.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case TypeZstd:
		level := zstd.SpeedDefault
		if cfg.Level > 0 {
			level = zstd.EncoderLevelFromZstd(cfg.Level)
		}
		w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		out := w.EncodeAll(data, nil)
		_ = w.Close()
		return out, nil
	case TypeSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
}

// Decompress reverses Compress for the given type.
func Decompress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return out, nil
	case TypeZstd:
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer r.Close()
		return r.DecodeAll(data, nil)
	case TypeSnappy:
		return snappy.Decode(nil, data)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
