// Package tls builds crypto/tls configurations for the receiver (server side)
// and the primary export sink (client side).
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerConfig holds TLS settings for the receivers.
type ServerConfig struct {
	// Enabled enables TLS for the server.
	Enabled bool
	// CertFile is the path to the server certificate.
	CertFile string
	// KeyFile is the path to the server private key.
	KeyFile string
	// CAFile is the CA bundle used to verify client certificates (mTLS).
	CAFile string
	// ClientAuth requires and verifies client certificates.
	ClientAuth bool
}

// ClientConfig holds TLS settings for the export sink.
type ClientConfig struct {
	// Enabled enables TLS for the client.
	Enabled bool
	// CertFile is the path to the client certificate (mTLS).
	CertFile string
	// KeyFile is the path to the client private key (mTLS).
	KeyFile string
	// CAFile is the CA bundle used to verify the server certificate.
	CAFile string
	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool
	// ServerName overrides the expected server name.
	ServerName string
}

// NewServerTLSConfig builds a *tls.Config for receivers, or nil when disabled.
func NewServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientAuth {
		if cfg.CAFile == "" {
			return nil, fmt.Errorf("client auth requires a CA file")
		}
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

// NewClientTLSConfig builds a *tls.Config for the export sink, or nil when disabled.
func NewClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator-controlled escape hatch
		ServerName:         cfg.ServerName,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// loadCAPool reads a PEM bundle into a certificate pool.
func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}
