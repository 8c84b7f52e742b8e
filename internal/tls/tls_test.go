package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSignedCert generates a throwaway ECDSA certificate for tests.
func writeSelfSignedCert(t *testing.T, certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "trace-governor-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		t.Fatalf("failed to create cert file: %v", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("failed to encode certificate: %v", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyOut, err := os.Create(keyFile)
	if err != nil {
		t.Fatalf("failed to create key file: %v", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		t.Fatalf("failed to encode key: %v", err)
	}
}

func TestServerConfigDisabled(t *testing.T) {
	tlsConfig, err := NewServerTLSConfig(ServerConfig{})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if tlsConfig != nil {
		t.Error("expected nil TLS config when disabled")
	}
}

func TestClientConfigDisabled(t *testing.T) {
	tlsConfig, err := NewClientTLSConfig(ClientConfig{})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if tlsConfig != nil {
		t.Error("expected nil TLS config when disabled")
	}
}

func TestServerConfigMissingCert(t *testing.T) {
	_, err := NewServerTLSConfig(ServerConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	})
	if err == nil {
		t.Error("expected error for missing certificate files")
	}
}

func TestServerConfigValidCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	writeSelfSignedCert(t, certFile, keyFile)

	tlsConfig, err := NewServerTLSConfig(ServerConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected min version TLS 1.2, got %d", tlsConfig.MinVersion)
	}
}

func TestServerConfigClientAuth(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	writeSelfSignedCert(t, certFile, keyFile)

	tlsConfig, err := NewServerTLSConfig(ServerConfig{
		Enabled:    true,
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     certFile,
		ClientAuth: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("expected RequireAndVerifyClientCert, got %v", tlsConfig.ClientAuth)
	}
	if tlsConfig.ClientCAs == nil {
		t.Error("expected client CA pool")
	}
}

func TestServerConfigClientAuthRequiresCA(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	writeSelfSignedCert(t, certFile, keyFile)

	_, err := NewServerTLSConfig(ServerConfig{
		Enabled:    true,
		CertFile:   certFile,
		KeyFile:    keyFile,
		ClientAuth: true,
	})
	if err == nil {
		t.Error("expected error when client auth has no CA file")
	}
}

func TestClientConfigValidCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "client.crt")
	keyFile := filepath.Join(dir, "client.key")
	writeSelfSignedCert(t, certFile, keyFile)

	tlsConfig, err := NewClientTLSConfig(ClientConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
		CAFile:   certFile,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(tlsConfig.Certificates))
	}
	if tlsConfig.RootCAs == nil {
		t.Error("expected root CA pool")
	}
}

func TestClientConfigMissingCA(t *testing.T) {
	_, err := NewClientTLSConfig(ClientConfig{
		Enabled: true,
		CAFile:  "/nonexistent/ca.pem",
	})
	if err == nil {
		t.Error("expected error for missing CA file")
	}
}

func TestClientConfigInsecureSkipVerify(t *testing.T) {
	tlsConfig, err := NewClientTLSConfig(ClientConfig{
		Enabled:            true,
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tlsConfig.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify to be true")
	}
}

func TestClientConfigServerName(t *testing.T) {
	tlsConfig, err := NewClientTLSConfig(ClientConfig{
		Enabled:    true,
		ServerName: "collector.internal",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig.ServerName != "collector.internal" {
		t.Errorf("unexpected server name: %s", tlsConfig.ServerName)
	}
}

func TestBadCAFile(t *testing.T) {
	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caFile, []byte("not a pem"), 0o600); err != nil {
		t.Fatalf("failed to write CA file: %v", err)
	}
	if _, err := NewClientTLSConfig(ClientConfig{Enabled: true, CAFile: caFile}); err == nil {
		t.Error("expected error for unparseable CA file")
	}
}
