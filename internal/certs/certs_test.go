package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "monitor.local", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if leaf.Subject.CommonName != "tsmon" {
		t.Errorf("CommonName: got %q, want tsmon", leaf.Subject.CommonName)
	}
	if err := leaf.VerifyHostname("monitor.local"); err != nil {
		t.Errorf("VerifyHostname(monitor.local): %v", err)
	}
	if err := leaf.VerifyHostname("10.0.0.7"); err != nil {
		t.Errorf("VerifyHostname(10.0.0.7): %v", err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("VerifyHostname(localhost): %v", err)
	}

	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint does not match leaf")
	}
	if !cert.SelfSigned {
		t.Error("SelfSigned: got false")
	}
	if len(cert.FingerprintHex()) != 64 {
		t.Errorf("FingerprintHex length: got %d, want 64", len(cert.FingerprintHex()))
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if cfg := cert.TLSConfig(); len(cfg.Certificates) != 1 {
		t.Errorf("TLSConfig certificates: got %d, want 1", len(cfg.Certificates))
	}
}

func TestGenerateClampsValidity(t *testing.T) {
	t.Parallel()
	for _, v := range []time.Duration{0, -time.Hour, 30 * 24 * time.Hour} {
		cert, err := Generate(v)
		if err != nil {
			t.Fatalf("Generate(%v): %v", v, err)
		}
		leaf, _ := x509.ParseCertificate(cert.TLSCert.Certificate[0])
		if got := leaf.NotAfter.Sub(leaf.NotBefore); got > MaxSelfSignedValidity {
			t.Errorf("Generate(%v) validity: got %v, want <= %v", v, got, MaxSelfSignedValidity)
		}
	}
}

func TestGenerateUniqueSerials(t *testing.T) {
	t.Parallel()
	a, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint == b.Fingerprint {
		t.Error("two generated certificates share a fingerprint")
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: gen.TLSCert.Certificate[0]})
	keyDER, err := x509.MarshalPKCS8PrivateKey(gen.TLSCert.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(certFile, keyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint != gen.Fingerprint {
		t.Error("loaded fingerprint differs from generated")
	}
	if loaded.SelfSigned {
		t.Error("loaded certificate marked self-signed")
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter: got %v, want %v", loaded.NotAfter, gen.NotAfter)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	t.Parallel()
	if _, err := Load("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Error("expected error for missing files")
	}
}
