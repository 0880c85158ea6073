package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert == nil {
		t.Fatal("certificate is nil")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") {
		t.Errorf("DNS SANs: %v does not contain localhost", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	expectedDuration := 365 * 24 * time.Hour
	if validDuration < expectedDuration-time.Hour || validDuration > expectedDuration+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, expectedDuration)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("issuer CN %q does not match subject CN %q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}
}

func TestGenerateSelfSignedCert_Hosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mail.node.example", "10.0.0.7", "mx.node.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "mail.node.example" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mail.node.example")
	}
	if !slices.Equal(leaf.DNSNames, []string{"mail.node.example", "mx.node.example"}) {
		t.Errorf("DNS SANs: got %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "10.0.0.7" {
		t.Errorf("IP SANs: got %v, want [10.0.0.7]", leaf.IPAddresses)
	}
	if err := leaf.VerifyHostname("mx.node.example"); err != nil {
		t.Errorf("VerifyHostname: %v", err)
	}
}

func TestLoadOrGenerateTLS_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := LoadOrGenerateTLS("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig == nil {
		t.Fatal("TLS config is nil")
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
}

func TestLoadOrGenerateTLS_Files(t *testing.T) {
	t.Parallel()

	certPEM, keyPEM, err := GenerateSelfSignedPEM("files.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	tlsConfig, err := LoadOrGenerateTLS(certFile, keyFile, "ignored.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(tlsConfig.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	if leaf.Subject.CommonName != "files.example" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "files.example")
	}
}

func TestLoadOrGenerateTLS_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "/nonexistent/key.pem")
	if err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}
