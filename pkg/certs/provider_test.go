package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestPEMs generates a self-signed certificate and writes cert/key PEM
// files into dir, returning their paths.
func writeTestPEMs(t *testing.T, dir string) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey failed: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "changerelay-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate failed: %v", err)
	}

	certPath := filepath.Join(dir, "cert.pem")
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certOut, 0600); err != nil {
		t.Fatalf("writing cert file failed: %v", err)
	}

	keyPath := filepath.Join(dir, "key.pem")
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyOut, 0600); err != nil {
		t.Fatalf("writing key file failed: %v", err)
	}

	return certPath, keyPath
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestPEMs(t, dir)

	provider, err := NewFileProvider(certPath, keyPath, "cert-1")
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}

	ctx := context.Background()
	cert, err := provider.EncryptionCertificate(ctx)
	if err != nil {
		t.Fatalf("EncryptionCertificate failed: %v", err)
	}
	if cert.Subject.CommonName != "changerelay-test" {
		t.Errorf("Unexpected certificate subject: %s", cert.Subject.CommonName)
	}

	key, err := provider.DecryptionKey(ctx)
	if err != nil {
		t.Fatalf("DecryptionKey failed: %v", err)
	}
	if key.PublicKey.N.Cmp(cert.PublicKey.(*rsa.PublicKey).N) != 0 {
		t.Error("Private key does not match the certificate public key")
	}

	if provider.CertificateID() != "cert-1" {
		t.Errorf("Expected certificate id cert-1, got %s", provider.CertificateID())
	}
}

func TestFileProviderMissingFiles(t *testing.T) {
	if _, err := NewFileProvider("", "", "cert-1"); err == nil {
		t.Error("Expected error for empty file paths")
	}

	provider, err := NewFileProvider("/nonexistent/cert.pem", "/nonexistent/key.pem", "cert-1")
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}
	if _, err := provider.EncryptionCertificate(context.Background()); err == nil {
		t.Error("Expected error for missing certificate file")
	}
}

func TestResolverChecksThumbprint(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestPEMs(t, dir)

	provider, err := NewFileProvider(certPath, keyPath, "cert-1")
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}

	cert, err := provider.EncryptionCertificate(context.Background())
	if err != nil {
		t.Fatalf("EncryptionCertificate failed: %v", err)
	}

	resolve := Resolver(provider)

	// Matching thumbprint resolves the key
	if _, err := resolve("cert-1", Thumbprint(cert)); err != nil {
		t.Errorf("Resolver failed for matching thumbprint: %v", err)
	}

	// Empty thumbprint skips the check
	if _, err := resolve("cert-1", ""); err != nil {
		t.Errorf("Resolver failed for empty thumbprint: %v", err)
	}

	// Unknown thumbprint must not resolve
	if _, err := resolve("cert-1", "DEADBEEF"); err == nil {
		t.Error("Expected resolver to reject unknown thumbprint")
	}
}

func TestNewProviderFactory(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestPEMs(t, dir)

	p, err := NewProvider(&Config{Type: "file", CertFile: certPath, KeyFile: keyPath, CertificateID: "cert-1"})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if _, ok := p.(*FileProvider); !ok {
		t.Errorf("Expected FileProvider, got %T", p)
	}

	if _, err := NewProvider(&Config{Type: "bogus"}); err == nil {
		t.Error("Expected error for unknown provider type")
	}

	if _, err := NewProvider(&Config{Type: "s3"}); err == nil {
		t.Error("Expected error for s3 provider without bucket")
	}
}
