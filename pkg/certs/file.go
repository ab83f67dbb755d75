package certs

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
)

// FileProvider loads the certificate and private key from local PEM files.
// The material is read once and cached for the lifetime of the provider.
type FileProvider struct {
	certFile      string
	keyFile       string
	certificateID string

	mu   sync.Mutex
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewFileProvider creates a provider reading PEM files from disk
func NewFileProvider(certFile, keyFile, certificateID string) (*FileProvider, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("file certificate provider requires cert_file and key_file")
	}
	return &FileProvider{
		certFile:      certFile,
		keyFile:       keyFile,
		certificateID: certificateID,
	}, nil
}

// EncryptionCertificate returns the public certificate
func (p *FileProvider) EncryptionCertificate(_ context.Context) (*x509.Certificate, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	return p.cert, nil
}

// DecryptionKey returns the private key
func (p *FileProvider) DecryptionKey(_ context.Context) (*rsa.PrivateKey, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	return p.key, nil
}

// CertificateID returns the configured certificate identifier
func (p *FileProvider) CertificateID() string {
	return p.certificateID
}

func (p *FileProvider) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cert != nil && p.key != nil {
		return nil
	}

	certData, err := os.ReadFile(p.certFile)
	if err != nil {
		return fmt.Errorf("reading certificate %s: %w", p.certFile, err)
	}
	cert, err := parseCertificatePEM(certData)
	if err != nil {
		return fmt.Errorf("parsing certificate %s: %w", p.certFile, err)
	}

	keyData, err := os.ReadFile(p.keyFile)
	if err != nil {
		return fmt.Errorf("reading private key %s: %w", p.keyFile, err)
	}
	key, err := parsePrivateKeyPEM(keyData)
	if err != nil {
		return fmt.Errorf("parsing private key %s: %w", p.keyFile, err)
	}

	p.cert = cert
	p.key = key
	return nil
}
