package certs

import (
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/changerelay/changerelay/pkg/crypto"
)

// Provider supplies the key material used for notification payload
// encryption: the public certificate attached to upstream create calls and
// the private key that decrypts incoming payloads.
type Provider interface {
	// EncryptionCertificate returns the public certificate the upstream
	// uses to wrap symmetric keys
	EncryptionCertificate(ctx context.Context) (*x509.Certificate, error)

	// DecryptionKey returns the private key matching the certificate
	DecryptionKey(ctx context.Context) (*rsa.PrivateKey, error)

	// CertificateID is the identifier sent upstream and echoed back in
	// encrypted envelopes
	CertificateID() string
}

// Config holds configuration for certificate provider backends
type Config struct {
	Type string `json:"type"` // "file" or "s3"

	// CertificateID identifies the certificate on upstream create calls
	CertificateID string `json:"certificate_id"`

	// File backend config
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`

	// S3 backend config
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3Region    string `json:"s3_region,omitempty"`
	S3CertKey   string `json:"s3_cert_key,omitempty"`
	S3KeyKey    string `json:"s3_key_key,omitempty"`
	S3Endpoint  string `json:"s3_endpoint,omitempty"`
	S3AccessKey string `json:"s3_access_key,omitempty"`
	S3SecretKey string `json:"s3_secret_key,omitempty"`
}

// Resolver adapts a provider into the decryptor's key resolver. The
// certificate id and thumbprint from the envelope are checked against the
// provider's material so a rotated certificate fails loudly instead of
// producing garbage plaintext.
func Resolver(p Provider) crypto.KeyResolver {
	return func(certificateID, thumbprint string) (*rsa.PrivateKey, error) {
		ctx := context.Background()
		if thumbprint != "" {
			cert, err := p.EncryptionCertificate(ctx)
			if err != nil {
				return nil, err
			}
			if !strings.EqualFold(Thumbprint(cert), thumbprint) {
				return nil, fmt.Errorf("no certificate with thumbprint %s", thumbprint)
			}
		}
		return p.DecryptionKey(ctx)
	}
}

// Thumbprint returns the uppercase hex SHA-1 digest of the certificate DER
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// parseCertificatePEM decodes the first CERTIFICATE block in data
func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
	return nil, fmt.Errorf("no certificate found in PEM data")
}

// parsePrivateKeyPEM decodes an RSA private key in PKCS#1 or PKCS#8 form
func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("private key is %T, want RSA", key)
			}
			return rsaKey, nil
		}
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}
