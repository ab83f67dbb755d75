package certs

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Provider loads the certificate and private key from an S3 bucket, for
// deployments where key material lives in managed object storage instead of
// on local disk. Material is fetched once and cached.
type S3Provider struct {
	client        *s3.Client
	bucket        string
	certKey       string
	keyKey        string
	certificateID string

	mu   sync.Mutex
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewS3Provider creates a provider reading PEM objects from S3
func NewS3Provider(cfg *Config) (*S3Provider, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 certificate provider requires s3_bucket")
	}
	if cfg.S3CertKey == "" || cfg.S3KeyKey == "" {
		return nil, fmt.Errorf("s3 certificate provider requires s3_cert_key and s3_key_key")
	}

	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	ctx := context.Background()

	var awsCfg aws.Config
	var err error
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		)
	} else {
		// Default credentials chain (IAM role, environment variables, etc.)
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.S3Endpoint != "" {
		// Custom endpoint (for S3-compatible services)
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	log.Printf("S3 certificate provider initialized: bucket=%s", cfg.S3Bucket)

	return &S3Provider{
		client:        client,
		bucket:        cfg.S3Bucket,
		certKey:       cfg.S3CertKey,
		keyKey:        cfg.S3KeyKey,
		certificateID: cfg.CertificateID,
	}, nil
}

// EncryptionCertificate returns the public certificate
func (p *S3Provider) EncryptionCertificate(ctx context.Context) (*x509.Certificate, error) {
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return p.cert, nil
}

// DecryptionKey returns the private key
func (p *S3Provider) DecryptionKey(ctx context.Context) (*rsa.PrivateKey, error) {
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	return p.key, nil
}

// CertificateID returns the configured certificate identifier
func (p *S3Provider) CertificateID() string {
	return p.certificateID
}

func (p *S3Provider) load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cert != nil && p.key != nil {
		return nil
	}

	certData, err := p.fetch(ctx, p.certKey)
	if err != nil {
		return err
	}
	cert, err := parseCertificatePEM(certData)
	if err != nil {
		return fmt.Errorf("parsing certificate object %s: %w", p.certKey, err)
	}

	keyData, err := p.fetch(ctx, p.keyKey)
	if err != nil {
		return err
	}
	key, err := parsePrivateKeyPEM(keyData)
	if err != nil {
		return fmt.Errorf("parsing private key object %s: %w", p.keyKey, err)
	}

	p.cert = cert
	p.key = key
	return nil
}

func (p *S3Provider) fetch(ctx context.Context, key string) ([]byte, error) {
	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", p.bucket, key, err)
	}
	defer func() {
		if err := result.Body.Close(); err != nil {
			log.Printf("Error closing S3 object body: %v", err)
		}
	}()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", p.bucket, key, err)
	}
	return data, nil
}
