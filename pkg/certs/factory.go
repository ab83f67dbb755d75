package certs

import (
	"fmt"
)

// NewProvider creates a certificate provider based on the configuration
func NewProvider(config *Config) (Provider, error) {
	switch config.Type {
	case "file", "":
		return NewFileProvider(config.CertFile, config.KeyFile, config.CertificateID)

	case "s3":
		return NewS3Provider(config)

	default:
		return nil, fmt.Errorf("unknown certificate provider type: %s", config.Type)
	}
}
