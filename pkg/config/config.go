package config

import (
	"encoding/json"
	"log"
	"os"

	"github.com/changerelay/changerelay/pkg/auth"
	"github.com/changerelay/changerelay/pkg/broker"
	"github.com/changerelay/changerelay/pkg/cache"
	"github.com/changerelay/changerelay/pkg/certs"
	"github.com/changerelay/changerelay/pkg/history"
	"github.com/changerelay/changerelay/pkg/upstream"
)

// Config represents the relay configuration
type Config struct {
	// Host is the listen address (default all interfaces)
	Host string `json:"host" mapstructure:"host"`
	// Port is the listen port for the HTTP surface
	Port int `json:"port" mapstructure:"port"`

	Cache    cache.Config         `json:"cache" mapstructure:"cache"`
	Certs    certs.Config         `json:"certs" mapstructure:"certs"`
	Auth     auth.Config          `json:"auth" mapstructure:"auth"`
	Upstream upstream.Config      `json:"upstream" mapstructure:"upstream"`
	WebPush  broker.WebPushConfig `json:"web_push" mapstructure:"web_push"`
	History  history.Config       `json:"history" mapstructure:"history"`
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Failed to close config file: %v", err)
		}
	}()

	config := DefaultConfig()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	config.applyEnvOverrides()
	return config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	config := &Config{
		Port: 8080,
	}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Cache.Type == "" {
		c.Cache.Type = "memory"
	}
	if c.History.Dir == "" {
		c.History.Dir = "./data/history"
	}
	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = 1000
	}
	if c.History.RotateSchedule == "" {
		c.History.RotateSchedule = "@hourly"
	}
}

// applyEnvOverrides lets deployment environments inject secrets without
// writing them into the config file
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CHANGERELAY_REDIS_ADDR"); addr != "" {
		c.Cache.Type = "redis"
		c.Cache.RedisAddr = addr
	}
	if password := os.Getenv("CHANGERELAY_REDIS_PASSWORD"); password != "" {
		c.Cache.RedisPassword = password
	}
	if secret := os.Getenv("CHANGERELAY_AUTH_SECRET"); secret != "" {
		c.Auth.Secret = secret
	}
	if key := os.Getenv("VAPID_PUBLIC_KEY"); key != "" {
		c.WebPush.VAPIDPublicKey = key
	}
	if key := os.Getenv("VAPID_PRIVATE_KEY"); key != "" {
		c.WebPush.VAPIDPrivateKey = key
	}
	if email := os.Getenv("VAPID_CONTACT_EMAIL"); email != "" {
		c.WebPush.ContactEmail = email
	}
	if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" && c.Certs.S3AccessKey == "" {
		c.Certs.S3AccessKey = accessKey
		c.Certs.S3SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
}
