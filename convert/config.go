// Package convert is the orchestration layer: it accepts conversion
// requests, drives them through a compute backend, streams lifecycle events
// to the client, and runs the shared completion and cleanup routines.
package convert

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/docflow/backend"
	"github.com/hazyhaar/docflow/stream"
)

// Config holds all service configuration.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Backend    backend.Config      `yaml:"backend"`
	Storage    StorageConfig       `yaml:"storage"`
	Registry   RegistryConfig      `yaml:"registry"`
	Activation ActivationConfig    `yaml:"activation"`
	Poller     stream.PollerConfig `yaml:"poller"`
	Docstore   DocstoreConfig      `yaml:"docstore"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the object store. InternalBaseURL is the address
// local workers fetch objects from when it differs from the client-facing
// base; unset, both audiences share BaseURL.
type StorageConfig struct {
	// Type is "fs" or "s3".
	Type            string   `yaml:"type"`
	Root            string   `yaml:"root"`
	BaseURL         string   `yaml:"base_url"`
	InternalBaseURL string   `yaml:"internal_base_url"`
	S3              S3Config `yaml:"s3"`
}

// S3Config configures the shared bucket.
type S3Config struct {
	Bucket      string `yaml:"bucket"`
	KeyPrefix   string `yaml:"key_prefix"`
	PublicURL   string `yaml:"public_url"`
	InternalURL string `yaml:"internal_url"`
	Region      string `yaml:"region"`
}

// RegistryConfig selects the job-file registry.
type RegistryConfig struct {
	// Type is "memory" or "redis".
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the shared registry for multi-replica deployments.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ActivationConfig controls GPU worker model activation.
type ActivationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DocstoreConfig locates the documents database.
type DocstoreConfig struct {
	Path string `yaml:"path"`
}

func (c *Config) defaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8090"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "fs"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "data/objects"
	}
	if c.Storage.BaseURL == "" {
		c.Storage.BaseURL = "/files"
	}
	if c.Registry.Type == "" {
		c.Registry.Type = "memory"
	}
	if c.Registry.Redis.Addr == "" {
		c.Registry.Redis.Addr = "localhost:6379"
	}
	if c.Docstore.Path == "" {
		c.Docstore.Path = "data/documents.db"
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "fs":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Registry.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown registry type %q", c.Registry.Type)
	}
	return nil
}

// LoadConfigFile reads a YAML config file, applies defaults, and validates.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a runnable single-node configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}
