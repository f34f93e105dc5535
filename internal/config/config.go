package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend selects the object storage implementation
type StorageBackend string

const (
	StorageS3    StorageBackend = "s3"
	StorageMinio StorageBackend = "minio"
)

// Config represents the complete sitesyncd configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Sync     SyncConfig     `yaml:"sync"`
	GitHub   GitHubConfig   `yaml:"github"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	PublicURL  string `yaml:"public_url"`
}

// DatabaseConfig configures the metadata database
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig configures the object store holding site content
type StorageConfig struct {
	Backend       StorageBackend `yaml:"backend"`
	Bucket        string         `yaml:"bucket"`
	Region        string         `yaml:"region"`
	Endpoint      string         `yaml:"endpoint"`
	UsePathStyle  bool           `yaml:"use_path_style"`
	Insecure      bool           `yaml:"insecure"`
	AccessKeyFile string         `yaml:"access_key_file"`
	SecretKeyFile string         `yaml:"secret_key_file"`
	PresignTTL    time.Duration  `yaml:"presign_ttl"`
}

// SyncConfig bounds manifests and per-request fan-out
type SyncConfig struct {
	MaxFiles     int   `yaml:"max_files"`
	MaxFileSize  int64 `yaml:"max_file_size"`
	MaxTotalSize int64 `yaml:"max_total_size"`
	Concurrency  int   `yaml:"concurrency"`
}

// GitHubConfig configures the GitHub App used for webhook-driven re-syncs
type GitHubConfig struct {
	Enabled           bool          `yaml:"enabled"`
	AppID             int64         `yaml:"app_id"`
	PrivateKeyFile    string        `yaml:"private_key_file"`
	WebhookSecretFile string        `yaml:"webhook_secret_file"`
	APIURL            string        `yaml:"api_url"`
	AllowedEventTypes []string      `yaml:"allowed_event_types"`
	AllowedRefs       []string      `yaml:"allowed_refs"`
	Debounce          time.Duration `yaml:"debounce"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// IngestConfig connects the external content-processing pipeline
type IngestConfig struct {
	NotifyURL         string `yaml:"notify_url"`
	CallbackTokenFile string `yaml:"callback_token_file"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Server.ListenAddr = os.ExpandEnv(c.Server.ListenAddr)
	c.Server.PublicURL = os.ExpandEnv(c.Server.PublicURL)
	c.Database.Path = os.ExpandEnv(c.Database.Path)
	c.Storage.Bucket = os.ExpandEnv(c.Storage.Bucket)
	c.Storage.Region = os.ExpandEnv(c.Storage.Region)
	c.Storage.Endpoint = os.ExpandEnv(c.Storage.Endpoint)
	c.Storage.AccessKeyFile = os.ExpandEnv(c.Storage.AccessKeyFile)
	c.Storage.SecretKeyFile = os.ExpandEnv(c.Storage.SecretKeyFile)
	c.GitHub.PrivateKeyFile = os.ExpandEnv(c.GitHub.PrivateKeyFile)
	c.GitHub.WebhookSecretFile = os.ExpandEnv(c.GitHub.WebhookSecretFile)
	c.GitHub.APIURL = os.ExpandEnv(c.GitHub.APIURL)
	c.Ingest.NotifyURL = os.ExpandEnv(c.Ingest.NotifyURL)
	c.Ingest.CallbackTokenFile = os.ExpandEnv(c.Ingest.CallbackTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageS3
	}
	if c.Storage.PresignTTL == 0 {
		c.Storage.PresignTTL = time.Hour
	}
	if c.Sync.MaxFiles == 0 {
		c.Sync.MaxFiles = 1000
	}
	if c.Sync.MaxFileSize == 0 {
		c.Sync.MaxFileSize = 100 << 20
	}
	if c.Sync.MaxTotalSize == 0 {
		c.Sync.MaxTotalSize = 500 << 20
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 16
	}
	if c.GitHub.Debounce == 0 {
		c.GitHub.Debounce = 2 * time.Second
	}
	if c.GitHub.RequestsPerSecond == 0 {
		c.GitHub.RequestsPerSecond = 10
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if !filepath.IsAbs(c.Database.Path) {
		return fmt.Errorf("database.path must be an absolute path: %s", c.Database.Path)
	}

	// Validate storage
	switch c.Storage.Backend {
	case StorageS3, StorageMinio:
		// valid
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be s3 or minio)", c.Storage.Backend)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if (c.Storage.AccessKeyFile == "") != (c.Storage.SecretKeyFile == "") {
		return fmt.Errorf("storage: access_key_file and secret_key_file must be set together")
	}
	if c.Storage.Backend == StorageMinio {
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage.endpoint is required for the minio backend")
		}
		if c.Storage.AccessKeyFile == "" {
			return fmt.Errorf("storage.access_key_file is required for the minio backend")
		}
		if strings.Contains(c.Storage.Endpoint, "://") {
			return fmt.Errorf("storage.endpoint must be host[:port] for the minio backend: %s", c.Storage.Endpoint)
		}
	}
	if c.Storage.PresignTTL < time.Minute || c.Storage.PresignTTL > 7*24*time.Hour {
		return fmt.Errorf("storage.presign_ttl must be between 1m and 168h: %s", c.Storage.PresignTTL)
	}

	// Validate sync limits
	if c.Sync.MaxFiles < 1 {
		return fmt.Errorf("sync.max_files must be positive")
	}
	if c.Sync.MaxFileSize < 1 || c.Sync.MaxTotalSize < 1 {
		return fmt.Errorf("sync.max_file_size and sync.max_total_size must be positive")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be positive")
	}

	// Validate GitHub App config if enabled
	if c.GitHub.Enabled {
		if c.GitHub.AppID == 0 {
			return fmt.Errorf("github.app_id is required when github is enabled")
		}
		if c.GitHub.PrivateKeyFile == "" {
			return fmt.Errorf("github.private_key_file is required when github is enabled")
		}
		if c.GitHub.WebhookSecretFile == "" {
			return fmt.Errorf("github.webhook_secret_file is required when github is enabled")
		}
		if c.GitHub.RequestsPerSecond < 0 {
			return fmt.Errorf("github.requests_per_second must not be negative")
		}
	}

	if c.Ingest.NotifyURL != "" &&
		!strings.HasPrefix(c.Ingest.NotifyURL, "http://") && !strings.HasPrefix(c.Ingest.NotifyURL, "https://") {
		return fmt.Errorf("ingest.notify_url must be an http(s) URL: %s", c.Ingest.NotifyURL)
	}

	return nil
}

// ReadSecretFile reads a credential file and trims surrounding whitespace.
// An empty path yields an empty secret.
func ReadSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
