// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway configuration.
//
// Configuration comes from a single YAML file named by:
//   - the GATEHOUSE_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// There are no fallbacks, environment overrides of individual values,
// or automatic discovery. The file is the single auditable source of
// truth; the only expansion performed is ${VAR} in paths for
// portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the master configuration for the gateway daemon and CLI.
type Config struct {
	// Environment tightens validation: production refuses plaintext
	// listeners.
	Environment Environment `yaml:"environment"`

	Listen    ListenConfig              `yaml:"listen"`
	Auth      AuthConfig                `yaml:"auth"`
	Limits    LimitsConfig              `yaml:"limits"`
	Paths     PathsConfig               `yaml:"paths"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ListenConfig configures the TCP listener.
type ListenConfig struct {
	// Address is the host:port to bind.
	Address string `yaml:"address"`

	// TLSCert and TLSKey are the PEM files for the listener.
	// Required unless Insecure is set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// Insecure permits a plaintext listener. Local development only;
	// refused in production.
	Insecure bool `yaml:"insecure"`

	// AllowedOrigins is a glob allowlist matched against the
	// handshake origin field when present. Empty rejects any
	// connection that sends an origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// HeartbeatSec is the ping interval. A connection that misses
	// two intervals is closed.
	HeartbeatSec int `yaml:"heartbeat_sec"`

	// MaxFrameBytes caps a single inbound frame.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// AuthConfig configures handshake and replay windows.
type AuthConfig struct {
	// TimestampWindowSec is the allowed clock skew on handshake
	// timestamps.
	TimestampWindowSec int `yaml:"timestamp_window_sec"`

	// NonceTTLSec is how long used nonces are retained. Must cover
	// the timestamp window.
	NonceTTLSec int `yaml:"nonce_ttl_sec"`

	// IdempotencyTTLHours is how long cached idempotent results
	// are replayed.
	IdempotencyTTLHours int `yaml:"idempotency_ttl_hours"`

	// PurgeIntervalSec is how often expired nonces and idempotency
	// rows are swept.
	PurgeIntervalSec int `yaml:"purge_interval_sec"`
}

// LimitsConfig configures per-connection throttles.
type LimitsConfig struct {
	// RatePerSec is the request token refill rate per connection.
	RatePerSec float64 `yaml:"rate_per_sec"`

	// RateBurst is the token bucket capacity.
	RateBurst int `yaml:"rate_burst"`

	// EventQueueSize bounds a connection's outbound event queue;
	// events beyond it are dropped and counted.
	EventQueueSize int `yaml:"event_queue_size"`
}

// PathsConfig configures file locations. Everything defaults to a
// subpath of Root.
type PathsConfig struct {
	// Root is the base directory for gateway data.
	Root string `yaml:"root"`

	// Database is the SQLite file.
	Database string `yaml:"database"`

	// Workspaces is the directory agent workspaces live under.
	Workspaces string `yaml:"workspaces"`

	// Transcripts is the directory session transcripts live under.
	Transcripts string `yaml:"transcripts"`

	// Audit is the append-only audit log (JSONL).
	Audit string `yaml:"audit"`

	// Catalog is the agents.jsonc catalog seeded at startup.
	Catalog string `yaml:"catalog"`

	// Secrets is the age-encrypted secrets document; Identity is the
	// age identity that opens it.
	Secrets  string `yaml:"secrets"`
	Identity string `yaml:"identity"`
}

// ProviderConfig configures one LLM backend. The map key is the name
// agents reference in their `provider` field.
type ProviderConfig struct {
	// Type selects the adapter: "anthropic" or "openai".
	Type string `yaml:"type"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKeySecret names the entry in the sealed secrets document
	// holding the API key. The key itself never appears in config.
	APIKeySecret string `yaml:"api_key_secret"`
}

// Default returns the base configuration merged under the loaded
// file. Defaults make every tunable non-zero; the file is still
// required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "gatehouse")

	return &Config{
		Environment: Development,
		Listen: ListenConfig{
			Address:       "127.0.0.1:7420",
			HeartbeatSec:  30,
			MaxFrameBytes: 1 << 20,
		},
		Auth: AuthConfig{
			TimestampWindowSec:  300,
			NonceTTLSec:         600,
			IdempotencyTTLHours: 24,
			PurgeIntervalSec:    300,
		},
		Limits: LimitsConfig{
			RatePerSec:     10,
			RateBurst:      20,
			EventQueueSize: 256,
		},
		Paths: PathsConfig{
			Root:        root,
			Database:    filepath.Join(root, "gatehouse.db"),
			Workspaces:  filepath.Join(root, "workspaces"),
			Transcripts: filepath.Join(root, "transcripts"),
			Audit:       filepath.Join(root, "audit.jsonl"),
			Catalog:     filepath.Join(root, "agents.jsonc"),
			Secrets:     filepath.Join(root, "secrets.age"),
			Identity:    filepath.Join(root, "identity.txt"),
		},
		Providers: map[string]ProviderConfig{},
	}
}

// Load reads the file named by GATEHOUSE_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("GATEHOUSE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("GATEHOUSE_CONFIG environment variable not set; " +
			"set it to the path of your gatehouse.yaml, or use the --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from an explicit path, merging over
// Default and expanding path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// GATEHOUSE_ROOT refers to the configured root so the other paths can
// anchor to it.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"GATEHOUSE_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["GATEHOUSE_ROOT"] = c.Paths.Root

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Workspaces = expandVars(c.Paths.Workspaces, vars)
	c.Paths.Transcripts = expandVars(c.Paths.Transcripts, vars)
	c.Paths.Audit = expandVars(c.Paths.Audit, vars)
	c.Paths.Catalog = expandVars(c.Paths.Catalog, vars)
	c.Paths.Secrets = expandVars(c.Paths.Secrets, vars)
	c.Paths.Identity = expandVars(c.Paths.Identity, vars)
	c.Listen.TLSCert = expandVars(c.Listen.TLSCert, vars)
	c.Listen.TLSKey = expandVars(c.Listen.TLSKey, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}
	if !c.Listen.Insecure {
		if c.Listen.TLSCert == "" || c.Listen.TLSKey == "" {
			errs = append(errs, fmt.Errorf("listen.tls_cert and listen.tls_key are required unless listen.insecure is set"))
		}
	} else if c.Environment == Production {
		errs = append(errs, fmt.Errorf("listen.insecure is not permitted in production"))
	}
	if c.Listen.HeartbeatSec <= 0 {
		errs = append(errs, fmt.Errorf("listen.heartbeat_sec must be positive"))
	}
	if c.Listen.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("listen.max_frame_bytes must be positive"))
	}
	if c.Auth.TimestampWindowSec <= 0 {
		errs = append(errs, fmt.Errorf("auth.timestamp_window_sec must be positive"))
	}
	if c.Auth.NonceTTLSec < c.Auth.TimestampWindowSec {
		errs = append(errs, fmt.Errorf("auth.nonce_ttl_sec must cover auth.timestamp_window_sec"))
	}
	if c.Limits.RatePerSec <= 0 || c.Limits.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("limits.rate_per_sec and limits.rate_burst must be positive"))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	for name, provider := range c.Providers {
		switch provider.Type {
		case "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("providers.%s.type must be anthropic or openai, got %q", name, provider.Type))
		}
		if provider.APIKeySecret == "" {
			errs = append(errs, fmt.Errorf("providers.%s.api_key_secret is required", name))
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	dirs := []string{
		c.Paths.Root,
		c.Paths.Workspaces,
		c.Paths.Transcripts,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Paths.Audit),
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Listen.HeartbeatSec) * time.Second
}

// TimestampWindow returns the handshake skew window as a duration.
func (c *Config) TimestampWindow() time.Duration {
	return time.Duration(c.Auth.TimestampWindowSec) * time.Second
}

// NonceTTL returns the nonce retention window as a duration.
func (c *Config) NonceTTL() time.Duration {
	return time.Duration(c.Auth.NonceTTLSec) * time.Second
}

// IdempotencyTTL returns the idempotent-result retention as a
// duration.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Auth.IdempotencyTTLHours) * time.Hour
}

// PurgeInterval returns the expiry sweep period as a duration.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.Auth.PurgeIntervalSec) * time.Second
}
