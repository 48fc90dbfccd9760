// ABOUTME: Configuration loading and parsing for coven-locker
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-locker/internal/ledger"
	"github.com/2389/coven-locker/internal/vault"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "COVEN_LOCKER_CONFIG"

// Config represents the complete coven-locker configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	WebAuthn  WebAuthnConfig  `yaml:"webauthn" toml:"webauthn"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Vault     VaultConfig     `yaml:"vault" toml:"vault"`
	Public    PublicConfig    `yaml:"public" toml:"public"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (default) or "sqlite3"
}

// AuthConfig holds authoring API configuration. An empty secret disables
// the authoring routes.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// Challenge backends for webauthn.challenge_store.
const (
	ChallengeStoreSQLite = "sqlite"
	ChallengeStoreMemory = "memory"
)

// WebAuthnConfig holds relying party and ceremony settings
type WebAuthnConfig struct {
	// RPID and Origins are derived from public.base_url when unset.
	RPID                     string   `yaml:"rp_id" toml:"rp_id"`
	RPDisplayName            string   `yaml:"rp_display_name" toml:"rp_display_name"`
	Origins                  []string `yaml:"origins" toml:"origins"`
	ConcealUnknownIdentities bool     `yaml:"conceal_unknown_identities" toml:"conceal_unknown_identities"`
	DecoyKey                 string   `yaml:"decoy_key" toml:"decoy_key"`

	// ChallengeStore is "sqlite" (default) or "memory". Memory challenges do
	// not survive a restart.
	ChallengeStore string `yaml:"challenge_store" toml:"challenge_store"`

	ChallengeTTL    time.Duration `yaml:"-" toml:"-"`
	ChallengeTTLRaw string        `yaml:"challenge_ttl" toml:"challenge_ttl"`
}

// SessionsConfig holds session lifetime configuration
type SessionsConfig struct {
	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TTLRaw           string `yaml:"ttl" toml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// VaultConfig holds the content encryption master key
type VaultConfig struct {
	MasterKey string `yaml:"master_key" toml:"master_key"` // 32 bytes, base64 or hex
}

// PublicConfig describes how the server is reached from outside
type PublicConfig struct {
	// BaseURL is embedded in QR labels and drives the relying party defaults.
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config file location: $COVEN_LOCKER_CONFIG, else
// $XDG_CONFIG_HOME/coven/locker.yaml, else ~/.config/coven/locker.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "locker.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "locker.yaml"
	}
	return filepath.Join(home, ".config", "coven", "locker.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.WebAuthn.RPDisplayName == "" {
		c.WebAuthn.RPDisplayName = "coven locker"
	}
	if c.WebAuthn.ChallengeStore == "" {
		c.WebAuthn.ChallengeStore = ChallengeStoreSQLite
	}
	if c.WebAuthn.ChallengeTTL == 0 {
		c.WebAuthn.ChallengeTTL = ledger.DefaultTTL
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = 12 * time.Hour
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Vault.MasterKey == "" {
		return fmt.Errorf("vault.master_key is required")
	}
	if _, err := vault.DecodeMasterKey(c.Vault.MasterKey); err != nil {
		return fmt.Errorf("vault.master_key: %w", err)
	}

	if c.WebAuthn.ChallengeTTL < ledger.MinTTL || c.WebAuthn.ChallengeTTL > ledger.MaxTTL {
		return fmt.Errorf("webauthn.challenge_ttl must be between %s and %s", ledger.MinTTL, ledger.MaxTTL)
	}
	switch c.WebAuthn.ChallengeStore {
	case "", ChallengeStoreSQLite, ChallengeStoreMemory:
	default:
		return fmt.Errorf("webauthn.challenge_store must be sqlite or memory, got %q", c.WebAuthn.ChallengeStore)
	}
	if c.WebAuthn.ConcealUnknownIdentities && len(c.WebAuthn.DecoyKey) < 16 {
		return fmt.Errorf("webauthn.decoy_key of at least 16 characters is required to conceal unknown identities")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"challenge_ttl", cfg.WebAuthn.ChallengeTTLRaw, &cfg.WebAuthn.ChallengeTTL},
		{"ttl", cfg.Sessions.TTLRaw, &cfg.Sessions.TTL},
		{"sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
