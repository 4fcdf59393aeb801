// Package config loads and validates the Tokfence daemon configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"

	"github.com/tokfence/tokfence/internal/tferr"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 9471

	// DefaultRetentionDays bounds how long request records are kept.
	DefaultRetentionDays = 30

	envPrefix = "TOKFENCE_"
)

// providerNamePattern constrains provider identifiers to lowercase ASCII.
var providerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Daemon holds listener and security-layer settings.
type Daemon struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	SocketPath    string `toml:"socket_path"`
	ImmuneEnabled bool   `toml:"immune_enabled"`
}

// Logging holds store and log-output settings.
type Logging struct {
	DBPath        string `toml:"db_path"`
	RetentionDays int    `toml:"retention_days"`
	Level         string `toml:"level"`
	Format        string `toml:"format"`
}

// Provider is one configured upstream model API.
type Provider struct {
	Upstream     string            `toml:"upstream"`
	ExtraHeaders map[string]string `toml:"extra_headers"`
}

// Config is the full daemon configuration.
type Config struct {
	Daemon    Daemon              `toml:"daemon"`
	Logging   Logging             `toml:"logging"`
	Providers map[string]Provider `toml:"providers"`

	// dataDir is the resolved ~/.tokfence directory; not part of the file.
	dataDir string
}

// DataDir returns the resolved state directory (~/.tokfence by default).
func (c *Config) DataDir() string { return c.dataDir }

// PIDFilePath returns the daemon identity file location.
func (c *Config) PIDFilePath() string { return filepath.Join(c.dataDir, "tokfence.pid") }

// SnapshotPath returns the UI snapshot file location.
func (c *Config) SnapshotPath() string { return filepath.Join(c.dataDir, "desktop_snapshot.json") }

// VaultPath returns the encrypted-file vault location.
func (c *Config) VaultPath() string { return filepath.Join(c.dataDir, "vault.enc") }

// LogFilePath returns the background daemon log location.
func (c *Config) LogFilePath() string { return filepath.Join(c.dataDir, "tokfence.log") }

// ConfigPath returns the config file location.
func (c *Config) ConfigPath() string { return filepath.Join(c.dataDir, "config.toml") }

// ListenAddr returns the TCP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Daemon.Host, c.Daemon.Port)
}

// BaseURL returns the loopback base URL agents are pointed at for a provider.
func (c *Config) BaseURL(provider string) string {
	return fmt.Sprintf("http://%s/%s", c.ListenAddr(), provider)
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		Daemon: Daemon{
			Host:          DefaultHost,
			Port:          DefaultPort,
			SocketPath:    filepath.Join(dataDir, "tokfence.sock"),
			ImmuneEnabled: true,
		},
		Logging: Logging{
			DBPath:        filepath.Join(dataDir, "tokfence.db"),
			RetentionDays: DefaultRetentionDays,
			Level:         "info",
			Format:        "auto",
		},
		Providers: map[string]Provider{},
		dataDir:   dataDir,
	}
}

// ResolveDataDir returns the state directory, honoring TOKFENCE_DATA_DIR.
func ResolveDataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envPrefix + "DATA_DIR")); dir != "" {
		return ExpandPath(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".tokfence"), nil
}

// Load reads config.toml from the data directory, applies defaults, env
// overrides, and validates the result. A missing file yields the defaults.
func Load() (*Config, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, err
	}
	// Dev convenience: a .env in the data dir can override environment.
	_ = godotenv.Load(filepath.Join(dataDir, ".env"))
	return LoadFrom(filepath.Join(dataDir, "config.toml"), dataDir)
}

// LoadFrom reads a specific config file rooted at dataDir.
func LoadFrom(path, dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// first run; defaults apply
	case err != nil:
		return nil, tferr.Wrap(tferr.KindConfigInvalid, "config.read", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, tferr.Wrap(tferr.KindConfigInvalid, "config.parse", err)
		}
	}
	cfg.dataDir = dataDir

	applyEnvOverrides(cfg)
	normalize(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to its config.toml atomically.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.dataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := c.ConfigPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, c.ConfigPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// SetProvider adds or updates a provider entry and validates it.
func (c *Config) SetProvider(name, upstream string) error {
	if !providerNamePattern.MatchString(name) {
		return tferr.New(tferr.KindInvalidArgument, fmt.Sprintf("invalid provider name %q", name))
	}
	normalized, err := normalizeUpstream(upstream)
	if err != nil {
		return err
	}
	if c.Providers == nil {
		c.Providers = map[string]Provider{}
	}
	p := c.Providers[name]
	p.Upstream = normalized
	c.Providers[name] = p
	return nil
}

// ProviderNames returns the configured provider names, unsorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	return names
}

// Validate checks structural invariants the daemon depends on.
func (c *Config) Validate() error {
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return tferr.New(tferr.KindConfigInvalid, fmt.Sprintf("daemon.port %d out of range", c.Daemon.Port))
	}
	if c.Logging.RetentionDays < 0 {
		return tferr.New(tferr.KindConfigInvalid, "logging.retention_days must be non-negative")
	}
	for name, p := range c.Providers {
		if !providerNamePattern.MatchString(name) {
			return tferr.New(tferr.KindConfigInvalid, fmt.Sprintf("invalid provider name %q", name))
		}
		if _, err := normalizeUpstream(p.Upstream); err != nil {
			return tferr.New(tferr.KindConfigInvalid, fmt.Sprintf("provider %q: %v", name, err))
		}
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Daemon.SocketPath = ExpandPath(cfg.Daemon.SocketPath)
	cfg.Logging.DBPath = ExpandPath(cfg.Logging.DBPath)
	for name, p := range cfg.Providers {
		if normalized, err := normalizeUpstream(p.Upstream); err == nil {
			p.Upstream = normalized
			cfg.Providers[name] = p
		}
	}
}

func normalizeUpstream(upstream string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(upstream))
	if err != nil {
		return "", fmt.Errorf("parse upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("upstream scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("upstream URL missing host")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "HOST"); v != "" {
		cfg.Daemon.Host = v
	}
	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Daemon.Port = port
		} else {
			log.Warn().Str("value", v).Msg("ignoring non-numeric TOKFENCE_PORT")
		}
	}
	if v := os.Getenv(envPrefix + "SOCKET_PATH"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}
