// Package config handles TOML configuration parsing for freeqd. It loads
// configuration from freeqd.toml, applies environment variable overrides
// (prefixed with FREEQD_), validates required fields, and provides sane
// defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a freeqd instance.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Listen     ListenConfig     `toml:"listen"`
	TLS        TLSConfig        `toml:"tls"`
	Federation FederationConfig `toml:"federation"`
	Auth       AuthConfig       `toml:"auth"`
	Storage    StorageConfig    `toml:"storage"`
	Logging    LoggingConfig    `toml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// ServerConfig defines the identity of this freeqd instance.
type ServerConfig struct {
	Name             string `toml:"name"`
	MOTD             string `toml:"motd"`
	OperPassword     string `toml:"oper_password"`
	IdleTimeout      string `toml:"idle_timeout"`
	PingInterval     string `toml:"ping_interval"`
	MaxLineBytes     int    `toml:"max_line_bytes"`
	HistoryRingLimit int    `toml:"history_ring_limit"`
	RateLimitPerSec  float64 `toml:"rate_limit_per_sec"`
	RateBurst        int     `toml:"rate_burst"`
}

// IdleTimeoutParsed returns the idle timeout as a time.Duration.
func (s ServerConfig) IdleTimeoutParsed() (time.Duration, error) {
	return parseDuration("server.idle_timeout", s.IdleTimeout)
}

// PingIntervalParsed returns the ping interval as a time.Duration.
func (s ServerConfig) PingIntervalParsed() (time.Duration, error) {
	return parseDuration("server.ping_interval", s.PingInterval)
}

// ListenConfig defines the client-facing listener addresses.
type ListenConfig struct {
	Plain string `toml:"plain"`
	TLS   string `toml:"tls"`
	QUIC  string `toml:"quic"`
}

// TLSConfig defines TLS material paths for both client TLS and the S2S
// QUIC transport, which derives its peer identity from this key pair.
type TLSConfig struct {
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"`
	PinnedCA string `toml:"pinned_ca"`
}

// FederationConfig defines S2S peering settings.
type FederationConfig struct {
	Peers             []string `toml:"peers"`
	RequireDIDForOps  bool     `toml:"require_did_for_ops"`
	ReconcileInterval string   `toml:"reconcile_interval"`
	CompactInterval   string   `toml:"compact_interval"`
	SyncInterval      string   `toml:"sync_interval"`
}

// ReconcileIntervalParsed returns the reconciliation tick as a time.Duration.
func (f FederationConfig) ReconcileIntervalParsed() (time.Duration, error) {
	return parseDuration("federation.reconcile_interval", f.ReconcileInterval)
}

// CompactIntervalParsed returns the compaction tick as a time.Duration.
func (f FederationConfig) CompactIntervalParsed() (time.Duration, error) {
	return parseDuration("federation.compact_interval", f.CompactInterval)
}

// SyncIntervalParsed returns the CRDT sync probe interval as a time.Duration.
func (f FederationConfig) SyncIntervalParsed() (time.Duration, error) {
	return parseDuration("federation.sync_interval", f.SyncInterval)
}

// AuthConfig defines SASL and web-token authentication settings.
type AuthConfig struct {
	MaxSASLFailures  int      `toml:"max_sasl_failures"`
	WebTokenTTL      string   `toml:"web_token_ttl"`
	ChallengeTimeout string   `toml:"challenge_timeout"`
	BotTokenHashes   []string `toml:"bot_token_hashes"`
}

// WebTokenTTLParsed returns the web token lifetime as a time.Duration.
func (a AuthConfig) WebTokenTTLParsed() (time.Duration, error) {
	return parseDuration("auth.web_token_ttl", a.WebTokenTTL)
}

// ChallengeTimeoutParsed returns the SASL challenge expiry as a time.Duration.
func (a AuthConfig) ChallengeTimeoutParsed() (time.Duration, error) {
	return parseDuration("auth.challenge_timeout", a.ChallengeTimeout)
}

// StorageConfig defines the optional persistence backend. Persistence is
// specified only at the interface level (see internal/store); DatabasePath
// selects a backing snapshot file for the reference in-memory store, or is
// left empty to run purely in-memory.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig defines the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Name:             "freeqd.local",
			MOTD:             "Welcome to freeqd.",
			IdleTimeout:      "120s",
			PingInterval:     "90s",
			MaxLineBytes:     8192,
			HistoryRingLimit: 100,
			RateLimitPerSec:  20,
			RateBurst:        10,
		},
		Listen: ListenConfig{
			Plain: "0.0.0.0:6667",
			TLS:   "0.0.0.0:6697",
			QUIC:  "0.0.0.0:7777",
		},
		Federation: FederationConfig{
			RequireDIDForOps:  false,
			ReconcileInterval: "60s",
			CompactInterval:   "30m",
			SyncInterval:      "5s",
		},
		Auth: AuthConfig{
			MaxSASLFailures:  3,
			WebTokenTTL:      "10m",
			ChallengeTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9090",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, and then applies environment variable
// overrides. A missing file is not an error — defaults (plus env overrides)
// are used.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c Config) validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name must not be empty")
	}
	if c.Server.MaxLineBytes <= 0 {
		return fmt.Errorf("server.max_line_bytes must be positive")
	}
	if _, err := c.Server.IdleTimeoutParsed(); err != nil {
		return err
	}
	if _, err := c.Server.PingIntervalParsed(); err != nil {
		return err
	}
	if _, err := c.Federation.ReconcileIntervalParsed(); err != nil {
		return err
	}
	if _, err := c.Federation.CompactIntervalParsed(); err != nil {
		return err
	}
	if _, err := c.Auth.WebTokenTTLParsed(); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides scans the environment for FREEQD_-prefixed keys matching
// config field paths (e.g. FREEQD_SERVER_NAME, FREEQD_FEDERATION_PEERS) and
// overrides the corresponding field. Only the scalar and comma-separated
// slice fields this server actually reads are supported.
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv("FREEQD_" + key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv("FREEQD_" + key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv("FREEQD_" + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("SERVER_NAME", &cfg.Server.Name)
	str("SERVER_MOTD", &cfg.Server.MOTD)
	str("SERVER_OPER_PASSWORD", &cfg.Server.OperPassword)
	str("LISTEN_PLAIN", &cfg.Listen.Plain)
	str("LISTEN_TLS", &cfg.Listen.TLS)
	str("LISTEN_QUIC", &cfg.Listen.QUIC)
	str("TLS_CERT_PATH", &cfg.TLS.CertPath)
	str("TLS_KEY_PATH", &cfg.TLS.KeyPath)
	str("STORAGE_DATABASE_PATH", &cfg.Storage.DatabasePath)
	str("LOGGING_LEVEL", &cfg.Logging.Level)
	str("LOGGING_FORMAT", &cfg.Logging.Format)
	boolean("FEDERATION_REQUIRE_DID_FOR_OPS", &cfg.Federation.RequireDIDForOps)
	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	integer("AUTH_MAX_SASL_FAILURES", &cfg.Auth.MaxSASLFailures)

	if v := os.Getenv("FREEQD_FEDERATION_PEERS"); v != "" {
		var peers []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				peers = append(peers, p)
			}
		}
		cfg.Federation.Peers = peers
	}

	if v := os.Getenv("FREEQD_AUTH_BOT_TOKEN_HASHES"); v != "" {
		var hashes []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hashes = append(hashes, h)
			}
		}
		cfg.Auth.BotTokenHashes = hashes
	}
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", field, value, err)
	}
	return d, nil
}
