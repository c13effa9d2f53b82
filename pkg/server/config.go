package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/chatrelay/pkg/logging"
	"github.com/NicolasHaas/chatrelay/pkg/protocol"
)

// MalformedPolicy decides what the sender of an unparseable line sees.
// Both policies record a malformed event.
type MalformedPolicy string

const (
	MalformedReply MalformedPolicy = "reply" // reply "incorrect user input format"
	MalformedDrop  MalformedPolicy = "drop"  // drop silently
)

// RateLimitConfig configures per-session flood control.
// PerSecond of 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Config holds relay configuration.
type Config struct {
	Address          string          `yaml:"address"`           // bind host
	Port             int             `yaml:"port"`              // bind port, 0 picks a free one
	MaxClients       int             `yaml:"max_clients"`       // concurrent session cap
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"` // bound on the username read
	WriteTimeout     time.Duration   `yaml:"write_timeout"`     // bound on one frame write, 0 = none
	MaxLineBytes     int             `yaml:"max_line_bytes"`    // longest accepted protocol line
	MalformedPolicy  MalformedPolicy `yaml:"malformed_policy"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	MetricsAddr      string          `yaml:"metrics_addr"` // HTTP bind address for /metrics (empty = disabled)
	AuditDB          string          `yaml:"audit_db"`     // SQLite ledger path (empty = disabled)
	MetricsLogEvery  time.Duration   `yaml:"metrics_log_every"`
	LogLevel         string          `yaml:"log_level"`  // debug, info, warn, error
	LogFormat        string          `yaml:"log_format"` // text or json
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:          "localhost",
		Port:             15000,
		MaxClients:       10,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxLineBytes:     protocol.DefaultMaxLine,
		MalformedPolicy:  MalformedReply,
		RateLimit:        RateLimitConfig{Burst: 10},
		MetricsLogEvery:  60 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// ListenAddr returns the host:port the relay binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("max_clients must be positive, got %d", c.MaxClients))
	}
	if c.HandshakeTimeout < 0 || c.WriteTimeout < 0 || c.MetricsLogEvery < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.MaxLineBytes < protocol.MinMaxLine {
		errs = append(errs, fmt.Errorf("max_line_bytes must be at least %d", protocol.MinMaxLine))
	}
	switch c.MalformedPolicy {
	case MalformedReply, MalformedDrop:
	default:
		errs = append(errs, fmt.Errorf("unknown malformed_policy %q (valid: reply, drop)", c.MalformedPolicy))
	}
	if c.RateLimit.PerSecond < 0 || (c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit needs a non-negative per_second and a positive burst"))
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("server: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoadConfigFile overlays the YAML file at path onto cfg.
func LoadConfigFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, cfg)
}

// ParseConfig overlays YAML data onto cfg. Keys absent from data keep their
// value from cfg.
func ParseConfig(data []byte, cfg Config) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and leaves cfg unchanged.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CHATRELAY_"

// ApplyEnv overlays CHATRELAY_* variables found through lookup onto cfg.
func ApplyEnv(cfg Config, lookup func(string) (string, bool)) (Config, error) {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDRESS", &cfg.Address)
	num("PORT", &cfg.Port)
	num("MAX_CLIENTS", &cfg.MaxClients)
	dur("HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	dur("WRITE_TIMEOUT", &cfg.WriteTimeout)
	num("MAX_LINE_BYTES", &cfg.MaxLineBytes)
	if v, ok := lookup(EnvPrefix + "MALFORMED_POLICY"); ok {
		cfg.MalformedPolicy = MalformedPolicy(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(EnvPrefix + "RATE_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_PER_SECOND: %w", EnvPrefix, err))
		} else {
			cfg.RateLimit.PerSecond = f
		}
	}
	num("RATE_BURST", &cfg.RateLimit.Burst)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("AUDIT_DB", &cfg.AuditDB)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("server: env config: %w", errors.Join(errs...))
	}
	return cfg, nil
}
