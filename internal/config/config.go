// ABOUTME: Configuration loading and parsing for brokergate
// ABOUTME: Supports YAML/TOML files with env var expansion, env overrides and duration parsing

package config

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ConfigError reports a missing or malformed configuration value.
// It is fatal: the process refuses to start.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Config represents the complete brokergate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Identity  IdentityConfig  `yaml:"identity" toml:"identity"`
	Brokerage BrokerageConfig `yaml:"brokerage" toml:"brokerage"`
	Facade    FacadeConfig    `yaml:"facade" toml:"facade"`
	Upstream  UpstreamConfig  `yaml:"upstream" toml:"upstream"`
	Process   ProcessConfig   `yaml:"process" toml:"process"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Journal   JournalConfig   `yaml:"journal" toml:"journal"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses. GRPCAddr is optional and enables
// the grpc.health.v1 service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS via Funnel
}

// IdentityConfig tags this deployment.
type IdentityConfig struct {
	UserID      string `yaml:"user_id" toml:"user_id"`
	Environment string `yaml:"environment" toml:"environment"`
}

// BrokerageConfig holds the brokerage login credentials.
type BrokerageConfig struct {
	Username     string             `yaml:"username" toml:"username"`
	Password     string             `yaml:"password" toml:"password"`
	SecondFactor SecondFactorConfig `yaml:"second_factor" toml:"second_factor"`
}

// SecondFactorConfig selects how second-factor challenges are answered.
type SecondFactorConfig struct {
	// Mode is "none" or "totp".
	Mode   string `yaml:"mode" toml:"mode"`
	Secret string `yaml:"secret" toml:"secret"`
}

// FacadeConfig holds settings for the externally reachable REST layer.
type FacadeConfig struct {
	APIKey      string   `yaml:"api_key" toml:"api_key"`
	JWTSecret   string   `yaml:"jwt_secret" toml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
	// ConnectBurst bounds manual /connect calls per ConnectInterval.
	ConnectBurst int `yaml:"connect_burst" toml:"connect_burst"`

	TokenTTL        time.Duration `yaml:"-" toml:"-"`
	ConnectInterval time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw        string `yaml:"token_ttl" toml:"token_ttl"`
	ConnectIntervalRaw string `yaml:"connect_interval" toml:"connect_interval"`
	IdempotencyTTLRaw  string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// UpstreamConfig describes the gateway's local HTTP API.
type UpstreamConfig struct {
	BaseURL            string        `yaml:"base_url" toml:"base_url"`
	APIPrefix          string        `yaml:"api_prefix" toml:"api_prefix"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	Paths              UpstreamPaths `yaml:"paths" toml:"paths"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// UpstreamPaths are relative to BaseURL.
type UpstreamPaths struct {
	Probe        string `yaml:"probe" toml:"probe"`
	Login        string `yaml:"login" toml:"login"`
	SecondFactor string `yaml:"second_factor" toml:"second_factor"`
	AuthStatus   string `yaml:"auth_status" toml:"auth_status"`
	Keepalive    string `yaml:"keepalive" toml:"keepalive"`
	Logout       string `yaml:"logout" toml:"logout"`
}

// ProcessConfig controls the supervised gateway process. An empty Command
// means the gateway is managed externally and only probed.
type ProcessConfig struct {
	Command           string   `yaml:"command" toml:"command"`
	Args              []string `yaml:"args" toml:"args"`
	Dir               string   `yaml:"dir" toml:"dir"`
	Env               []string `yaml:"env" toml:"env"`
	UnstableExits     int      `yaml:"unstable_exits" toml:"unstable_exits"`
	ProbeFailureLimit int      `yaml:"probe_failure_limit" toml:"probe_failure_limit"`

	StartupTimeout    time.Duration `yaml:"-" toml:"-"`
	ProbeInterval     time.Duration `yaml:"-" toml:"-"`
	PollInterval      time.Duration `yaml:"-" toml:"-"`
	UnstableWindow    time.Duration `yaml:"-" toml:"-"`
	RestartBackoffMin time.Duration `yaml:"-" toml:"-"`
	RestartBackoffMax time.Duration `yaml:"-" toml:"-"`

	StartupTimeoutRaw    string `yaml:"startup_timeout" toml:"startup_timeout"`
	ProbeIntervalRaw     string `yaml:"probe_interval" toml:"probe_interval"`
	PollIntervalRaw      string `yaml:"poll_interval" toml:"poll_interval"`
	UnstableWindowRaw    string `yaml:"unstable_window" toml:"unstable_window"`
	RestartBackoffMinRaw string `yaml:"restart_backoff_min" toml:"restart_backoff_min"`
	RestartBackoffMaxRaw string `yaml:"restart_backoff_max" toml:"restart_backoff_max"`
}

// SessionConfig holds keep-alive and authentication retry timing.
type SessionConfig struct {
	FailureThreshold int     `yaml:"failure_threshold" toml:"failure_threshold"`
	AuthMaxAttempts  int     `yaml:"auth_max_attempts" toml:"auth_max_attempts"`
	AuthJitter       float64 `yaml:"auth_jitter" toml:"auth_jitter"`

	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`
	StaleAfter        time.Duration `yaml:"-" toml:"-"`
	AuthBackoffBase   time.Duration `yaml:"-" toml:"-"`
	AuthBackoffMax    time.Duration `yaml:"-" toml:"-"`

	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	StaleAfterRaw        string `yaml:"stale_after" toml:"stale_after"`
	AuthBackoffBaseRaw   string `yaml:"auth_backoff_base" toml:"auth_backoff_base"`
	AuthBackoffMaxRaw    string `yaml:"auth_backoff_max" toml:"auth_backoff_max"`
}

// JournalConfig holds the event journal database location.
type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path, applies environment
// overrides and defaults, and validates the result. An empty path loads from
// the environment only. Environment variables in the format ${VAR_NAME} are
// expanded in the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	return finish(&cfg)
}

// LoadEnv builds a configuration purely from environment variables.
func LoadEnv() (*Config, error) {
	return Load("")
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return &ConfigError{Field: path, Reason: "is not valid TOML: " + err.Error()}
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return &ConfigError{Field: path, Reason: "is not valid YAML: " + err.Error()}
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv overlays the environment variables understood by the original
// deployment (IB_USERNAME, API_KEY, ...) on top of file values.
func applyEnv(cfg *Config) error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString(&cfg.Brokerage.Username, "IB_USERNAME")
	setString(&cfg.Brokerage.Password, "IB_PASSWORD")
	setString(&cfg.Brokerage.SecondFactor.Secret, "IB_TOTP_SECRET")
	setString(&cfg.Brokerage.SecondFactor.Mode, "IB_SECOND_FACTOR")
	setString(&cfg.Facade.APIKey, "API_KEY")
	setString(&cfg.Facade.JWTSecret, "BROKERGATE_JWT_SECRET")
	setString(&cfg.Identity.UserID, "USER_ID")
	setString(&cfg.Identity.Environment, "ENVIRONMENT")
	setString(&cfg.Upstream.BaseURL, "IB_GATEWAY_URL")
	setString(&cfg.Journal.Path, "BROKERGATE_JOURNAL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return &ConfigError{Field: "PORT", Reason: fmt.Sprintf("must be a TCP port, got %q", port)}
		}
		host := "0.0.0.0"
		if cfg.Server.HTTPAddr != "" {
			if h, _, err := net.SplitHostPort(cfg.Server.HTTPAddr); err == nil {
				host = h
			}
		}
		cfg.Server.HTTPAddr = net.JoinHostPort(host, port)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "0.0.0.0:8000"
	}
	cfg.Brokerage.SecondFactor.Secret = NormalizeTOTPSecret(cfg.Brokerage.SecondFactor.Secret)
	if cfg.Brokerage.SecondFactor.Mode == "" {
		if cfg.Brokerage.SecondFactor.Secret != "" {
			cfg.Brokerage.SecondFactor.Mode = "totp"
		} else {
			cfg.Brokerage.SecondFactor.Mode = "none"
		}
	}

	f := &cfg.Facade
	if len(f.CORSOrigins) == 0 {
		f.CORSOrigins = []string{"*"}
	}
	defaultDuration(&f.TokenTTL, time.Hour)
	defaultDuration(&f.ConnectInterval, 10*time.Second)
	defaultDuration(&f.IdempotencyTTL, 10*time.Minute)
	if f.ConnectBurst <= 0 {
		f.ConnectBurst = 3
	}

	u := &cfg.Upstream
	if u.BaseURL == "" {
		u.BaseURL = "https://localhost:5000"
		u.InsecureSkipVerify = true
	}
	if u.APIPrefix == "" {
		u.APIPrefix = "/v1/api"
	}
	defaultDuration(&u.RequestTimeout, 15*time.Second)
	defaultString(&u.Paths.Probe, "/v1/api/one/user")
	defaultString(&u.Paths.Login, "/sso/Login")
	defaultString(&u.Paths.SecondFactor, "/sso/Login/2fa")
	defaultString(&u.Paths.AuthStatus, "/v1/api/iserver/auth/status")
	defaultString(&u.Paths.Keepalive, "/v1/api/tickle")
	defaultString(&u.Paths.Logout, "/v1/api/logout")

	p := &cfg.Process
	defaultDuration(&p.StartupTimeout, 60*time.Second)
	defaultDuration(&p.ProbeInterval, 2*time.Second)
	defaultDuration(&p.PollInterval, 10*time.Second)
	defaultDuration(&p.UnstableWindow, 5*time.Minute)
	defaultDuration(&p.RestartBackoffMin, 2*time.Second)
	defaultDuration(&p.RestartBackoffMax, 30*time.Second)
	if p.UnstableExits <= 0 {
		p.UnstableExits = 3
	}
	if p.ProbeFailureLimit <= 0 {
		p.ProbeFailureLimit = 3
	}

	s := &cfg.Session
	defaultDuration(&s.KeepaliveInterval, 60*time.Second)
	defaultDuration(&s.StaleAfter, 2*s.KeepaliveInterval)
	defaultDuration(&s.AuthBackoffBase, 2*time.Second)
	defaultDuration(&s.AuthBackoffMax, 60*time.Second)
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 3
	}
	if s.AuthMaxAttempts <= 0 {
		s.AuthMaxAttempts = 5
	}
	if s.AuthJitter == 0 {
		s.AuthJitter = 0.2
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = ":memory:"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tailscale.Enabled && cfg.Tailscale.Hostname == "" {
		cfg.Tailscale.Hostname = "brokergate"
	}
}

func defaultDuration(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

func defaultString(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns a *ConfigError describing the first validation failure encountered.
func (c *Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"brokerage.username (IB_USERNAME)", c.Brokerage.Username},
		{"brokerage.password (IB_PASSWORD)", c.Brokerage.Password},
		{"facade.api_key (API_KEY)", c.Facade.APIKey},
		{"identity.user_id (USER_ID)", c.Identity.UserID},
		{"identity.environment (ENVIRONMENT)", c.Identity.Environment},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigError{Field: r.field, Reason: "is required"}
		}
	}

	if len(c.Facade.APIKey) < 16 {
		return &ConfigError{Field: "facade.api_key (API_KEY)", Reason: "must be at least 16 characters"}
	}
	if c.Facade.JWTSecret != "" && len(c.Facade.JWTSecret) < 32 {
		return &ConfigError{Field: "facade.jwt_secret", Reason: "must be at least 32 bytes"}
	}

	switch c.Brokerage.SecondFactor.Mode {
	case "none":
	case "totp":
		if err := validateTOTPSecret(c.Brokerage.SecondFactor.Secret); err != nil {
			return err
		}
	default:
		return &ConfigError{Field: "brokerage.second_factor.mode", Reason: fmt.Sprintf("must be none or totp, got %q", c.Brokerage.SecondFactor.Mode)}
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigError{Field: "upstream.base_url", Reason: fmt.Sprintf("must be an http(s) URL, got %q", c.Upstream.BaseURL)}
	}

	if !c.Tailscale.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.HTTPAddr); err != nil {
			return &ConfigError{Field: "server.http_addr", Reason: fmt.Sprintf("must be host:port, got %q", c.Server.HTTPAddr)}
		}
	}

	if c.Session.StaleAfter <= c.Session.KeepaliveInterval {
		return &ConfigError{Field: "session.stale_after", Reason: "must be greater than session.keepalive_interval"}
	}
	if c.Session.AuthJitter < 0 || c.Session.AuthJitter > 1 {
		return &ConfigError{Field: "session.auth_jitter", Reason: "must be within [0, 1]"}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return &ConfigError{Field: "logging.format", Reason: fmt.Sprintf("must be text or json, got %q", c.Logging.Format)}
	}

	return nil
}

// NormalizeTOTPSecret strips the grouping whitespace authenticator apps show
// and upper-cases the base32 alphabet.
func NormalizeTOTPSecret(secret string) string {
	return strings.ToUpper(strings.Join(strings.Fields(secret), ""))
}

func validateTOTPSecret(secret string) error {
	if secret == "" {
		return &ConfigError{Field: "brokerage.second_factor.secret (IB_TOTP_SECRET)", Reason: "is required when mode is totp"}
	}
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(NormalizeTOTPSecret(secret), "=")); err != nil {
		return &ConfigError{Field: "brokerage.second_factor.secret (IB_TOTP_SECRET)", Reason: "must be base32"}
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
		{"facade.token_ttl", cfg.Facade.TokenTTLRaw, &cfg.Facade.TokenTTL},
		{"facade.connect_interval", cfg.Facade.ConnectIntervalRaw, &cfg.Facade.ConnectInterval},
		{"facade.idempotency_ttl", cfg.Facade.IdempotencyTTLRaw, &cfg.Facade.IdempotencyTTL},
		{"upstream.request_timeout", cfg.Upstream.RequestTimeoutRaw, &cfg.Upstream.RequestTimeout},
		{"process.startup_timeout", cfg.Process.StartupTimeoutRaw, &cfg.Process.StartupTimeout},
		{"process.probe_interval", cfg.Process.ProbeIntervalRaw, &cfg.Process.ProbeInterval},
		{"process.poll_interval", cfg.Process.PollIntervalRaw, &cfg.Process.PollInterval},
		{"process.unstable_window", cfg.Process.UnstableWindowRaw, &cfg.Process.UnstableWindow},
		{"process.restart_backoff_min", cfg.Process.RestartBackoffMinRaw, &cfg.Process.RestartBackoffMin},
		{"process.restart_backoff_max", cfg.Process.RestartBackoffMaxRaw, &cfg.Process.RestartBackoffMax},
		{"session.keepalive_interval", cfg.Session.KeepaliveIntervalRaw, &cfg.Session.KeepaliveInterval},
		{"session.stale_after", cfg.Session.StaleAfterRaw, &cfg.Session.StaleAfter},
		{"session.auth_backoff_base", cfg.Session.AuthBackoffBaseRaw, &cfg.Session.AuthBackoffBase},
		{"session.auth_backoff_max", cfg.Session.AuthBackoffMaxRaw, &cfg.Session.AuthBackoffMax},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return &ConfigError{Field: f.name, Reason: fmt.Sprintf("is not a duration: %q", f.raw)}
		}
		if d <= 0 {
			return &ConfigError{Field: f.name, Reason: "must be positive"}
		}
		*f.dst = d
	}

	return nil
}
