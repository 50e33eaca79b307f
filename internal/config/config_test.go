// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML loading, env overrides, defaults, durations and validation errors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("IB_USERNAME", "trader1")
	t.Setenv("IB_PASSWORD", "hunter2")
	t.Setenv("API_KEY", "0123456789abcdef0123")
	t.Setenv("USER_ID", "user-42")
	t.Setenv("ENVIRONMENT", "staging")
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, "trader1", cfg.Brokerage.Username)
	assert.Equal(t, "hunter2", cfg.Brokerage.Password)
	assert.Equal(t, "none", cfg.Brokerage.SecondFactor.Mode)
	assert.Equal(t, "user-42", cfg.Identity.UserID)
	assert.Equal(t, "staging", cfg.Identity.Environment)

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.HTTPAddr)
	assert.Equal(t, "https://localhost:5000", cfg.Upstream.BaseURL)
	assert.True(t, cfg.Upstream.InsecureSkipVerify)
	assert.Equal(t, "/v1/api/tickle", cfg.Upstream.Paths.Keepalive)

	assert.Equal(t, 60*time.Second, cfg.Session.KeepaliveInterval)
	assert.Equal(t, 120*time.Second, cfg.Session.StaleAfter)
	assert.Equal(t, 3, cfg.Session.FailureThreshold)
	assert.Equal(t, 5, cfg.Session.AuthMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Session.AuthBackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Session.AuthBackoffMax)

	assert.Equal(t, 3, cfg.Process.UnstableExits)
	assert.Equal(t, 5*time.Minute, cfg.Process.UnstableWindow)
	assert.Equal(t, ":memory:", cfg.Journal.Path)
	assert.Equal(t, []string{"*"}, cfg.Facade.CORSOrigins)
}

func TestLoadEnv_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		field string
	}{
		{"username", "IB_USERNAME", "brokerage.username (IB_USERNAME)"},
		{"password", "IB_PASSWORD", "brokerage.password (IB_PASSWORD)"},
		{"api key", "API_KEY", "facade.api_key (API_KEY)"},
		{"user id", "USER_ID", "identity.user_id (USER_ID)"},
		{"environment", "ENVIRONMENT", "identity.environment (ENVIRONMENT)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			_, err := LoadEnv()
			require.Error(t, err)

			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestLoadEnv_ShortAPIKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_KEY", "short")

	_, err := LoadEnv()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "16")
}

func TestLoadEnv_PortOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9100")

	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9100", cfg.Server.HTTPAddr)
}

func TestLoadEnv_BadPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "eighty")

	_, err := LoadEnv()
	require.True(t, IsConfigError(err))
}

func TestLoadEnv_TOTPSecretImpliesTOTP(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IB_TOTP_SECRET", "JBSWY3DPEHPK3PXP")

	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "totp", cfg.Brokerage.SecondFactor.Mode)
}

func TestLoadEnv_TOTPSecretGroupedIsNormalized(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IB_TOTP_SECRET", "jbsw y3dp ehpk 3pxp")

	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", cfg.Brokerage.SecondFactor.Secret)
}

func TestLoadEnv_TOTPWithoutSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IB_SECOND_FACTOR", "totp")

	_, err := LoadEnv()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Field, "second_factor.secret")
}

func TestLoadEnv_TOTPSecretNotBase32(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IB_TOTP_SECRET", "not-base32!!")

	_, err := LoadEnv()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "must be base32", ce.Reason)
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IB_USERNAME", "")
	t.Setenv("TEST_GW_USER", "from-file")

	path := writeConfig(t, "brokergate.yaml", `
server:
  http_addr: "127.0.0.1:8080"
  grpc_addr: "127.0.0.1:50051"

brokerage:
  username: "${TEST_GW_USER}"

upstream:
  base_url: "http://127.0.0.1:5000"
  request_timeout: "5s"

process:
  command: "bin/run.sh"
  args: ["root/conf.yaml"]
  startup_timeout: "90s"
  unstable_exits: 4

session:
  keepalive_interval: "30s"
  failure_threshold: 2

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Brokerage.Username)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "127.0.0.1:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "http://127.0.0.1:5000", cfg.Upstream.BaseURL)
	assert.False(t, cfg.Upstream.InsecureSkipVerify)
	assert.Equal(t, 5*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, "bin/run.sh", cfg.Process.Command)
	assert.Equal(t, []string{"root/conf.yaml"}, cfg.Process.Args)
	assert.Equal(t, 90*time.Second, cfg.Process.StartupTimeout)
	assert.Equal(t, 4, cfg.Process.UnstableExits)
	assert.Equal(t, 30*time.Second, cfg.Session.KeepaliveInterval)
	assert.Equal(t, 60*time.Second, cfg.Session.StaleAfter)
	assert.Equal(t, 2, cfg.Session.FailureThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)

	path := writeConfig(t, "brokergate.yaml", `
brokerage:
  username: "file-user"
identity:
  environment: "file-env"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "trader1", cfg.Brokerage.Username)
	assert.Equal(t, "staging", cfg.Identity.Environment)
}

func TestLoad_TOML(t *testing.T) {
	setRequiredEnv(t)

	path := writeConfig(t, "brokergate.toml", `
[server]
http_addr = "127.0.0.1:9000"

[session]
keepalive_interval = "45s"
failure_threshold = 5

[facade]
cors_origins = ["https://app.example.com"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, 45*time.Second, cfg.Session.KeepaliveInterval)
	assert.Equal(t, 5, cfg.Session.FailureThreshold)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Facade.CORSOrigins)
}

func TestLoad_InvalidDuration(t *testing.T) {
	setRequiredEnv(t)

	path := writeConfig(t, "brokergate.yaml", `
session:
  keepalive_interval: "soon"
`)

	_, err := Load(path)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "session.keepalive_interval", ce.Field)
}

func TestLoad_StaleAfterMustExceedInterval(t *testing.T) {
	setRequiredEnv(t)

	path := writeConfig(t, "brokergate.yaml", `
session:
  keepalive_interval: "60s"
  stale_after: "30s"
`)

	_, err := Load(path)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "session.stale_after", ce.Field)
}

func TestLoad_BadUpstreamURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IB_GATEWAY_URL", "localhost:5000")

	_, err := LoadEnv()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "upstream.base_url", ce.Field)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.False(t, IsConfigError(err))
}

func TestLoad_MalformedYAML(t *testing.T) {
	setRequiredEnv(t)
	path := writeConfig(t, "brokergate.yaml", "server: [unterminated")

	_, err := Load(path)
	assert.True(t, IsConfigError(err))
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("BG_A", "alpha")
	assert.Equal(t, "x alpha y", expandEnvVars("x ${BG_A} y"))
	assert.Equal(t, "x  y", expandEnvVars("x ${BG_UNSET_VAR} y"))
}
