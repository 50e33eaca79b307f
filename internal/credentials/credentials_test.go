// ABOUTME: Tests for the sealed credential store
// ABOUTME: Covers load validation, scoped access and redaction in logs and fmt

package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/brokergate/internal/config"
)

func TestLoad_RequiresUsernameAndPassword(t *testing.T) {
	_, err := Load(config.BrokerageConfig{Password: "pw"})
	require.True(t, config.IsConfigError(err))

	_, err = Load(config.BrokerageConfig{Username: "u"})
	require.True(t, config.IsConfigError(err))
}

func TestLoad_TOTPRequiresSecret(t *testing.T) {
	_, err := Load(config.BrokerageConfig{
		Username:     "u",
		Password:     "pw",
		SecondFactor: config.SecondFactorConfig{Mode: "totp"},
	})
	require.True(t, config.IsConfigError(err))
}

func TestUse_ExposesSecretsOnlyInsideCallback(t *testing.T) {
	s, err := Load(config.BrokerageConfig{
		Username:     "trader1",
		Password:     "hunter2",
		SecondFactor: config.SecondFactorConfig{Mode: "totp", Secret: "JBSWY3DPEHPK3PXP"},
	})
	require.NoError(t, err)

	assert.Equal(t, "trader1", s.Username())
	assert.Equal(t, "ib_trader1", s.AccountID())
	assert.True(t, s.HasSecondFactor())
	assert.NotContains(t, string(s.password), "hunter2")

	var seen Credentials
	err = s.Use(func(c Credentials) error {
		seen = c
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "trader1", seen.Username)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", seen.SecondFactorSecret)
}

func TestUse_RepeatableAndPropagatesError(t *testing.T) {
	s, err := Load(config.BrokerageConfig{Username: "u", Password: "pw"})
	require.NoError(t, err)
	assert.False(t, s.HasSecondFactor())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Use(func(c Credentials) error {
			assert.Equal(t, "pw", c.Password)
			assert.Empty(t, c.SecondFactorSecret)
			return nil
		}))
	}

	boom := errors.New("login failed")
	assert.ErrorIs(t, s.Use(func(Credentials) error { return boom }), boom)
}

func TestCredentials_NeverFormatted(t *testing.T) {
	c := Credentials{Username: "trader1", Password: "hunter2", SecondFactorSecret: "SEED"}

	for _, out := range []string{fmt.Sprint(c), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), fmt.Sprintf("%#v", c)} {
		assert.NotContains(t, out, "hunter2")
		assert.NotContains(t, out, "SEED")
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("login", "creds", c)
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "trader1")
}
