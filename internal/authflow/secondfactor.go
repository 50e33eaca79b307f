// ABOUTME: Second-factor providers answering gateway login challenges
// ABOUTME: TOTP (RFC 6238) via pquerna/otp, or none when no secret is configured

package authflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/2389/brokergate/internal/config"
	"github.com/2389/brokergate/internal/upstream"
)

// ErrSecondFactorUnavailable is returned when the gateway asks for a second
// factor that brokergate cannot answer on its own.
var ErrSecondFactorUnavailable = errors.New("second factor required but no provider configured")

// SecondFactor answers a login challenge. secret is the configured
// second-factor secret and is only valid for the duration of the call.
type SecondFactor interface {
	Code(ctx context.Context, secret string, challenge upstream.Challenge) (string, error)
}

// NewSecondFactor returns the provider for a config mode ("none" or "totp").
func NewSecondFactor(mode string) (SecondFactor, error) {
	switch mode {
	case "", "none":
		return NoSecondFactor{}, nil
	case "totp":
		return TOTP{}, nil
	default:
		return nil, fmt.Errorf("unknown second factor mode %q", mode)
	}
}

// NoSecondFactor fails every challenge.
type NoSecondFactor struct{}

// Code implements SecondFactor.
func (NoSecondFactor) Code(context.Context, string, upstream.Challenge) (string, error) {
	return "", ErrSecondFactorUnavailable
}

// TOTP generates time-based one-time codes from a base32 secret.
type TOTP struct {
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Code implements SecondFactor.
func (t TOTP) Code(_ context.Context, secret string, _ upstream.Challenge) (string, error) {
	if secret == "" {
		return "", ErrSecondFactorUnavailable
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	code, err := totp.GenerateCode(config.NormalizeTOTPSecret(secret), now())
	if err != nil {
		return "", fmt.Errorf("generating totp code: %w", err)
	}
	return code, nil
}
