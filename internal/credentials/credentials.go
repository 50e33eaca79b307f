// ABOUTME: In-memory credential store with sealed secrets and scoped access
// ABOUTME: Secrets are opened only for the duration of a Use callback

package credentials

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/2389/brokergate/internal/config"
)

const redacted = "[redacted]"

// Credentials is the read-only view handed to a Use callback. Callers must
// not retain it past the callback's return. Only the opened byte buffers are
// zeroed afterwards; these string copies live until collected.
type Credentials struct {
	Username           string
	Password           string
	SecondFactorSecret string
}

// String never reveals secrets.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%s Password:%s}", c.Username, redacted)
}

// GoString never reveals secrets.
func (c Credentials) GoString() string { return c.String() }

// LogValue keeps secrets out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", redacted),
	)
}

// Store holds the brokerage credentials for the life of the process.
type Store struct {
	username string
	key      [32]byte
	nonce    [24]byte
	password []byte // sealed
	secret   []byte // sealed, empty when no second factor is configured

	mu sync.Mutex // serializes Use so buffers are never shared between callers
}

// Load seals the credentials from cfg. It fails with *config.ConfigError
// when required values are missing.
func Load(cfg config.BrokerageConfig) (*Store, error) {
	if cfg.Username == "" {
		return nil, &config.ConfigError{Field: "brokerage.username", Reason: "is required"}
	}
	if cfg.Password == "" {
		return nil, &config.ConfigError{Field: "brokerage.password", Reason: "is required"}
	}
	if cfg.SecondFactor.Mode == "totp" && cfg.SecondFactor.Secret == "" {
		return nil, &config.ConfigError{Field: "brokerage.second_factor.secret", Reason: "is required when mode is totp"}
	}

	s := &Store{username: cfg.Username}
	if _, err := rand.Read(s.key[:]); err != nil {
		return nil, fmt.Errorf("generating credential key: %w", err)
	}
	if _, err := rand.Read(s.nonce[:]); err != nil {
		return nil, fmt.Errorf("generating credential nonce: %w", err)
	}

	s.password = secretbox.Seal(nil, []byte(cfg.Password), &s.nonce, &s.key)
	if cfg.SecondFactor.Secret != "" {
		// distinct nonce per message: flip the last byte
		n := s.nonce
		n[23] ^= 0xff
		s.secret = secretbox.Seal(nil, []byte(cfg.SecondFactor.Secret), &n, &s.key)
	}
	return s, nil
}

// Username returns the non-secret login name.
func (s *Store) Username() string { return s.username }

// AccountID returns the account identifier reported by /status.
func (s *Store) AccountID() string { return "ib_" + s.username }

// HasSecondFactor reports whether a second-factor secret was configured.
func (s *Store) HasSecondFactor() bool { return len(s.secret) > 0 }

// Use opens the sealed secrets, passes them to fn, and zeroes the opened
// buffers when fn returns. The strings fn receives are copies that cannot be
// wiped; fn must not retain them.
func (s *Store) Use(fn func(Credentials) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	password, ok := secretbox.Open(nil, s.password, &s.nonce, &s.key)
	if !ok {
		return errors.New("credentials: sealed password is corrupt")
	}
	defer zero(password)

	var secret []byte
	if len(s.secret) > 0 {
		n := s.nonce
		n[23] ^= 0xff
		secret, ok = secretbox.Open(nil, s.secret, &n, &s.key)
		if !ok {
			return errors.New("credentials: sealed second-factor secret is corrupt")
		}
		defer zero(secret)
	}

	return fn(Credentials{
		Username:           s.username,
		Password:           string(password),
		SecondFactorSecret: string(secret),
	})
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
