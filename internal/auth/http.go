// ABOUTME: HTTP middleware authenticating facade callers by API key or bearer token
// ABOUTME: Constant-time key comparison; failures answer 401 before any handler runs

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// HeaderAPIKey carries the facade API key.
const HeaderAPIKey = "X-API-Key"

// ErrUnauthorized is the caller-facing authentication failure.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator checks facade credentials.
type Authenticator struct {
	keyHash  [sha256.Size]byte
	subject  string
	verifier TokenVerifier
}

// NewAuthenticator accepts apiKey, and bearer tokens from verifier when it
// is non-nil. subject names API-key callers.
func NewAuthenticator(apiKey, subject string, verifier TokenVerifier) *Authenticator {
	return &Authenticator{
		keyHash:  sha256.Sum256([]byte(apiKey)),
		subject:  subject,
		verifier: verifier,
	}
}

// Authenticate identifies the caller of r. A presented API key decides the
// outcome on its own; a bearer token is only consulted without one.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		got := sha256.Sum256([]byte(key))
		if subtle.ConstantTimeCompare(got[:], a.keyHash[:]) != 1 {
			return nil, ErrUnauthorized
		}
		return &Identity{Method: MethodAPIKey, Subject: a.subject}, nil
	}

	if a.verifier == nil {
		return nil, ErrUnauthorized
	}
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, ErrUnauthorized
	}
	sub, err := a.verifier.Verify(token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &Identity{Method: MethodBearer, Subject: sub}, nil
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// caller Identity to the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="brokergate"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAPIKey allows only callers that authenticated with the API key.
// Must run after Middleware.
func RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil || id.Method != MethodAPIKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"api key required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
