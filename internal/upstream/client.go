// ABOUTME: HTTP client for the brokerage gateway's local API
// ABOUTME: Probe, login, second factor, auth status, keep-alive, logout and reverse proxy

package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/2389/brokergate/internal/config"
)

var (
	// ErrCredentialsRejected means the gateway refused the username/password.
	ErrCredentialsRejected = errors.New("gateway rejected credentials")

	// ErrSecondFactorRejected means the gateway refused the second-factor code.
	ErrSecondFactorRejected = errors.New("gateway rejected second factor")

	// ErrNotAuthenticated means the gateway reports no authenticated brokerage session.
	ErrNotAuthenticated = errors.New("gateway session not authenticated")
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway %s: unexpected status %d", e.Op, e.Code)
}

// Challenge describes a second-factor prompt returned by the login endpoint.
type Challenge struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
}

// LoginResult is the outcome of submitting username/password.
type LoginResult struct {
	Authenticated bool       `json:"authenticated"`
	Challenge     *Challenge `json:"challenge,omitempty"`
}

// ChallengeRequired reports whether a second-factor round-trip is needed.
func (r LoginResult) ChallengeRequired() bool {
	return r.Challenge != nil
}

// AuthStatus mirrors the gateway's brokerage session status.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message,omitempty"`
}

// Client talks to one gateway instance.
type Client struct {
	base       *url.URL
	apiPrefix  string
	paths      config.UpstreamPaths
	httpClient *http.Client
	jar        http.CookieJar
	logger     *slog.Logger
}

// New creates a Client for the gateway described by cfg.
func New(cfg config.UpstreamConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		// the local gateway ships a self-signed certificate
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		base:      base,
		apiPrefix: cfg.APIPrefix,
		paths:     cfg.Paths,
		httpClient: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   timeout,
		},
		jar:    jar,
		logger: logger,
	}, nil
}

// BaseURL returns the gateway base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Probe checks that the gateway answers HTTP at all. Any response below 500
// counts: an unauthenticated gateway still answers 401.
func (c *Client) Probe(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.paths.Probe, nil)
	if err != nil {
		return err
	}
	drain(resp)
	if resp.StatusCode >= 500 {
		return &StatusError{Op: "probe", Code: resp.StatusCode}
	}
	return nil
}

// Login submits username and password.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	body := map[string]string{"username": username, "password": password}
	resp, err := c.do(ctx, http.MethodPost, c.paths.Login, body)
	if err != nil {
		return LoginResult{}, err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return LoginResult{}, ErrCredentialsRejected
	case resp.StatusCode >= 300:
		return LoginResult{}, &StatusError{Op: "login", Code: resp.StatusCode}
	}

	var result LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
		return LoginResult{}, fmt.Errorf("decoding login response: %w", err)
	}
	return result, nil
}

// SubmitSecondFactor answers a second-factor challenge.
func (c *Client) SubmitSecondFactor(ctx context.Context, code string) error {
	resp, err := c.do(ctx, http.MethodPost, c.paths.SecondFactor, map[string]string{"code": code})
	if err != nil {
		return err
	}
	drain(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrSecondFactorRejected
	case resp.StatusCode >= 300:
		return &StatusError{Op: "second factor", Code: resp.StatusCode}
	}
	return nil
}

// AuthStatus returns the gateway's view of the brokerage session.
func (c *Client) AuthStatus(ctx context.Context) (AuthStatus, error) {
	resp, err := c.do(ctx, http.MethodPost, c.paths.AuthStatus, nil)
	if err != nil {
		return AuthStatus{}, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return AuthStatus{}, nil
	}
	if resp.StatusCode >= 300 {
		return AuthStatus{}, &StatusError{Op: "auth status", Code: resp.StatusCode}
	}

	var st AuthStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return AuthStatus{}, fmt.Errorf("decoding auth status: %w", err)
	}
	return st, nil
}

// tickleResponse is the subset of the keep-alive response we inspect.
type tickleResponse struct {
	IServer *struct {
		AuthStatus *AuthStatus `json:"authStatus"`
	} `json:"iserver"`
}

// Keepalive pings the gateway so the brokerage session does not time out.
func (c *Client) Keepalive(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, c.paths.Keepalive, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrNotAuthenticated
	}
	if resp.StatusCode >= 300 {
		return &StatusError{Op: "keepalive", Code: resp.StatusCode}
	}

	var tr tickleResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		// body is optional; a 2xx alone is a successful tickle
		return nil
	}
	if tr.IServer != nil && tr.IServer.AuthStatus != nil && !tr.IServer.AuthStatus.Authenticated {
		return ErrNotAuthenticated
	}
	return nil
}

// Logout ends the brokerage session on the gateway.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, c.paths.Logout, nil)
	if err != nil {
		return err
	}
	drain(resp)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusUnauthorized {
		return &StatusError{Op: "logout", Code: resp.StatusCode}
	}
	return nil
}

// Proxy returns a handler forwarding requests under stripPrefix to the
// gateway API. "/trading/portfolio/accounts" becomes
// "<base><api_prefix>/portfolio/accounts". Responses pass through unmodified.
func (c *Client) Proxy(stripPrefix string) http.Handler {
	target := *c.base
	target.Path = strings.TrimRight(c.base.Path, "/") + c.apiPrefix

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, stripPrefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(&target)
			pr.Out.Host = target.Host

			// facade credentials must never reach the gateway
			pr.Out.Header.Del("X-API-Key")
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Idempotency-Key")
			for _, ck := range c.jar.Cookies(&target) {
				pr.Out.AddCookie(ck)
			}
		},
		Transport: c.httpClient.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			c.logger.Warn("proxy request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"gateway unavailable"}`))
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimRight(c.base.Path, "/") + path})

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "brokergate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
