// ABOUTME: HTTP handlers for the brokergate facade
// ABOUTME: Health, status, connect/disconnect, event journal, token issuance and the trading proxy

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/brokergate/internal/auth"
	"github.com/2389/brokergate/internal/authflow"
	"github.com/2389/brokergate/internal/health"
	"github.com/2389/brokergate/internal/session"
	"github.com/2389/brokergate/internal/store"
	"github.com/2389/brokergate/internal/supervisor"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status        string         `json:"status"` // "ready" or "not_ready"
	Reason        health.Reason  `json:"reason,omitempty"`
	SessionStatus session.Status `json:"session_status"`
	UserID        string         `json:"user_id"`
	Environment   string         `json:"environment"`
	Timestamp     string         `json:"timestamp"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	AccountID     string           `json:"account_id"`
	UserID        string           `json:"user_id"`
	Environment   string           `json:"environment"`
	Session       session.Snapshot `json:"session"`
	Gateway       supervisor.State `json:"gateway"`
	Health        health.Verdict   `json:"health"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// ConnectResponse is the JSON response for POST /connect and /disconnect.
type ConnectResponse struct {
	Status        string         `json:"status"`
	SessionStatus session.Status `json:"session_status"`
	Reason        health.Reason  `json:"reason,omitempty"`
}

// TokenResponse is the JSON response for POST /auth/token.
type TokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresAt string `json:"expires_at"`
}

// EventsResponse is the JSON response for GET /events.
type EventsResponse struct {
	Events []store.Event `json:"events"`
}

// NotReadyResponse is returned by the trading proxy when the session cannot serve.
type NotReadyResponse struct {
	Error  string        `json:"error"`
	Reason health.Reason `json:"reason"`
}

// handleHealth handles GET /health. It never requires credentials.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	v := g.monitor.Evaluate()

	resp := HealthResponse{
		Status:        "not_ready",
		Reason:        v.Reason,
		SessionStatus: v.SessionStatus,
		UserID:        g.config.Identity.UserID,
		Environment:   g.config.Identity.Environment,
		Timestamp:     v.CheckedAt.UTC().Format(time.RFC3339),
	}
	code := http.StatusServiceUnavailable
	if v.Ready {
		resp.Status = "ready"
		code = http.StatusOK
	}
	g.sendJSON(w, code, resp)
}

// handleLive handles GET /health/live: the process is up.
func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleStatus handles GET /status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, StatusResponse{
		AccountID:     g.credentials.AccountID(),
		UserID:        g.config.Identity.UserID,
		Environment:   g.config.Identity.Environment,
		Session:       g.session.Snapshot(),
		Gateway:       g.supervisor.State(),
		Health:        g.monitor.Evaluate(),
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
	})
}

// handleConnect handles POST /connect: authenticate now, or join the
// attempt already running.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !g.connectLimiter.Allow() {
		retry := g.config.Facade.ConnectInterval
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		g.sendJSONError(w, http.StatusTooManyRequests, "too many connect requests")
		return
	}

	subject := callerSubject(r)
	g.recordFacadeEvent(EventConnectRequested, subject, nil)

	err := g.flow.Authenticate(r.Context())
	v := g.monitor.Evaluate()
	resp := ConnectResponse{SessionStatus: v.SessionStatus, Reason: v.Reason}

	switch {
	case err == nil:
		resp.Status = "connected"
		g.sendJSON(w, http.StatusOK, resp)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// caller gave up; the attempt continues in the background
		resp.Status = "connecting"
		g.sendJSON(w, http.StatusAccepted, resp)
	default:
		g.logger.Warn("connect failed", "subject", subject, "error", err)
		g.recordFacadeEvent(EventConnectFailed, subject, map[string]any{"error": err.Error()})
		resp.Status = "failed"
		g.sendJSON(w, connectFailureStatus(err), resp)
	}
}

// connectFailureStatus maps an authentication error to an HTTP status.
func connectFailureStatus(err error) int {
	var unstable *supervisor.UnstableError
	var startup *supervisor.StartupError
	switch {
	case errors.As(err, &unstable), errors.As(err, &startup):
		return http.StatusServiceUnavailable
	case errors.Is(err, authflow.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// handleDisconnect handles POST /disconnect.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	subject := callerSubject(r)
	if err := g.flow.Logout(r.Context()); err != nil {
		// the local session is reset even when the gateway call fails
		g.logger.Warn("gateway logout failed", "subject", subject, "error", err)
	}
	g.recordFacadeEvent(EventDisconnected, subject, nil)

	g.sendJSON(w, http.StatusOK, ConnectResponse{
		Status:        "disconnected",
		SessionStatus: g.session.Status(),
	})
}

// handleEvents handles GET /events?source=&kind=&since=&limit=.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.EventFilter

	if v := q.Get("source"); v != "" {
		f.Source = &v
	}
	if v := q.Get("kind"); v != "" {
		f.Kind = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	events, err := g.journal.ListEvents(r.Context(), f)
	if err != nil {
		g.logger.Error("failed to list events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	g.sendJSON(w, http.StatusOK, EventsResponse{Events: events})
}

// handleToken handles POST /auth/token: exchange the API key for a bearer token.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	if g.tokens == nil {
		g.sendJSONError(w, http.StatusNotFound, "bearer tokens are not enabled")
		return
	}

	subject := callerSubject(r)
	token, expiresAt, err := g.tokens.Generate(subject, g.config.Facade.TokenTTL)
	if err != nil {
		g.logger.Error("failed to issue token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	g.recordFacadeEvent(EventTokenIssued, subject, map[string]any{"expires_at": expiresAt.UTC().Format(time.RFC3339)})

	g.sendJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// tradingHandler forwards /trading/* to the gateway API when the session is
// ready. Otherwise the request is refused without contacting the gateway.
func (g *Gateway) tradingHandler() http.Handler {
	proxy := g.upstream.Proxy(tradingPrefix)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := g.monitor.Evaluate()
		if !v.Ready {
			w.Header().Set("Retry-After", "5")
			g.sendJSON(w, http.StatusServiceUnavailable, NotReadyResponse{
				Error:  "brokerage session not ready",
				Reason: v.Reason,
			})
			return
		}
		proxy.ServeHTTP(w, r)
	})
}

func callerSubject(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.Subject
	}
	return ""
}

// sendJSON writes v as a JSON response with status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
