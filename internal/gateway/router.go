// ABOUTME: HTTP route table and middleware chain for the facade
// ABOUTME: Health routes are public; everything else passes API key or bearer authentication

package gateway

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/brokergate/internal/auth"
	"github.com/2389/brokergate/internal/dedupe"
)

// HeaderRequestID carries the per-request correlation ID.
const HeaderRequestID = "X-Request-ID"

const tradingPrefix = "/trading"

// routes builds the facade handler.
func (g *Gateway) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /status", g.handleStatus)
	api.HandleFunc("POST /connect", g.handleConnect)
	api.HandleFunc("POST /disconnect", g.handleDisconnect)
	api.HandleFunc("GET /events", g.handleEvents)
	api.Handle("POST /auth/token", auth.RequireAPIKey(http.HandlerFunc(g.handleToken)))

	trading := dedupe.Middleware(g.dedupe, callerScope)(g.tradingHandler())
	api.Handle(tradingPrefix+"/", trading)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/live", g.handleLive)
	mux.Handle("/", g.authn.Middleware(api))

	return g.requestLogger(corsMiddleware(g.config.Facade.CORSOrigins, mux))
}

// callerScope keys idempotency records per authenticated caller.
func callerScope(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return string(id.Method) + ":" + id.Subject
	}
	return ""
}

// corsMiddleware answers preflight requests and sets CORS headers for
// allowed origins. "*" allows any origin.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := slices.Contains(origins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || slices.Contains(origins, origin)) {
			h := w.Header()
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Authorization", "Content-Type", auth.HeaderAPIKey, dedupe.HeaderIdempotencyKey, HeaderRequestID,
			}, ", "))
			h.Set("Access-Control-Max-Age", "600")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response status for logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogger assigns a request ID and logs each request once it completes.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		level := slog.LevelDebug
		if sw.status >= 500 {
			level = slog.LevelWarn
		}
		g.logger.Log(r.Context(), level, "http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}
