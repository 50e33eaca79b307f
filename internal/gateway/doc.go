// Package gateway orchestrates the brokergate server components.
//
// # Overview
//
// The gateway package is the central coordinator of brokergate. It owns the
// brokerage session, the gateway process supervisor, the keep-alive loop,
// the health monitor, the event journal and the HTTP/gRPC listeners.
//
// # Wiring
//
//	supervisor down    -> flow.Reset("gateway down")
//	supervisor restart -> flow.Authenticate (background)
//	session transition -> journal (source "session")
//	supervisor event   -> journal (source "gateway")
//	keep-alive failure -> EXPIRING -> REAUTHENTICATING -> flow.Authenticate
//
// # HTTP API
//
// Public:
//
//   - GET /health - readiness verdict, 200 ready / 503 not ready
//   - GET /health/live - liveness
//
// Authenticated by X-API-Key (or a bearer token from /auth/token):
//
//   - GET /status - session snapshot, process state, verdict, account id
//   - POST /connect - authenticate now (rate limited)
//   - POST /disconnect - log out
//   - GET /events - event journal, newest first
//   - POST /auth/token - issue a bearer token (API key callers only)
//   - ANY /trading/* - proxied to the gateway API when ready, else 503
//
// A wrong API key is rejected with 401 before any handler runs.
//
// # gRPC
//
// When server.grpc_addr is set, grpc.health.v1.Health is served. Services
// "" and "brokergate.Session" are SERVING exactly when /health is ready.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	err = gw.Run(ctx) // returns after graceful shutdown
//
// # Key Files
//
//   - gateway.go: Gateway struct, wiring, listeners, Run/Shutdown
//   - router.go: route table, CORS and request logging middleware
//   - api.go: HTTP handlers and the trading proxy gate
//   - grpc.go: gRPC health publisher
//   - events.go: event journaling and pruning
package gateway
