// Package upstream is the HTTP client for the brokerage gateway's local API.
//
// The gateway is an opaque local HTTPS service (the Client Portal gateway
// by default, listening on https://localhost:5000 with a self-signed
// certificate). brokergate uses six of its endpoints, all configurable
// through config.UpstreamPaths:
//
//   - probe: any answer below 500 means the process is up
//   - login: username/password, may answer with a second-factor challenge
//   - second factor: submits the challenge response
//   - auth status: confirms the brokerage session is authenticated
//   - keepalive ("tickle"): keeps the session from timing out
//   - logout
//
// Everything else is reached through Proxy, a reverse proxy that maps the
// facade's /trading/ prefix onto the gateway's API prefix. The gateway's
// session cookies, collected by the client's cookie jar during login, are
// attached to proxied requests; facade credentials are stripped.
package upstream
