// Package auth authenticates callers of the brokergate facade.
//
// # Methods
//
//   - API key: the X-API-Key header, compared in constant time against the
//     configured key. This is the primary method.
//   - Bearer token: when facade.jwt_secret is set, POST /auth/token exchanges
//     the API key for a short-lived HS256 JWT that is then accepted in the
//     Authorization header.
//
// A request that presents an API key is judged by that key alone; a wrong
// key is rejected even if a valid bearer token is also present.
//
// The authenticated Identity is attached to the request context:
//
//	id := auth.FromContext(r.Context())
package auth
