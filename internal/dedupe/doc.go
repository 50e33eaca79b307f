// Package dedupe provides Idempotency-Key replay protection for the facade.
//
// Order-placing calls proxied to the gateway are not safe to repeat. A
// client that retries with the same Idempotency-Key within the TTL gets the
// first response replayed instead of a second order.
package dedupe
