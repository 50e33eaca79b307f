// Package authflow logs the brokerage session in through the gateway.
//
// Flow is the only writer that may move the session into AUTHENTICATED or
// FAILED. Concurrent Authenticate calls share one in-flight attempt. A
// second-factor challenge is answered by a pluggable SecondFactor; TOTP is
// built in.
package authflow
