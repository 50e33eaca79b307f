// Package keepalive pings the gateway on a fixed interval so the brokerage
// session does not time out, and escalates repeated failures into a
// reauthentication.
package keepalive
