// Package session mirrors per-connection session state into Redis so that
// operators and other services can see who is idle, waiting or in a room.
// The matching engine stays the source of truth; the mirror is fed from its
// event stream and lags it slightly.
package session
