// Package refresher keeps a short-lived access token fresh for a cloud client session.
//
// A single worker goroutine owns the access/refresh pair. Callers reach it through a
// Refresher handle whose requests are queued on a bounded channel and answered on
// per-request reply channels, so no locks guard the session state.
//
// Refresh tokens are single-use: the worker clears the cached access token and takes
// the refresh token out of its state before presenting it to the auth server, and
// installs the returned pair as one unit. Reads never wait for an exchange in flight.
//
// Persisting tokens across restarts is left to the caller.
package refresher
