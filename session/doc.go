// Package session implements the core.TokenSource contract: it owns the
// credential material (API key, or login/password exchanged for a
// short-lived signed token) and the currently valid access token, and it
// transparently re-authenticates on expiry or on an authentication
// rejection. Refreshes are single-flight: concurrent callers racing past
// an expired token share one login exchange.
package session
