// Package transport implements the request executor for the editor
// service: request building, timeout handling, classification of
// transient versus permanent failures, capped-exponential retry of
// transient ones, and a single transparent refresh-and-retry on an
// authentication rejection.
package transport
