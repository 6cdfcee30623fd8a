// Package logging provides a minimal logging interface and adapters for
// the retouch client.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the transport, session, stream and skill layers use
// for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	client, err := retouch.New(creds, func(o *retouch.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor
// lock-in while supporting structured logging where available.
package logging
