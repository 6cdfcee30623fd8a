// Package core centralizes the domain contracts of the retouch client:
// state references, push events, invocation requests, typed results, the
// error taxonomy and the deterministic target-identifier derivation.
// Concrete implementations (HTTP transport, credential manager, push
// stream, skill invoker) live in sibling packages and depend only on the
// contracts defined here. Keeping the contracts in one place prevents
// higher level packages from depending on concrete wiring.
package core
