// Package testutil provides an in-process fake of the editor service for
// package tests: login and token verification, one-time subscription
// auth, a websocket push channel, content-addressed skill execution with
// configurable delays and failures, and upload/metadata/image endpoints.
package testutil
