// Package stream maintains the long-lived push channel of a session and
// routes completion, failure and progress events to the pending operation
// that requested the corresponding work. One websocket connection serves
// any number of concurrent waiters; a demultiplexing read loop is the
// sole owner of the key-to-waiter map. Transport-level disconnects are
// recovered with capped-exponential backoff up to a retry ceiling; if
// recovery permanently fails every outstanding waiter resolves with a
// retryable stream-lost fault so callers can re-issue their skill calls.
package stream
