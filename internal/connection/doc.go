// Package connection implements a JSON-RPC client over one persistent,
// bidirectional connection.
//
// The Provider:
//   - Dials the transport with bounded exponential-backoff retry
//   - Runs a single background reader that classifies every frame as a
//     direct reply or a subscription push
//   - Correlates replies to callers by request id using bounded caches
//   - Routes pushes either to the message stream or to per-subscription
//     handlers, blocking the reader while the target queue is full
//   - Tears everything down on Disconnect; nothing survives a reconnect
//     except configuration
//
// Mid-session transport failures are surfaced, not retried.
package connection
