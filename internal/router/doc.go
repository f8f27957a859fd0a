// Package router implements the subscription dispatcher.
//
// The Router:
//   - Owns two bounded buffers: a message stream drained in arrival order by
//     callers, and a handler-routed buffer drained by a handler loop
//   - Routes each push to exactly one of them, chosen by whether a handler is
//     registered for its subscription id at dispatch time
//   - Blocks the producer when the chosen buffer is full (backpressure)
//   - Closes both buffers on shutdown so every blocked consumer wakes up
package router
