// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connect attempts and failures
//   - Requests sent and responses received, by outcome
//   - Subscription pushes dispatched, by route
//   - Queue depth and correlation cache evictions
package metrics
