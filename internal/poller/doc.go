// Package poller issues JSON-RPC calls on a fixed interval.
//
// Each cycle sends every configured call concurrently, bounded by the
// configured concurrency, and hands successful responses to a handler.
// Calls to cacheable methods are answered from the provider's response
// cache after the first cycle.
package poller
