// Package cache provides a generic, capacity-bounded key/value store used for
// correlation bookkeeping.
//
// Eviction is drop-oldest by insertion: reads never refresh an entry, so the
// entry evicted on overflow is always the one stored longest ago. Re-setting an
// existing key counts as a fresh insertion. Eviction is silent to callers of
// Set apart from the optional eviction callback and the Evictions counter.
package cache
