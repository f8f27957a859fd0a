// Package dedup implements the request deduplication index.
//
// The index maps a stable content hash of (method, normalized params) to the
// canonical request id whose response is retained for reuse. It is capacity
// managed on its own, independent of the id-correlation caches:
//   - keys are xxhash64 digests of the method and the params re-encoded with
//     sorted object keys
//   - on overflow the oldest mapping is dropped and the owner is told which
//     canonical id lost its index entry
package dedup
