// Package admission gates how many CLI subprocesses may run at once.
//
// # Pools
//
// Two independent pools exist, one for streaming requests and one for
// non-streaming requests, each with its own configured maximum. A pool is a
// plain counter: Acquire either takes a slot immediately or fails with
// ErrCapacityExceeded. Nothing waits in line; the caller answers with a
// retryable 429.
//
// # Release
//
// A request can finish in several ways at once (the handler returns, the
// subprocess fails, the client goes away). Slot.Release is safe to call from
// all of them; only the first call decrements the pool, and the counter never
// drops below zero.
//
//	slot, err := ctrl.AcquireContext(r.Context(), admission.Streaming)
//	if err != nil {
//	    // 429
//	}
//	defer slot.Release()
package admission
