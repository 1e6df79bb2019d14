// Package shadowstack implements the per-worker shadow stack region.
//
// On a wasm32 target the collector cannot walk native call frames, so
// generated code keeps every live managed reference in an explicit stack of
// 4-byte slots in linear memory. Function prologues reserve slots by moving
// the top cursor up, epilogues release them by moving it back down:
//
//	base := region.Reserve(3) // prologue: three reference slots
//	linmem.Store(mem, region.Slot(base, 0), obj)
//	...
//	region.Release(base)      // epilogue
//
// # Layout
//
//	bottom                    top                      bottom+capacity
//	  |  live slots (scanned)  |  free (not yet pushed)  |
//
// The region grows upwards. Its capacity is fixed when the region is first
// used and is never resized: growth would move slots under a collector that
// may be holding their addresses, so running out of space is fatal.
//
// # Concurrency
//
// A region belongs to exactly one worker. The cursors are atomics so that a
// collector running at a safepoint on another goroutine observes consistent
// values; no other synchronization is needed.
package shadowstack
