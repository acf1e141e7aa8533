// Package loop runs a serial work loop on a dedicated background
// goroutine, so ordinary synchronous test code can drive long-lived
// asynchronous resources without being rewritten around them.
//
// The loop goroutine is the single serialization point: everything it
// owns (child processes, stream readers, capture buffers) is mutated
// only by work executing on it. Foreign goroutines interact through
// Call, which enqueues work and blocks on a single-use buffered result
// slot, or Submit, which enqueues and forgets.
//
// Lifecycle is acquire-once: New -> Start -> Stop -> discard. Restart
// after Stop is refused rather than silently tolerated, to catch
// lifecycle bugs in test suites early.
package loop
