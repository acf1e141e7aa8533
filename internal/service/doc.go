// Package service spawns and supervises one external process used as a
// test dependency, from spawn to guaranteed termination.
//
// Overview
// A Supervisor is bound to a loop.Loop. Start spawns the child through
// the loop, attaches line readers to both output streams and then walks
// the readiness phases in strict sequence: minimum uptime, expected
// output marker, expected TCP port. Only then is the service declared
// running. Readiness is evidence based, never a fixed sleep.
//
// Data flow:
//
//	test goroutine          loop goroutine             child process
//	     |                      |                           |
//	Start() --- Call ---------->| spawn, attach readers --->| exec
//	     |                      |<-- stdout/stderr lines ---|
//	     | wait marker          | ring, match, forward      |
//	     | wait port            |       to slog sink        |
//	     |<------- ready -------|                           |
//	     |                      |<------- exit event -------| (watcher)
//	Stop() ---- Call ---------->| SIGTERM, then SIGKILL --->|
//
// Invariants:
//   - The capture ring and the process handle are mutated only by work
//     running on the loop goroutine.
//   - Readiness phases are sequenced, never raced: a marker is evidence
//     the service began its listen sequence, which makes the port probe
//     meaningful. Each phase has its own timeout budget.
//   - A child that exits before reaching running aborts the phase in
//     progress immediately, it is never masked by waiting out a budget.
//   - A failed Start leaves no child process behind: a best effort kill
//     happens before the error propagates.
//   - Teardown order is fixed: stop the Supervisor before stopping the
//     Loop, or the child is orphaned with no loop left to reap it.
package service
