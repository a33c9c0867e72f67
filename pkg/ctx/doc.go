/*
Package ctx holds the shared runtime context of a redotail process.

A single Ctx value is created by main and borrowed by every long-running
goroutine. It carries:

  - Shutdown coordination. StopSoft requests a graceful stop (drain pending
    commits, then exit); StopHard requests a stop at the next safe point. Both
    broadcast every registered sync.Cond so no goroutine stays parked on a
    wait whose predicate can no longer become true. Every blocking wait in the
    system includes a shutdown check in its predicate.

  - Redo-stream facts fixed by the first log header: byte order (the stream
    may be big-endian on some platforms) and the database compat version.

  - Endian-dispatching binary readers for the redo wire formats, including
    the 6-or-8-byte SCN encoding and its rolled variant.

  - The check mask (DisableChecks) and trace mask.

  - The classified error type used by run loops to map a failure to its exit
    behavior.

# Concurrency

Flags are atomics; the cond registry is mutex-guarded. Binary helpers are
pure. The Ctx itself is never mutated after startup except through the
documented setters.
*/
package ctx
