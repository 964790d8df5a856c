// Package coio implements a single-threaded cooperative-concurrency runtime
// built on a readiness-based reactor, together with a non-blocking file
// facade whose read/write/flush/seek operations suspend the calling task
// instead of blocking the process.
//
// A [Scheduler] owns a [Reactor] and a set of tasks. Tasks are spawned with
// [Scheduler.Spawn] and interleave only at explicit suspension points:
// [Scheduler.Spawn] itself, [Scheduler.Yield], [Scheduler.Sleep], the
// readiness waits, [Task.Join], [Mutex.Lock], [Queue.Get], and any [File]
// operation that would block. The goroutine that created the scheduler is
// the main task; whenever it suspends, the scheduler loop runs in its place
// and hands control back once the main task is runnable again.
//
// A process-wide default scheduler is available through [Default], and the
// package-level functions ([Spawn], [Sleep], [Read], [Write], ...) operate
// on it.
package coio
