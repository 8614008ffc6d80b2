// Package futex provides the three primitives pthread_cond_timedwait's
// musl implementation builds on: a blocking wait that only sleeps while a
// word still holds an expected value, a wake that rouses waiters blocked on
// a word, and a requeue that moves blocked waiters from one word's queue to
// another's without waking them. See futex(2) for the kernel contract this
// mirrors.
//
// On linux, Wait/Wake/Requeue issue the real SYS_FUTEX syscall via
// golang.org/x/sys/unix. Elsewhere (darwin, windows, ...) there is no
// portable futex syscall, so futex_other.go emulates the same contract with
// a single process-wide list of parked goroutines, a simplified form of the
// technique used by folly's Futex (see the pack's twmb-dash/experimental/futex). Callers in
// package cond never need to know which implementation they got.
package futex

import "time"

// Result is the outcome of Wait.
type Result int

const (
	// Woken means *addr changed, or a Wake/Requeue roused this waiter.
	Woken Result = iota
	// TimedOut means deadline elapsed before either of the above.
	TimedOut
	// Cancelled means cancel fired before either of the above.
	Cancelled
)

// Wait blocks while *addr == expect, until one of:
//   - another thread calls Wake (or Requeue with a wake count) on addr,
//   - deadline elapses (deadline.IsZero() means wait forever),
//   - cancel is closed or receivable.
//
// Wait may return Woken spuriously, i.e. with *addr still == expect; the
// futex(2) contract permits this, and every caller in package cond loops on
// it exactly as a pthread_cond_timedwait caller loops on EINTR.
func Wait(addr *int32, expect int32, deadline time.Time, cancel <-chan struct{}) Result {
	return wait(addr, expect, deadline, cancel)
}

// Wake wakes up to count waiters blocked on addr. It returns the number
// actually woken.
func Wake(addr *int32, count int) int {
	return wake(addr, count)
}

// Requeue wakes up to wakeCount waiters blocked on from, and moves up to
// requeueCount of the remaining waiters blocked on from onto to's wait
// queue, without waking them. It returns the number of waiters that were
// requeued (as opposed to woken). On linux the kernel does not report that
// number, so a successful syscall returns requeueCount as given, even if
// fewer waiters were blocked on from.
//
// toShared must be true when to belongs to a process-shared object. A real
// FUTEX_REQUEUE cannot move a waiter between a private futex word and a
// shared one, so in that case Requeue falls back to waking everything it
// would have requeued, and reports zero requeued (the spec's "-EINVAL
// detection" fallback).
func Requeue(from, to *int32, wakeCount, requeueCount int, toShared bool) int {
	return requeue(from, to, wakeCount, requeueCount, toShared)
}
