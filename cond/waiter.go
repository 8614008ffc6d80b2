// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cond

import "sync/atomic"

// --------------------------------

// A dll is an element of a circular doubly-linked list, used for the
// free-waiter pool. A CV's waiter list uses waiter.cvNext/cvPrev instead.
type dll struct {
	next *dll
	prev *dll
	elem *waiter // the waiter this dll is embedded in, or nil for a bare sentinel.
}

// MakeEmpty makes list *l empty. Requires that *l is not currently part of a
// non-empty list.
func (l *dll) MakeEmpty() {
	l.next = l
	l.prev = l
}

// IsEmpty reports whether list *l is empty.
func (l *dll) IsEmpty() bool {
	return l.next == l
}

// InsertAfter inserts *e into the list right after *p.
func (e *dll) InsertAfter(p *dll) {
	e.next = p.next
	e.prev = p
	e.next.prev = e
	e.prev.next = e
}

// Remove removes *e from whatever list it is currently in.
func (e *dll) Remove() {
	e.next.prev = e.prev
	e.prev.next = e.next
}

// --------------------------------

// The three values of a waiter's state word. It is itself the futex word
// the waiter blocks on: a signaler CASes it from waitingState to
// signaledState, the waiter itself CASes it from waitingState to
// leavingState on timeout/cancellation, and a futex wake (or requeue) on
// &w.state is what actually rouses the blocked thread. Declared as plain
// int32, not a distinct type, so it can be passed directly to both
// sync/atomic and package futex without conversion.
const (
	waitingState int32 = iota
	signaledState
	leavingState
)

// A waiter is the per-call record a private CV.WaitWithDeadline takes from
// a heap-allocated free pool (Go has no notion of pinning a stack frame
// across a blocking syscall) and returns to it before returning. It is the
// node described throughout this package: inserted on the CV's list while
// WAITING, claimed by a signaler (SIGNALED) or by the waiter itself
// (LEAVING), and never touched by more than one signaling goroutine at a
// time thanks to the CAS on state and the barrier SSD-lock below.
type waiter struct {
	q dll // free-pool linkage; valid only while pooled.

	// cvNext, cvPrev link this node into its CV's waiter list (cvNext
	// points toward the tail/oldest end) while on the CV, and into the
	// detached chain a signaler split off while between signal and
	// unwait. These are distinct from q: a waiter is never on the free
	// pool and a CV list at the same time.
	cvNext, cvPrev *waiter

	state int32 // atomic; one of waitingState, signaledState, leavingState.

	// barrier is acquired by the signaler before the CAS that claims this
	// node, and released only after the node is off the CV list and the
	// CV lock has been dropped. A waiter that lost the race to claim its
	// own departure (state observed SIGNALED) blocks on barrier to learn
	// when it is safe to touch the detached-list fields below.
	barrier ssdLock

	requeued bool     // true once FUTEX_REQUEUE has moved this node onto mutex.word.
	notify   *int32   // signaler's drain counter; non-nil iff a signaler saw us leavingState.
	mutexRet error    // error from the final mutex reacquisition.

	mutex  *Mutex // mutex this wait is associated with.
	cond   *CV    // condition variable this wait is queued on.
	shared bool   // true for the process-shared (list-free) protocol.
}

var freeWaiters dll      // pool of unused waiter structs.
var freeWaitersMu uint32 // spinlock protecting freeWaiters; see common.go.

// newWaiter returns a zeroed, pooled waiter node ready for a fresh wait.
func newWaiter() (w *waiter) {
	spinTestAndSet(&freeWaitersMu, 1, 1)
	if freeWaiters.next == nil {
		freeWaiters.MakeEmpty()
	}
	if !freeWaiters.IsEmpty() {
		q := freeWaiters.next
		q.Remove()
		w = q.elem
	}
	atomic.StoreUint32(&freeWaitersMu, 0)
	if w == nil {
		w = new(waiter)
		w.q.elem = w
	}
	w.cvNext = nil
	w.cvPrev = nil
	w.state = waitingState
	w.barrier = ssdLock{}
	w.requeued = false
	w.notify = nil
	w.mutexRet = nil
	w.mutex = nil
	w.cond = nil
	w.shared = false
	return w
}

// freeWaiter returns w to the pool.
func freeWaiter(w *waiter) {
	spinTestAndSet(&freeWaitersMu, 1, 1)
	w.q.InsertAfter(&freeWaiters)
	atomic.StoreUint32(&freeWaitersMu, 0)
}
