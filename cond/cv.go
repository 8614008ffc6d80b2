// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cond

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/vanadium/futexsync/internal/futex"
	"github.com/vanadium/futexsync/internal/obs"
)

// A CV is a Mesa-style condition variable with an absolute deadline and
// cooperative cancellation, built directly on futex wait/wake/requeue. Its
// zero value is a usable, private (single-address-space) CV; use NewShared
// for one whose waiters may live in different processes.
//
// WaitWithDeadline atomically releases an associated Mutex, blocks until
// Signal, Broadcast, the deadline, or cancellation, and reacquires the
// Mutex before returning - on every return path. Signal and Broadcast wake
// the oldest waiting callers first among private waiters; to avoid a
// thundering herd on the mutex, a Broadcast wakes only the single oldest
// directly and hands the rest to the kernel's futex requeue, one mutex
// contender at a time, as each predecessor reacquires and later releases
// the mutex.
type CV struct {
	lock ssdLock // guards head/tail; unused (and unnecessary) for a shared CV.
	head *waiter // newest waiter.
	tail *waiter // oldest waiter; signaled first.

	seq     int32 // futex word for a shared CV's list-free protocol.
	waiters int32 // atomic count of blocked threads, shared variant only.

	shared bool
}

// NewShared returns a CV for waiters that may not share an address space:
// they coordinate solely through an internal sequence counter and waiter
// count, never through the doubly-linked waiter list a private CV uses.
func NewShared() *CV {
	return &CV{shared: true}
}

// WaitWithDeadline is described on CV. deadline's zero value means wait
// forever. cancel, if non-nil, is a channel whose readiness requests early
// return; the Mutex is still reacquired before WaitWithDeadline returns in
// that case.
//
// If mu is an error-checking Mutex not currently held, WaitWithDeadline
// returns ErrNotOwner immediately without touching the CV.
func (cv *CV) WaitWithDeadline(mu *Mutex, deadline time.Time, cancel <-chan struct{}) (Outcome, error) {
	if mu.errorChecking && !mu.Held() {
		return Signaled, ErrNotOwner
	}
	select {
	case <-cancel:
		// Already cancelled: report it without ever enqueueing a node, the
		// same way a cancellation point checked up front never blocks.
		return Cancelled, nil
	default:
	}
	if cv.shared {
		return cv.waitShared(mu, deadline, cancel)
	}
	return cv.waitPrivate(mu, deadline, cancel)
}

// Wait blocks until Signal or Broadcast wakes this call. It is shorthand
// for WaitWithDeadline with no deadline and no cancellation.
func (cv *CV) Wait(mu *Mutex) {
	cv.WaitWithDeadline(mu, time.Time{}, nil)
}

// Signal wakes at most one waiter, the one that has been waiting longest.
func (cv *CV) Signal() {
	if cv.shared {
		cv.signalShared(1)
		return
	}
	cv.signalPrivate(1)
}

// Broadcast wakes every current waiter.
func (cv *CV) Broadcast() {
	if cv.shared {
		cv.signalShared(math.MaxInt32)
		return
	}
	cv.signalPrivate(math.MaxInt32)
}

// ---- private protocol ----

func (cv *CV) waitPrivate(mu *Mutex, deadline time.Time, cancel <-chan struct{}) (Outcome, error) {
	w := newWaiter()
	w.mutex = mu
	w.cond = cv
	w.barrier.word = 1 // held; a signaler releases it after the handoff.

	cv.lock.lock()
	w.cvNext = cv.head
	if cv.head != nil {
		cv.head.cvPrev = w
	}
	cv.head = w
	if cv.tail == nil {
		cv.tail = w
	}
	cv.lock.unlock()

	// Mutex release happens-after list insertion so a concurrent signaler
	// can never observe an empty CV while we still hold mu.
	mu.Unlock()

	var res futex.Result
	for {
		res = futex.Wait(&w.state, waitingState, deadline, cancel)
		if atomic.LoadInt32(&w.state) != waitingState {
			break
		}
		if res != futex.Woken {
			break
		}
		// Spurious wake with state still WAITING: the futex(2) contract
		// permits this, loop exactly as a pthread_cond_timedwait caller
		// loops on EINTR.
	}

	claimed := cv.unwaitPrivate(w)

	var outcome Outcome
	switch {
	case claimed:
		outcome = Signaled
	case res == futex.TimedOut:
		outcome = TimedOut
	default:
		outcome = Cancelled
	}
	if obs.Enabled() {
		obs.Debugf("cond: waitPrivate done outcome=%s claimed=%v", outcome, claimed)
	}

	err := w.mutexRet
	freeWaiter(w)
	return outcome, err
}

// unwaitPrivate is the cleanup every private wait runs exactly once, on
// every exit path: normal wake, timeout, or cancellation. It reports
// whether a signaler had already claimed this node (Path B) by the time it
// ran, as opposed to this call winning the race to leave on its own
// (Path A).
func (cv *CV) unwaitPrivate(w *waiter) bool {
	claimed := !atomic.CompareAndSwapInt32(&w.state, waitingState, leavingState)

	if !claimed {
		// Path A: we are still on the CV list. Access to it is valid
		// because no signal/broadcast can return after observing us in
		// LEAVING without being notified below.
		cv.lock.lock()
		cv.unlinkLocked(w)
		cv.lock.unlock()

		if w.notify != nil {
			if atomic.AddInt32(w.notify, -1) == 0 {
				futex.Wake(w.notify, 1)
			}
		}
		w.mutex.Lock()
		w.mutexRet = nil
		return false
	}

	// Path B: a signaler already claimed this node; it is off the CV
	// list, but the barrier may still be held. The mutex is the only
	// safeguard against unsynchronized access to the detached list below,
	// so it is reacquired first.
	w.mutex.Lock()
	w.mutexRet = nil

	// Wait until the signaler has handed over custody: the CV lock has
	// been released and the detached-list fields are consistent.
	w.barrier.lock()

	if w.requeued {
		w.mutex.addWaiters(-1)
	}
	cv.handOffSuccessor(w)
	return true
}

// handOffSuccessor finds a not-yet-requeued predecessor of w in the
// detached chain (starting from the tail end, walking back toward the
// head) and hands it w's "I will be the next mutex contender" role via
// FUTEX_REQUEUE, then unlinks w from the chain. Preserves the invariant
// that every signaled waiter results in exactly one future mutex
// contender, however many hops of timeout/cancellation occur in between.
func (cv *CV) handOffSuccessor(w *waiter) {
	p := w
	for p.cvNext != nil {
		p = p.cvNext
	}
	if p == w {
		p = w.cvPrev
	}
	for p != nil && p.requeued {
		p = p.cvPrev
	}
	if p == w {
		p = w.cvPrev
	}
	if p != nil {
		p.requeued = true
		w.mutex.addWaiters(1)
		w.mutex.markHasWaiters()
		futex.Requeue(&p.state, w.mutex.lockWord(), 0, 1, w.mutex.shared)
	}

	if w.cvNext != nil {
		w.cvNext.cvPrev = w.cvPrev
	}
	if w.cvPrev != nil {
		w.cvPrev.cvNext = w.cvNext
	}
	w.cvNext = nil
	w.cvPrev = nil
}

// unlinkLocked removes w from the main CV list. Callers must hold cv.lock.
func (cv *CV) unlinkLocked(w *waiter) {
	if cv.head == w {
		cv.head = w.cvNext
	} else if w.cvPrev != nil {
		w.cvPrev.cvNext = w.cvNext
	}
	if cv.tail == w {
		cv.tail = w.cvPrev
	} else if w.cvNext != nil {
		w.cvNext.cvPrev = w.cvPrev
	}
	w.cvNext = nil
	w.cvPrev = nil
}

// signalPrivate claims up to n waiters, oldest first, then wakes the
// oldest directly and releases every claimed node's barrier so the rest
// can proceed once requeued onto the mutex.
func (cv *CV) signalPrivate(n int) {
	cv.lock.lock()

	var oldest *waiter // first (oldest) successfully claimed node.
	var ref int32
	p := cv.tail
	for n > 0 && p != nil {
		if atomic.CompareAndSwapInt32(&p.state, waitingState, signaledState) {
			n--
			if oldest == nil {
				oldest = p
			}
		} else {
			// p is already LEAVING: record a back-reference so this
			// call drains it before returning.
			ref++
			p.notify = &ref
		}
		p = p.cvPrev
	}

	// Split the list: everything from the old tail up to (and including)
	// the last node visited is detached; any remainder stays on the CV.
	if p != nil {
		if p.cvNext != nil {
			p.cvNext.cvPrev = nil
		}
		p.cvNext = nil
	} else {
		cv.head = nil
	}
	cv.tail = p

	cv.lock.unlock()

	// Cannot return while any LEAVING waiter this call observed still
	// references ref: that would let a CV destruction race a still-
	// running unwait.
	for {
		cur := atomic.LoadInt32(&ref)
		if cur == 0 {
			break
		}
		futex.Wait(&ref, cur, time.Time{}, nil)
	}

	for p := oldest; p != nil; {
		next := p.cvPrev
		if p.cvNext == nil {
			// This is the true oldest waiter in the whole list at the
			// time it was claimed: wake it directly. The futex(2) value
			// check means the wake is harmless even if, by the time it
			// runs, the waiter has already moved on via unwaitPrivate.
			futex.Wake(&p.state, 1)
		}
		p.barrier.unlock()
		p = next
	}
}

// ---- process-shared protocol ----

// sharedDestroySentinel mirrors musl's cond_t destroy bias: DestroyShared
// adds it to waiters, and the last departing waiter's decrement lands
// exactly on it, which is the signal DestroyShared is blocked waiting for.
const sharedDestroySentinel = -0x7fffffff

func (cv *CV) waitShared(mu *Mutex, deadline time.Time, cancel <-chan struct{}) (Outcome, error) {
	atomic.AddInt32(&cv.waiters, 1)
	seq := atomic.LoadInt32(&cv.seq)

	mu.Unlock()

	var res futex.Result
	for {
		res = futex.Wait(&cv.seq, seq, deadline, cancel)
		if atomic.LoadInt32(&cv.seq) != seq {
			break
		}
		if res != futex.Woken {
			break
		}
	}

	if atomic.AddInt32(&cv.waiters, -1) == sharedDestroySentinel {
		futex.Wake(&cv.waiters, 1)
	}
	mu.Lock()

	var outcome Outcome
	switch {
	case atomic.LoadInt32(&cv.seq) != seq:
		outcome = Signaled
	case res == futex.TimedOut:
		outcome = TimedOut
	default:
		outcome = Cancelled
	}
	return outcome, nil
}

func (cv *CV) signalShared(n int) {
	atomic.AddInt32(&cv.seq, 1)
	futex.Wake(&cv.seq, n)
}

// DestroyShared blocks until every outstanding shared waiter has left
// waitShared, then leaves cv unusable. It is a no-op on a private CV,
// which has no equivalent lifecycle hazard: a private CV's list is only
// ever touched while holding its own ssdLock.
//
// Biasing waiters by sharedDestroySentinel means every subsequent
// departing waiter's decrement walks waiters back toward the sentinel
// rather than toward zero; the decrement that lands exactly on it is, by
// construction, the last one, and it wakes this call.
func (cv *CV) DestroyShared() {
	if !cv.shared {
		return
	}
	val := atomic.AddInt32(&cv.waiters, sharedDestroySentinel)
	if val == sharedDestroySentinel {
		return
	}
	futex.Wake(&cv.seq, math.MaxInt32)
	for atomic.LoadInt32(&cv.waiters) != sharedDestroySentinel {
		futex.Wait(&cv.waiters, val, time.Time{}, nil)
	}
}
