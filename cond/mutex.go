// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cond

import (
	"sync/atomic"
	"time"

	"github.com/vanadium/futexsync/internal/futex"
)

// A Mutex is the collaborator CV.WaitWithDeadline requires: lock/unlock, an
// atomic waiters count usable for requeue accounting, and a lock word whose
// "has waiters" state is visible to FUTEX_REQUEUE as a requeue target. Its
// zero value is a usable, private, non-error-checking Mutex.
//
// Unlike sync.Mutex, a Mutex's lock word doubles as a futex word a signaled
// CV waiter can be requeued onto directly, without ever passing back through
// userspace code in this package: that is what lets Broadcast wake exactly
// one waiter and hand the rest to the kernel's own wait queue for mu.
type Mutex struct {
	word ssdLock // 0 free, 1 held-no-waiters, 2 held-with-waiters; requeue target.

	waiters int32 // atomic; count of goroutines blocked on word == 2.

	shared        bool // process-shared: FUTEX_REQUEUE across privacy classes falls back to wake.
	errorChecking bool // if set, Unlock panics and WaitWithDeadline returns ErrNotOwner on an unheld mu; Lock does not check.
}

// NewMutex returns a Mutex with the given process-shared and
// error-checking attributes. The zero Mutex is equivalent to
// NewMutex(false, false).
func NewMutex(shared, errorChecking bool) *Mutex {
	return &Mutex{shared: shared, errorChecking: errorChecking}
}

// TryLock attempts to acquire mu without blocking, returning whether it
// succeeded.
func (mu *Mutex) TryLock() bool {
	return atomic.CompareAndSwapInt32(&mu.word.word, 0, 1)
}

// Lock blocks until mu is free, then acquires it.
func (mu *Mutex) Lock() {
	if atomic.CompareAndSwapInt32(&mu.word.word, 0, 1) {
		return
	}
	mu.lockSlow()
}

func (mu *Mutex) lockSlow() {
	atomic.AddInt32(&mu.waiters, 1)
	defer atomic.AddInt32(&mu.waiters, -1)
	for {
		old := atomic.LoadInt32(&mu.word.word)
		switch old {
		case 0:
			if atomic.CompareAndSwapInt32(&mu.word.word, 0, 2) {
				return
			}
		case 1:
			atomic.CompareAndSwapInt32(&mu.word.word, 1, 2)
			fallthrough
		default:
			futex.Wait(&mu.word.word, 2, time.Time{}, nil)
		}
	}
}

// Unlock releases mu and, if a contender (directly blocked or requeued from
// a CV) is waiting, wakes exactly one.
//
// If mu is error-checking, Unlock panics if mu is not currently held - the
// same "held with high probability" check AssertHeld makes, since Go has no
// portable way to confirm the calling goroutine, specifically, is the
// holder.
func (mu *Mutex) Unlock() {
	if mu.errorChecking && !mu.Held() {
		panic("cond: Unlock of unheld Mutex")
	}
	old := atomic.SwapInt32(&mu.word.word, 0)
	if old == 2 {
		futex.Wake(&mu.word.word, 1)
	}
}

// AssertHeld panics if mu is not held by anyone.
func (mu *Mutex) AssertHeld() {
	if !mu.Held() {
		panic("cond: Mutex not held")
	}
}

// Held reports whether mu is currently locked, by any goroutine.
func (mu *Mutex) Held() bool {
	return atomic.LoadInt32(&mu.word.word) != 0
}

// Waiters returns the number of goroutines currently blocked trying to
// acquire mu, including ones parked via a CV requeue rather than a direct
// Lock call.
func (mu *Mutex) Waiters() int32 {
	return atomic.LoadInt32(&mu.waiters)
}

// lockWord returns the address of mu's futex word, the requeue target a CV
// hands signaled-but-not-directly-woken waiters off to.
func (mu *Mutex) lockWord() *int32 {
	return &mu.word.word
}

// addWaiters adjusts the requeue-accounting counter; used by a CV handing a
// waiter off to mu (+1) and by that waiter compensating once it resumes on
// mu's side (-1).
func (mu *Mutex) addWaiters(delta int32) {
	atomic.AddInt32(&mu.waiters, delta)
}

// markHasWaiters forces mu's word into the has-waiters (2) state so that a
// requeued waiter's eventual wake comes from Unlock's FUTEX_WAKE rather than
// being lost because Unlock observed word == 1 and skipped the wake. Called
// by a CV immediately before requeuing onto mu.
func (mu *Mutex) markHasWaiters() {
	for {
		old := atomic.LoadInt32(&mu.word.word)
		if old == 2 {
			return
		}
		if old == 0 {
			// Nothing holds mu right now; the requeued waiter will
			// race normally for it via the 0/2 CAS in lockSlow once
			// it resumes, so there is nothing to mark.
			return
		}
		if atomic.CompareAndSwapInt32(&mu.word.word, 1, 2) {
			return
		}
	}
}
