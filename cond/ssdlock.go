// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cond

import (
	"sync/atomic"
	"time"

	"github.com/vanadium/futexsync/internal/futex"
)

// An ssdLock ("self-synchronized destruction" lock) is a two-operation lock
// over a three-state word (0 free, 1 held-no-waiters, 2 held-with-waiters)
// whose unlock is exactly one atomic write followed by, at most, one futex
// wake. Unlock never reads the word again after that write, which is what
// lets a caller unlock a lock embedded in storage that a different thread is
// free to reclaim the instant the unlock completes - the defining property
// of every barrier field on a waiter node, and of CV.lock.
type ssdLock struct {
	word int32
}

func (l *ssdLock) lock() {
	if atomic.CompareAndSwapInt32(&l.word, 0, 1) {
		return
	}
	for {
		old := atomic.LoadInt32(&l.word)
		switch old {
		case 0:
			if atomic.CompareAndSwapInt32(&l.word, 0, 2) {
				return
			}
		case 1:
			// Announce a waiter so the holder's unlock knows to wake
			// someone; ignore failure, the retry loop re-reads.
			atomic.CompareAndSwapInt32(&l.word, 1, 2)
		default:
			futex.Wait(&l.word, 2, time.Time{}, nil)
		}
	}
}

func (l *ssdLock) unlock() {
	old := atomic.SwapInt32(&l.word, 0)
	if old == 2 {
		futex.Wake(&l.word, 1)
	}
}
