//go:build !linux
// +build !linux

package futex

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// On GOOS other than linux there is no portable futex syscall, so Wait,
// Wake and Requeue are emulated with parked goroutines recorded in a single
// process-wide list, each woken through its own channel. This mirrors the
// technique folly's Futex uses for its "emulated" backend (see the pack's
// twmb-dash/experimental/futex/futex.go), simplified to one global list
// since the workloads this fallback serves - tests and the demo CLI on
// non-linux developer machines - never have enough concurrent waiters for
// bucket hashing to matter.
//
// Requeue here (toShared false) is a genuine requeue, not a wake: a parked node's address
// field is updated in place under the same global lock, so it stays asleep
// until the eventual Wake on the new address - exactly the point of the
// real syscall, and safe even though the node may be mid-timeout-select in
// another goroutine.

type parkNode struct {
	addr   unsafe.Pointer
	woken  chan struct{}
	parked bool // false once removed from the list, by whichever means
	next   *parkNode
	prev   *parkNode
}

var (
	parkMu   sync.Mutex
	parkHead = &parkNode{} // sentinel; head.next/head.prev form a circular list
)

func init() {
	parkHead.next = parkHead
	parkHead.prev = parkHead
}

func (n *parkNode) insert() {
	n.parked = true
	n.next = parkHead
	n.prev = parkHead.prev
	n.prev.next = n
	n.next.prev = n
}

func (n *parkNode) unlink() {
	n.next.prev = n.prev
	n.prev.next = n.next
	n.next = nil
	n.prev = nil
	n.parked = false
}

func wait(addr *int32, expect int32, deadline time.Time, cancel <-chan struct{}) Result {
	p := unsafe.Pointer(addr)

	parkMu.Lock()
	if atomic.LoadInt32(addr) != expect {
		parkMu.Unlock()
		return Woken
	}
	node := &parkNode{addr: p, woken: make(chan struct{})}
	node.insert()
	parkMu.Unlock()

	var timeoutC <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-node.woken:
		return Woken
	case <-timeoutC:
	case <-cancel:
		parkMu.Lock()
		if node.parked {
			node.unlink()
		}
		parkMu.Unlock()
		return Cancelled
	}

	parkMu.Lock()
	stillParked := node.parked
	if stillParked {
		node.unlink()
	}
	parkMu.Unlock()
	if !stillParked {
		// Raced with a concurrent Wake/Requeue that already claimed this
		// node (and, in the Requeue case, may have moved it to a new
		// address first): honor whatever it decided.
		<-node.woken
		return Woken
	}
	return TimedOut
}

func wake(addr *int32, count int) int {
	if count <= 0 {
		return 0
	}
	p := unsafe.Pointer(addr)
	parkMu.Lock()
	var toWake []*parkNode
	for n := parkHead.next; n != parkHead && len(toWake) < count; {
		next := n.next
		if n.addr == p {
			n.unlink()
			toWake = append(toWake, n)
		}
		n = next
	}
	parkMu.Unlock()
	for _, n := range toWake {
		close(n.woken)
	}
	return len(toWake)
}

func requeue(from, to *int32, wakeCount, requeueCount int, toShared bool) int {
	if toShared {
		wake(from, wakeCount+requeueCount)
		return 0
	}
	fp, tp := unsafe.Pointer(from), unsafe.Pointer(to)

	parkMu.Lock()
	var toWake []*parkNode
	var moved int
	for n := parkHead.next; n != parkHead; {
		next := n.next
		if n.addr == fp {
			switch {
			case len(toWake) < wakeCount:
				n.unlink()
				toWake = append(toWake, n)
			case moved < requeueCount:
				n.addr = tp // requeued in place; stays in the same list
				moved++
			}
		}
		n = next
	}
	parkMu.Unlock()

	for _, n := range toWake {
		close(n.woken)
	}
	return moved
}
