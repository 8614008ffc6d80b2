//go:build linux
// +build linux

package futex

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel futex(2) opcodes. These are stable UAPI values (linux/include/uapi/linux/futex.h);
// golang.org/x/sys/unix does not export them as typed constants on every
// architecture, so they are reproduced here rather than taken on faith from
// a generated file that may or may not carry them.
const (
	futexWait        = 0
	futexWake        = 1
	futexRequeue     = 3
	futexPrivateFlag = 128
)

func wait(addr *int32, expect int32, deadline time.Time, cancel <-chan struct{}) Result {
	if cancel != nil {
		select {
		case <-cancel:
			return Cancelled
		default:
		}
	}

	var ts *unix.Timespec
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		t := unix.NsecToTimespec(d.Nanoseconds())
		ts = &t
	}

	if cancel == nil {
		return futexWaitSyscall(addr, expect, ts)
	}

	// A real FUTEX_WAIT cannot also select on a Go channel, so split the
	// deadline into short slices and recheck cancel between them. This
	// keeps the common (uncancelled) path a single syscall: the slice is
	// only needed when the remaining wait is long.
	const pollSlice = 50 * time.Millisecond
	for {
		var sliceTs unix.Timespec
		useSlice := ts == nil || time.Duration(ts.Sec)*time.Second+time.Duration(ts.Nsec) > pollSlice
		if useSlice {
			sliceTs = unix.NsecToTimespec(pollSlice.Nanoseconds())
		}
		var callTs *unix.Timespec
		switch {
		case useSlice:
			callTs = &sliceTs
		default:
			callTs = ts
		}

		res := futexWaitSyscall(addr, expect, callTs)
		select {
		case <-cancel:
			return Cancelled
		default:
		}
		if res != TimedOut || !useSlice {
			return res
		}
		if ts != nil {
			remaining := time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec) - pollSlice
			if remaining <= 0 {
				return TimedOut
			}
			rem := unix.NsecToTimespec(remaining.Nanoseconds())
			ts = &rem
		}
	}
}

func futexWaitSyscall(addr *int32, expect int32, ts *unix.Timespec) Result {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWait|futexPrivateFlag),
		uintptr(uint32(expect)),
		uintptr(unsafe.Pointer(ts)),
		0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return Woken
	case unix.ETIMEDOUT:
		return TimedOut
	default:
		// Any other errno (e.g. EFAULT during shutdown races) is treated
		// as a spurious wake; the caller re-checks its own predicate.
		return Woken
	}
}

func wake(addr *int32, count int) int {
	if count <= 0 {
		return 0
	}
	r1, _, _ := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWake|futexPrivateFlag),
		uintptr(count),
		0, 0, 0)
	return int(r1)
}

func requeue(from, to *int32, wakeCount, requeueCount int, toShared bool) int {
	if toShared {
		wake(from, wakeCount+requeueCount)
		return 0
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(from)),
		uintptr(futexRequeue|futexPrivateFlag),
		uintptr(wakeCount),
		uintptr(requeueCount),
		uintptr(unsafe.Pointer(to)),
		0)
	if errno == unix.EINVAL {
		// Privacy classes didn't match after all (e.g. to turned out to
		// be shared); fall back to a plain wake, per the documented
		// -EINVAL fallback contract.
		wake(from, wakeCount+requeueCount)
		return 0
	}
	if errno != 0 {
		return 0
	}
	return requeueCount
}
