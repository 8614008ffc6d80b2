// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Binary futexcondload drives a configurable producer/consumer workload
// against package cond's Mutex and CV, so their behavior under load can be
// observed outside of the test suite: a pool of consumer goroutines blocks
// on CV.WaitWithDeadline while a paced signaler goroutine wakes them at a
// target rate, and a diag.Registry tracks which consumer times out next.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vanadium/futexsync/cmd/pflagvar"
	"github.com/vanadium/futexsync/cmdline2"
	"github.com/vanadium/futexsync/cond"
	"github.com/vanadium/futexsync/internal/diag"
	"github.com/vanadium/futexsync/internal/obs"

	"github.com/spf13/pflag"
)

// config holds the tunables for the load generator, bound onto pflag
// through cmd/pflagvar's struct-tag reflection.
type config struct {
	Consumers  int           `flag:"consumers,8,number of goroutines blocked on the CV"`
	SignalRate float64       `flag:"signal-rate,20,signals issued per second by the paced signaler"`
	Broadcast  bool          `flag:"broadcast,false,use Broadcast instead of Signal for every wakeup"`
	Deadline   time.Duration `flag:"deadline,2s,per-wait deadline; 0 disables it"`
	Duration   time.Duration `flag:"duration,10s,how long to run the load before reporting and exiting"`
	Debug      bool          `flag:"debug,false,enable obs.Debugf tracing of CV/Mutex internals"`
}

func main() {
	cmdline2.Main(root)
}

var root = &cmdline2.Command{
	Name:  "futexcondload",
	Short: "Generate load against the futex-backed condition variable",
	Long: `
futexcondload runs a configurable number of consumer goroutines that wait on
a single condition variable with a deadline, while a separate goroutine
signals (or broadcasts) at a target rate using a token-bucket limiter. It
reports how many waits were signaled, timed out, and the soonest-to-expire
deadline at the moment it stopped.
`,
	Runner: cmdline2.RunnerFunc(runLoad),
}

// loadConfig's fields are bound directly to root's flags in init, so
// parsing args into root.Flags mutates it in place.
var loadConfig config

func init() {
	fs := pflag.NewFlagSet(root.Name, pflag.ContinueOnError)
	if err := pflagvar.RegisterFlagsInStruct(fs, "flag", &loadConfig, nil, nil); err != nil {
		panic(err)
	}
	fs.VisitAll(func(f *pflag.Flag) {
		root.Flags.Var(f.Value, f.Name, f.Usage)
	})
}

type stats struct {
	signaled int64
	timedOut int64
}

func runLoad(env *cmdline2.Env, args []string) error {
	if len(args) > 0 {
		return env.UsageErrorf("futexcondload: no arguments expected")
	}
	cfg := loadConfig
	if cfg.Debug {
		obs.Enable()
		defer obs.Disable()
	}

	var mu cond.Mutex
	var cv cond.CV
	reg := diag.NewRegistry(32)

	var st stats
	var nextID uint64
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < cfg.Consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeLoop(&mu, &cv, reg, &nextID, &st, cfg.Deadline, stop)
		}()
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.SignalRate), 1)
	signalDone := make(chan struct{})
	go func() {
		defer close(signalDone)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case <-stop:
				return
			default:
			}
			mu.Lock()
			if cfg.Broadcast {
				cv.Broadcast()
			} else {
				cv.Signal()
			}
			mu.Unlock()
		}
	}()

	time.Sleep(cfg.Duration)
	// Snapshot the soonest deadline while consumers are still waiting; once
	// they exit, every entry has been unregistered.
	soonest, haveSoonest := reg.Soonest()
	close(stop)
	<-signalDone
	wg.Wait()

	fmt.Fprintf(env.Stdout, "signaled=%d timed-out=%d\n",
		atomic.LoadInt64(&st.signaled), atomic.LoadInt64(&st.timedOut))
	if haveSoonest {
		fmt.Fprintf(env.Stdout, "soonest deadline at stop: waiter %d (deadline %s)\n",
			soonest.ID, soonest.Deadline.Format(time.RFC3339Nano))
	}
	return nil
}

func consumeLoop(mu *cond.Mutex, cv *cond.CV, reg *diag.Registry, nextID *uint64, st *stats, deadline time.Duration, stop <-chan struct{}) {
	id := atomic.AddUint64(nextID, 1)
	mu.Lock()
	defer mu.Unlock()
	for {
		select {
		case <-stop:
			return
		default:
		}
		var absDeadline time.Time
		if deadline > 0 {
			// Jitter the deadline slightly so consumers don't all expire
			// in lockstep when the signaler falls behind.
			jitter := time.Duration(rand.Int63n(int64(deadline) / 4))
			absDeadline = time.Now().Add(deadline + jitter)
			reg.Register(id, absDeadline)
		}
		outcome, err := cv.WaitWithDeadline(mu, absDeadline, stop)
		if deadline > 0 {
			reg.Unregister(id)
		}
		if err != nil {
			return
		}
		switch outcome {
		case cond.Signaled:
			atomic.AddInt64(&st.signaled, 1)
		case cond.TimedOut:
			atomic.AddInt64(&st.timedOut, 1)
		case cond.Cancelled:
			return
		}
	}
}
