// Package diag offers a debugging aid for stress-testing and load
// generation: a soonest-deadline index over whatever set of waiters a
// program currently has outstanding, so a demo or test can dump "who times
// out next" without threading that bookkeeping through package cond
// itself.
//
// Callers register a waiter's deadline when it starts waiting and
// unregister it when the wait returns; Soonest and Dump read the index at
// any point in between.
package diag

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
)

// Entry describes one outstanding waiter.
type Entry struct {
	ID       uint64
	Deadline time.Time
}

// Less orders entries by deadline, breaking ties by ID so btree.ReplaceOrInsert
// never silently merges two distinct waiters that share a deadline.
func (e Entry) Less(than btree.Item) bool {
	o := than.(Entry)
	if !e.Deadline.Equal(o.Deadline) {
		return e.Deadline.Before(o.Deadline)
	}
	return e.ID < o.ID
}

// Registry tracks the deadlines of a set of live waiters, indexed for
// cheap "what's the soonest deadline right now" queries.
type Registry struct {
	mu   sync.Mutex
	tree *btree.BTree
	byID map[uint64]Entry
}

// NewRegistry returns an empty Registry. degree is the btree.New degree;
// callers unsure what to pass should use 32, the value the pack's other
// btree-backed indexes default to.
func NewRegistry(degree int) *Registry {
	return &Registry{
		tree: btree.New(degree),
		byID: make(map[uint64]Entry),
	}
}

// Register records that waiter id is now blocked until deadline. A zero
// deadline (wait forever) is still recorded, sorting after every finite
// deadline.
func (r *Registry) Register(id uint64, deadline time.Time) {
	if deadline.IsZero() {
		deadline = time.Unix(1<<62, 0)
	}
	e := Entry{ID: id, Deadline: deadline}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[id]; ok {
		r.tree.Delete(old)
	}
	r.byID[id] = e
	r.tree.ReplaceOrInsert(e)
}

// Unregister removes waiter id, e.g. once its wait has returned by any
// outcome.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	r.tree.Delete(e)
}

// Soonest returns the entry with the nearest deadline and true, or the
// zero Entry and false if the registry is empty.
func (r *Registry) Soonest() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found Entry
	var ok bool
	r.tree.Ascend(func(item btree.Item) bool {
		found = item.(Entry)
		ok = true
		return false
	})
	return found, ok
}

// Len reports the number of currently registered waiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// Dump returns every registered entry in soonest-first order, for a
// one-shot debug printout during a stress run.
func (r *Registry) Dump() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.tree.Len())
	r.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(Entry))
		return true
	})
	// Ascend already yields btree order, but guard against any future
	// Less change that breaks the soonest-first assumption.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// String renders Dump as a short, human-readable table.
func (r *Registry) String() string {
	entries := r.Dump()
	if len(entries) == 0 {
		return "diag.Registry: empty"
	}
	s := fmt.Sprintf("diag.Registry: %d waiters\n", len(entries))
	for _, e := range entries {
		s += fmt.Sprintf("  id=%d deadline=%s\n", e.ID, e.Deadline.Format(time.RFC3339Nano))
	}
	return s
}
