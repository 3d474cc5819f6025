// Copyright (C) 2026  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package mutex

import (
	"fmt"
	"strings"
	"sync"
)

// Thread is the view of a runtime thread that the lock layer needs.
//
// It is implemented by safepoint.Thread.
type Thread interface {
	Name() string

	// IsMutator reports whether the thread is an active mutator, i.e. it
	// runs managed code and takes part in safepoints.
	IsMutator() bool

	// IsVMThread reports whether the thread is the coordinator.
	IsVMThread() bool

	// HeldLocks returns the thread's stack of currently held locks.
	HeldLocks() *Held

	// BlockInVM runs block with the thread marked safepoint-safe.
	//
	// If, when block returns, a safepoint or handshake is pending for the
	// thread, release (if non-nil) is called before the thread processes
	// it. BlockInVM returns whether release was called.
	BlockInVM(block func(), release func()) (released bool)

	// WorldStopped reports whether the world is currently stopped at a
	// safepoint. Lock ordering is not checked then.
	WorldStopped() bool
}

// Held is the per-thread stack of held locks in acquisition order.
//
// It is mutated only by its thread; the embedded mutex makes snapshots taken
// from other goroutines (thread dumps, crash reports) safe.
type Held struct {
	mu     sync.Mutex
	thread Thread
	locks  []*Mutex

	// number of held locks acquired without safepoint check by an active mutator
	noSafepoint int
}

// NewHeld returns empty held-locks stack for thread t.
func NewHeld(t Thread) *Held {
	return &Held{thread: t}
}

// Thread returns the thread owning h.
func (h *Held) Thread() Thread {
	return h.thread
}

// Len returns number of held locks.
func (h *Held) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}

// Locks returns snapshot of held locks in acquisition order.
func (h *Held) Locks() []*Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Mutex(nil), h.locks...)
}

// NoSafepointCount returns how many held locks forbid reaching a safepoint.
func (h *Held) NoSafepointCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.noSafepoint
}

// Ranks returns ranks of held locks in acquisition order.
func (h *Held) Ranks() []Rank {
	h.mu.Lock()
	defer h.mu.Unlock()
	rv := make([]Rank, len(h.locks))
	for i, m := range h.locks {
		rv[i] = m.rank
	}
	return rv
}

func (h *Held) push(m *Mutex, noSafepoint bool) {
	h.mu.Lock()
	h.locks = append(h.locks, m)
	if noSafepoint {
		h.noSafepoint++
	}
	h.mu.Unlock()
}

// remove removes m from the stack; it reports whether m was there and
// whether it was counted as no-safepoint.
func (h *Held) remove(m *Mutex) (found, noSafepoint bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.locks) - 1; i >= 0; i-- {
		if h.locks[i] == m {
			copy(h.locks[i:], h.locks[i+1:])
			h.locks[len(h.locks)-1] = nil
			h.locks = h.locks[:len(h.locks)-1]
			noSafepoint = m.noSafepointHeld
			if noSafepoint {
				h.noSafepoint--
			}
			return true, noSafepoint
		}
	}
	return false, false
}

// least returns the least ranked held lock other than except, ignoring
// Native-ranked locks. It returns nil if there is no such lock.
func (h *Held) least(except *Mutex) *Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	var least *Mutex
	for _, m := range h.locks {
		if m == except || m.rank == Native {
			continue
		}
		if least == nil || m.rank <= least.rank {
			least = m
		}
	}
	return least
}

// String returns held locks one per line, most recent last, in the form
// "i: name rank".
func (h *Held) String() string {
	locks := h.Locks()
	if len(locks) == 0 {
		return "<none>"
	}
	var b strings.Builder
	for i, m := range locks {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d: %s %s(%d)", i, m.name, m.rank, int(m.rank))
	}
	return b.String()
}
