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

// Package mutex provides rank-checked Mutex and Monitor that are
// safepoint-compatible.
//
// Every lock has a rank and locks must be acquired in strictly decreasing
// rank order. The order is verified on every acquisition against the
// acquiring thread's stack of held locks, so that deadlock-prone code is
// caught at the first acquisition out of order, not when it actually
// deadlocks.
//
// A lock is created either as SafepointCheckAlways or SafepointCheckNever.
// When a mutator blocks on a contended SafepointCheckAlways lock, the wait
// happens with the thread marked safepoint-safe, so that the coordinator is
// not stalled by threads parked on locks. A mutator holding a
// SafepointCheckNever lock must not reach a safepoint.
//
// Violations of the locking discipline panic with *Error. The checks are
// compiled in by default and can be compiled out with the norankcheck build
// tag.
package mutex

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Mutex is a non-reentrant rank-checked lock.
type Mutex struct {
	name         string
	rank         Rank
	allowVMBlock bool
	check        SafepointCheck

	raw   sync.Mutex          // platform lock
	owner atomic.Pointer[Held] // held-locks stack of owning thread; nil if unlocked

	// whether current owner accounted this lock as no-safepoint; owner-only
	noSafepointHeld bool
}

// New creates new Mutex.
//
// allowVMBlock tells whether the VM thread may block on the lock. Locks
// ranked at or below NoSafepoint must be SafepointCheckNever and must allow
// the VM thread to block on them.
func New(rank Rank, name string, allowVMBlock bool, check SafepointCheck) *Mutex {
	m := &Mutex{}
	m.init(rank, name, allowVMBlock, check)
	return m
}

func (m *Mutex) init(rank Rank, name string, allowVMBlock bool, check SafepointCheck) {
	m.name = name
	m.rank = rank
	m.allowVMBlock = allowVMBlock
	m.check = check

	if !rankChecking {
		return
	}
	if rank < Event {
		m.fail(nil, "bad lock rank %s", rank)
	}
	if rank <= NoSafepoint && check != SafepointCheckNever {
		m.fail(nil, "locks below nosafepoint rank should never safepoint")
	}
	if rank <= NoSafepoint && !allowVMBlock {
		m.fail(nil, "locks that don't check for safepoint should always allow the vm to block")
	}
}

// Name returns lock name.
func (m *Mutex) Name() string { return m.name }

// Rank returns lock rank.
func (m *Mutex) Rank() Rank { return m.rank }

// SafepointCheck returns lock safepoint-check class.
func (m *Mutex) SafepointCheck() SafepointCheck { return m.check }

// AllowVMBlock returns whether the VM thread may block on the lock.
func (m *Mutex) AllowVMBlock() bool { return m.allowVMBlock }

func (m *Mutex) String() string {
	return fmt.Sprintf("%s/%s", m.name, m.rank)
}

// Owner returns thread currently owning the lock, or nil.
func (m *Mutex) Owner() Thread {
	h := m.owner.Load()
	if h == nil {
		return nil
	}
	return h.thread
}

// OwnedBySelf reports whether t owns the lock.
func (m *Mutex) OwnedBySelf(t Thread) bool {
	return m.owner.Load() == t.HeldLocks()
}

// AssertOwned panics if t does not own the lock.
func (m *Mutex) AssertOwned(t Thread) {
	if rankChecking && !m.OwnedBySelf(t) {
		m.fail(t, "must be locked by %s", t.Name())
	}
}

// Lock acquires the lock with safepoint check.
//
// If the lock is contended and t is a mutator, t waits with safepoint-safe
// state so that safepoints can proceed.
func (m *Mutex) Lock(t Thread) {
	if rankChecking {
		m.checkReentrant(t)
		m.checkSafepointState(t)
		m.checkRank(t)
	}
	if !m.raw.TryLock() {
		m.lockContended(t, true)
	}
	m.setOwner(t)
}

// LockWithoutSafepointCheck acquires the lock without safepoint check.
//
// A mutator holding a lock acquired this way must not reach a safepoint
// until it releases the lock.
func (m *Mutex) LockWithoutSafepointCheck(t Thread) {
	if rankChecking {
		m.checkReentrant(t)
		m.checkNoSafepointState(t)
		m.checkRank(t)
	}
	if !m.raw.TryLock() {
		m.lockContended(t, false)
	}
	m.setOwner(t)
}

// TryLock tries to acquire the lock without blocking.
func (m *Mutex) TryLock(t Thread) bool {
	if rankChecking {
		m.checkReentrant(t)
		m.checkBlockState(t)
		m.checkRank(t)
	}
	return m.tryLock(t)
}

// TryLockWithoutRankCheck is TryLock that does not verify lock order.
//
// It is safe since a non-blocking acquisition cannot deadlock; use it only
// where the out-of-order acquisition is deliberate.
func (m *Mutex) TryLockWithoutRankCheck(t Thread) bool {
	if rankChecking {
		m.checkReentrant(t)
		m.checkBlockState(t)
	}
	return m.tryLock(t)
}

func (m *Mutex) tryLock(t Thread) bool {
	if !m.raw.TryLock() {
		return false
	}
	m.setOwner(t)
	return true
}

// Unlock releases the lock.
func (m *Mutex) Unlock(t Thread) {
	m.clearOwner(t)
	m.raw.Unlock()
}

// Locked acquires the lock and returns function to release it:
//
//	defer m.Locked(t)()
func (m *Mutex) Locked(t Thread) (unlock func()) {
	m.Lock(t)
	return func() { m.Unlock(t) }
}

// lockContended blocks on raw lock.
//
// A mutator blocking with safepoint check is marked safepoint-safe while
// blocked. If a safepoint is pending when it gets the raw lock, the lock is
// released in flight, the safepoint is processed and acquisition is retried.
func (m *Mutex) lockContended(t Thread, safepointCheck bool) {
	if !(safepointCheck && t.IsMutator()) {
		m.raw.Lock()
		return
	}

	if rankChecking && m.rank <= NoSafepoint {
		m.fail(t, "potential deadlock with nosafepoint or lesser rank mutex")
	}
	for {
		released := t.BlockInVM(m.raw.Lock, m.raw.Unlock)
		if !released {
			return
		}
		if m.raw.TryLock() {
			return
		}
	}
}

func (m *Mutex) setOwner(t Thread) {
	h := t.HeldLocks()
	if rankChecking && m.owner.Load() != nil {
		m.fail(t, "lock already owned by %s", m.Owner().Name())
	}
	noSafepoint := m.check == SafepointCheckNever && t.IsMutator()
	m.noSafepointHeld = noSafepoint
	m.owner.Store(h)
	h.push(m, noSafepoint)
}

func (m *Mutex) clearOwner(t Thread) {
	h := t.HeldLocks()
	if m.owner.Load() != h {
		if rankChecking {
			m.fail(t, "unlock by thread that does not own the lock")
		}
	}
	found, _ := h.remove(m)
	if rankChecking && !found {
		m.fail(t, "unlock without matching lock acquire")
	}
	m.noSafepointHeld = false
	m.owner.Store(nil)
}

func (m *Mutex) checkReentrant(t Thread) {
	if m.OwnedBySelf(t) {
		m.fail(t, "recursive lock of non-reentrant lock")
	}
}

// checkBlockState verifies that t may block on the lock at all.
func (m *Mutex) checkBlockState(t Thread) {
	if !m.allowVMBlock && t.IsVMThread() {
		// a mutator may hold such lock while blocked at safepoint: the VM
		// thread would never get it.
		m.fail(t, "VM thread could block on lock that may be held by a mutator during safepoint")
	}
}

// checkSafepointState verifies acquisition with safepoint check.
func (m *Mutex) checkSafepointState(t Thread) {
	m.checkBlockState(t)
	if m.check == SafepointCheckNever {
		m.fail(t, "this lock should never have a safepoint check")
	}
	if t.IsMutator() {
		if n := t.HeldLocks().NoSafepointCount(); n != 0 {
			m.fail(t, "possible safepoint reached by thread holding %d no-safepoint lock(s)", n)
		}
	}
}

// checkNoSafepointState verifies acquisition without safepoint check.
func (m *Mutex) checkNoSafepointState(t Thread) {
	m.checkBlockState(t)
	if t.IsMutator() && m.check == SafepointCheckAlways {
		m.fail(t, "this lock should always have a safepoint check for mutators")
	}
}

// checkRank verifies lock order for acquisition of m by t.
//
// The rank of m must be strictly lower than the rank of every lock t holds,
// Native-ranked locks excluded. Order is not checked while the world is
// stopped.
func (m *Mutex) checkRank(t Thread) {
	if m.rank == Native || t.WorldStopped() {
		return
	}
	h := t.HeldLocks()
	least := h.least(nil)
	if least != nil && least.rank <= m.rank {
		m.fail(t, "attempting to acquire lock %s out of order with lock %s -- possible deadlock",
			m, least)
	}
}

// checkWaitRank verifies that t may wait on m which it owns.
//
// While waiting t gives up m but keeps its other locks; those must all be
// ranked above m, and a mutator waiting with safepoint check must not keep
// no-safepoint locks.
func (m *Mutex) checkWaitRank(t Thread, safepointCheck bool) {
	if t.WorldStopped() {
		return
	}
	least := t.HeldLocks().least(m)
	if least == nil {
		return
	}
	if (safepointCheck && least.rank <= NoSafepoint && t.IsMutator()) ||
		least.rank <= TTY ||
		least.rank <= m.rank {
		m.fail(t, "attempting to wait on monitor %s while holding lock %s -- possible deadlock",
			m, least)
	}
}

// Error is the error raised on lock discipline violation.
type Error struct {
	Lock   string   // lock name/rank
	Thread string   // violating thread; "" if not known
	Held   []string // locks held by the thread
	Msg    string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lock %s: %s", e.Lock, e.Msg)
	if e.Thread != "" {
		fmt.Fprintf(&b, " (thread %s", e.Thread)
		if len(e.Held) != 0 {
			fmt.Fprintf(&b, "; holding %s", strings.Join(e.Held, ", "))
		}
		b.WriteString(")")
	}
	return b.String()
}

// fail panics with *Error describing violation of the locking discipline.
func (m *Mutex) fail(t Thread, format string, argv ...interface{}) {
	e := &Error{Lock: m.String(), Msg: fmt.Sprintf(format, argv...)}
	if t != nil {
		e.Thread = t.Name()
		for _, l := range t.HeldLocks().Locks() {
			e.Held = append(e.Held, l.String())
		}
	}
	panic(e)
}
