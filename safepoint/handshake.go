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


package safepoint
// handshakes

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"lab.nexedi.com/kirr/safepoint/internal/task"
)

// ErrThreadExited is returned when asynchronous handshake targets a thread
// that already exited.
var ErrThreadExited = errors.New("thread exited")

// handshake is one handshake operation posted to a set of threads.
type handshake struct {
	name     string
	fn       func(t *Thread)
	async    bool
	pending  atomic.Int32 // targets not yet processed
	canceled atomic.Bool
}

// entry status
const (
	hsQueued int32 = iota
	hsBySelf
	hsByHandshaker
	hsSkipped
)

// hsEntry is the handshake operation queued to one target.
type hsEntry struct {
	hs     *handshake
	target *Thread
	status atomic.Int32
}

// HandshakeStat describes one completed handshake.
type HandshakeStat struct {
	Name         string
	Targets      int
	BySelf       int // operations executed by the target itself
	ByHandshaker int // ... by the VM thread on behalf of target in safe state
	Skipped      int // targets that exited before the operation could run
	Duration     time.Duration
}

func (s *HandshakeStat) String() string {
	return fmt.Sprintf("handshake %q: targets=%d self=%d handshaker=%d skipped=%d in %s",
		s.Name, s.Targets, s.BySelf, s.ByHandshaker, s.Skipped, s.Duration)
}

// Handshake runs fn for each of targets and waits for completion.
//
// Only the targets are interrupted: fn(t) is executed by t at its next poll,
// or, if t is in a safe state, by the VM thread on behalf of t. fn(t) is run
// at most once per target, and targets that exited are skipped. Threads
// that are not targets never block for the handshake.
//
// If ctx is canceled before all targets processed the operation, Handshake
// returns with error and the remaining operations are dropped.
func (m *Mechanism) Handshake(ctx context.Context, name string, fn func(t *Thread), targets ...*Thread) (_ *HandshakeStat, err error) {
	var st *HandshakeStat
	err = m.execute(ctx, func(ctx context.Context) (err error) {
		st, err = m.handshake(ctx, name, fn, targets)
		return err
	})
	return st, err
}

// HandshakeAll runs fn for every mutator. See Handshake for details.
func (m *Mechanism) HandshakeAll(ctx context.Context, name string, fn func(t *Thread)) (*HandshakeStat, error) {
	var targets []*Thread
	for _, t := range m.Threads() {
		if t.participates() {
			targets = append(targets, t)
		}
	}
	return m.Handshake(ctx, name, fn, targets...)
}

// HandshakeAsync posts fn to t without waiting.
//
// fn(t) is executed by t itself at its next poll. It is dropped if t exits
// before that.
func (m *Mechanism) HandshakeAsync(t *Thread, name string, fn func(t *Thread)) error {
	hs := &handshake{name: name, fn: fn, async: true}
	hs.pending.Store(1)
	if !m.enqueue(t, &hsEntry{hs: hs, target: t}) {
		return ErrThreadExited
	}
	return nil
}

// handshake runs on VM thread.
func (m *Mechanism) handshake(ctx context.Context, name string, fn func(t *Thread), targets []*Thread) (_ *HandshakeStat, err error) {
	vm := m.vm
	m.threadsLock.Lock(vm)
	defer m.threadsLock.Unlock(vm)
	if len(targets) == 1 {
		defer task.Runningf(&ctx, "handshake %q -> %s", name, targets[0])(&err)
	} else {
		defer task.Runningf(&ctx, "handshake %q -> %d threads", name, len(targets))(&err)
	}

	start := time.Now()
	hs := &handshake{name: name, fn: fn}
	hs.pending.Store(int32(len(targets)))
	entries := make([]*hsEntry, len(targets))
	for i, t := range targets {
		e := &hsEntry{hs: hs, target: t}
		entries[i] = e
		if !m.enqueue(t, e) {
			e.status.Store(hsSkipped)
			hs.pending.Add(-1)
		}
	}

	for {
		for _, e := range entries {
			if e.status.Load() == hsQueued {
				m.tryProcessByHandshaker(e.target)
			}
		}
		if hs.pending.Load() == 0 {
			break
		}

		select {
		case <-ctx.Done():
			hs.canceled.Store(true)
			return nil, ctx.Err()
		default:
		}

		m.syncMon.LockWithoutSafepointCheck(vm)
		if hs.pending.Load() != 0 {
			m.syncMon.WaitWithoutSafepointCheck(vm, examineInterval)
		}
		m.syncMon.Unlock(vm)
	}

	st := &HandshakeStat{Name: name, Targets: len(targets), Duration: time.Since(start)}
	for _, e := range entries {
		switch e.status.Load() {
		case hsBySelf:
			st.BySelf++
		case hsByHandshaker:
			st.ByHandshaker++
		case hsSkipped:
			st.Skipped++
		}
	}
	m.updateStats(func(s *Stats) {
		s.Handshakes++
		s.HandshakeOps += uint64(st.BySelf + st.ByHandshaker)
		s.ByHandshaker += uint64(st.ByHandshaker)
	})
	m.events.Logf("%s", st)
	return st, nil
}

// enqueue queues e to t and arms t's local poll.
//
// It returns false if t already exited.
func (m *Mechanism) enqueue(t *Thread, e *hsEntry) bool {
	t.hsmu.Lock()
	if t.State() == StateExited {
		t.hsmu.Unlock()
		return false
	}
	t.hsq = append(t.hsq, e)
	t.hsPending.Add(1)
	t.hsmu.Unlock()

	m.armLocal(t)
	return true
}

// popEntry dequeues next operation of t.
//
// Asynchronous operations are only run by t itself.
func (t *Thread) popEntry(self bool) *hsEntry {
	t.hsmu.Lock()
	defer t.hsmu.Unlock()
	for i, e := range t.hsq {
		if e.hs.async && !self {
			continue
		}
		copy(t.hsq[i:], t.hsq[i+1:])
		t.hsq[len(t.hsq)-1] = nil
		t.hsq = t.hsq[:len(t.hsq)-1]
		return e
	}
	return nil
}

// hasHandshake reports whether t has pending handshake operations or
// suspend request.
func (t *Thread) hasHandshake() bool {
	return t.hsPending.Load() > 0 || t.suspendReq.Load()
}

// processBySelf runs pending handshake operations of t by t itself.
//
// It returns whether t was suspended, in which case the caller has to
// recheck for pending operations.
func (m *Mechanism) processBySelf(t *Thread, allowSuspend bool) (suspended bool) {
	for {
		t.hsLock.LockWithoutSafepointCheck(t)
		e := t.popEntry(true)
		if e == nil {
			t.hsLock.Unlock(t)
			break
		}
		m.runEntry(t, e, t)
		t.hsLock.Unlock(t)
	}

	if allowSuspend && t.suspendReq.Load() {
		return t.suspendSelf()
	}
	return false
}

// tryProcessByHandshaker runs pending operations of t on behalf of t if t is
// in a safe state. It must be called on the VM thread.
func (m *Mechanism) tryProcessByHandshaker(t *Thread) {
	vm := m.vm
	if t.hsPending.Load() == 0 || !t.State().Safe() {
		return
	}
	if !t.hsLock.TryLock(vm) {
		return
	}
	defer t.hsLock.Unlock(vm)

	// t could have left the safe state before we claimed it
	if !t.State().Safe() {
		return
	}
	for {
		e := t.popEntry(false)
		if e == nil {
			return
		}
		m.runEntry(t, e, vm)
	}
}

// runEntry executes e for its target on executor.
func (m *Mechanism) runEntry(t *Thread, e *hsEntry, executor *Thread) {
	hs := e.hs
	status := hsBySelf
	if executor != t {
		status = hsByHandshaker
	}
	if hs.canceled.Load() {
		status = hsSkipped
	} else {
		hs.fn(t)
		traceHandshake(t, hs.name, executor == t)
	}
	m.complete(t, e, status, executor)
}

// complete marks e as done with status and wakes up the handshaker when the
// last target completes.
func (m *Mechanism) complete(t *Thread, e *hsEntry, status int32, executor *Thread) {
	e.status.Store(status)
	t.hsPending.Add(-1)
	if e.hs.pending.Add(-1) == 0 && !e.hs.async && executor != m.vm {
		m.wakeVM(executor)
	}
}

// skipHandshakes drops all pending operations of exiting thread t.
//
// t must have hsLock claimed.
func (m *Mechanism) skipHandshakes(t *Thread) {
	t.hsmu.Lock()
	q := t.hsq
	t.hsq = nil
	t.hsmu.Unlock()

	for _, e := range q {
		m.complete(t, e, hsSkipped, t)
	}
}

// ---- suspension ----

// Suspend suspends t.
//
// t is suspended at its next poll, or, if it is in a safe state, as soon as
// it tries to leave that state. A suspended thread is blocked and does not
// hold up safepoints. Suspend returns once the request was delivered to t.
func (m *Mechanism) Suspend(ctx context.Context, t *Thread) error {
	_, err := m.Handshake(ctx, "Suspend", func(t *Thread) {
		t.suspendReq.Store(true)
	}, t)
	return err
}

// Resume resumes t suspended by Suspend.
//
// It returns false if t was not suspended or requested to be.
func (m *Mechanism) Resume(t *Thread) bool {
	t.hsmu.Lock()
	defer t.hsmu.Unlock()
	if !t.suspendReq.Load() {
		return false
	}
	t.suspendReq.Store(false)
	if t.resume != nil {
		close(t.resume)
		t.resume = nil
	}
	return true
}

// IsSuspended reports whether t is currently parked suspended.
func (t *Thread) IsSuspended() bool {
	return t.suspended.Load()
}

// suspendSelf parks t until it is resumed.
func (t *Thread) suspendSelf() bool {
	t.hsmu.Lock()
	if !t.suspendReq.Load() {
		t.hsmu.Unlock()
		return false
	}
	resume := make(chan struct{})
	t.resume = resume
	t.suspended.Store(true)
	t.hsmu.Unlock()

	prev := t.State()
	t.setState(StateBlocked)
	t.mech.events.Logf("%s: suspended", t)
	<-resume
	t.setState(prev)
	t.suspended.Store(false)
	return true
}
