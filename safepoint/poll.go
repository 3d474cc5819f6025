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
// poll sites and processing of pending operations

import (
	"runtime/debug"
)

// ShouldProcess reports whether t has a pending safepoint or handshake.
//
// It is the local poll test: entry and back-edge polls of t fire exactly
// when it returns true.
func (m *Mechanism) ShouldProcess(t *Thread) bool {
	return wordArmed(t.pollWord.Load())
}

// ProcessIfRequested processes pending safepoint or handshake of t, if any.
func (m *Mechanism) ProcessIfRequested(t *Thread, allowSuspend bool) {
	if m.ShouldProcess(t) {
		t.process(allowSuspend)
	}
}

// process handles everything pending for t, and recomputes its poll values.
//
// A participating t blocks while the global poll is armed, lets the watermark collaborator
// process its frame, and runs its handshake operations. If t was suspended
// meanwhile, everything is rechecked after it is resumed.
func (t *Thread) process(allowSuspend bool) {
	m := t.mech
	t.assertNoSafepointLocks("safepoint poll")

	for {
		// re-check after every wakeup: until t restores its state the
		// coordinator may account it as blocked for the next safepoint.
		for t.participates() && m.Armed() {
			t.block()
		}
		if wm := m.cfg.Watermark; wm != nil {
			wm.OnSafepoint(t)
		}
		if !(t.hasHandshake() && m.processBySelf(t, allowSuspend)) {
			break
		}
	}

	m.UpdatePollValues(t)
}

// block blocks t at current safepoint until the safepoint ends.
//
// t may already be accounted for the safepoint by the coordinator; it
// waits for the end anyway.
func (t *Thread) block() {
	m := t.mech
	ep := m.ep.Load()
	if ep == nil {
		return
	}

	prev := t.State()
	m.ack(t, ep, true)
	t.setState(StateBlocked)
	defer t.setState(prev)

	traceThreadBlock(t, ep.id)
	<-ep.done
}

// UpdatePollValues recomputes thread-local poll state of t.
//
// The poll is armed if the global poll is armed or t has pending handshake.
// Otherwise the poll word carries the stack watermark, if there is one.
// When the poll is disarmed, the global state is re-checked after the store,
// so that an arm racing with the disarm is not lost.
func (m *Mechanism) UpdatePollValues(t *Thread) {
	for {
		armed := m.Armed() || t.hasHandshake()

		word := WordDisarmed
		page := uintptr(0)
		if armed {
			word = WordArmed
		} else if wm := m.cfg.Watermark; wm != nil {
			if mark := wm.Mark(t); mark != 0 {
				word = mark
			}
		}
		if m.page != nil {
			page = m.page.Good()
			if armed {
				page = m.page.Bad()
			}
			t.pollPage.Store(page)
		}
		t.pollWord.Store(word)

		if !armed && (m.Armed() || t.hasHandshake()) {
			// disarmed, but new operation became pending meanwhile
			continue
		}
		return
	}
}

// ---- poll sites ----

// PollEntry is the poll at method entry.
func (t *Thread) PollEntry() {
	t.poll()
}

// PollBackedge is the poll at loop back-edge.
func (t *Thread) PollBackedge() {
	t.poll()
}

// PollReturn is the poll at method return, after the frame was popped.
//
// Besides pending operations it fires when returning into a frame above the
// stack watermark. Then the watermark collaborator processes that frame.
func (t *Thread) PollReturn() {
	w := t.pollWord.Load()
	if !returnArmed(w, t.sp.Load()) {
		return
	}
	if wordArmed(w) {
		t.process(true)
		return
	}
	if wm := t.mech.cfg.Watermark; wm != nil {
		wm.AfterUnwind(t)
	}
	t.mech.UpdatePollValues(t)
}

// Enter pushes a frame on the synthetic stack and polls at method entry.
func (t *Thread) Enter() {
	t.sp.Add(^(FrameSize - 1))
	t.PollEntry()
}

// Leave pops a frame from the synthetic stack and polls at method return.
func (t *Thread) Leave() {
	if t.sp.Load() >= StackBase {
		panic("safepoint: " + t.String() + ": stack underflow")
	}
	t.sp.Add(FrameSize)
	t.PollReturn()
}

func (t *Thread) poll() {
	if t.mech.page != nil {
		pollPage(t)
		return
	}
	if wordArmed(t.pollWord.Load()) {
		t.process(true)
	}
}

// pollPage is the page-mode poll: a load from the thread-local poll page
// address. An armed load faults and is resolved as poll trap.
//
// It is registered in the code map as poll stub.
//
//go:noinline
func pollPage(t *Thread) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := t.mech.handleTrap(t, r)
		if err != nil {
			panic(err)
		}
	}()

	t.sink = *(*uint32)(t.mech.page.at(t.pollPage.Load()))
}
