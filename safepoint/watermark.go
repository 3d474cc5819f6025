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
// stack watermarks

import (
	"sync"
)

// Watermark is the stack watermark collaborator.
//
// It lets the runtime process thread stacks lazily: at a safepoint only the
// topmost frame of a thread is processed and the watermark is set there.
// Returns into frames above the watermark fire the return poll, and the
// collaborator processes those frames one by one as the thread unwinds.
type Watermark interface {
	// Mark returns current watermark of t, or 0 if there is none.
	Mark(t *Thread) uintptr

	// OnSafepoint is called by t when it processes a safepoint or handshake.
	OnSafepoint(t *Thread)

	// AfterUnwind is called by t when its return poll fired on watermark.
	AfterUnwind(t *Thread)
}

// FrameWatermark is Watermark that calls Process for each frame exactly once.
type FrameWatermark struct {
	// Process processes frame with stack pointer sp of thread t.
	Process func(t *Thread, sp uintptr)

	mu    sync.Mutex
	marks map[*Thread]*frameMark
}

type frameMark struct {
	armed bool    // processing requested, not yet started
	mark  uintptr // lowest unprocessed frame is above
}

// Arm requests processing of the stack of t.
//
// It is called with the world stopped, or from a handshake operation for t.
// Processing starts when t next processes a safepoint or handshake.
func (w *FrameWatermark) Arm(t *Thread) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.marks == nil {
		w.marks = make(map[*Thread]*frameMark)
	}
	w.marks[t] = &frameMark{armed: true}
}

// Done reports whether the stack of t was completely processed.
func (w *FrameWatermark) Done(t *Thread) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marks[t] == nil
}

func (w *FrameWatermark) Mark(t *Thread) uintptr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if fm := w.marks[t]; fm != nil {
		return fm.mark
	}
	return 0
}

func (w *FrameWatermark) OnSafepoint(t *Thread) {
	w.mu.Lock()
	fm := w.marks[t]
	if fm == nil || !fm.armed {
		w.mu.Unlock()
		return
	}
	fm.armed = false
	w.mu.Unlock()

	sp := t.SP()
	if sp >= StackBase {
		w.forget(t)
		return
	}
	w.Process(t, sp)

	w.mu.Lock()
	fm.mark = sp
	w.mu.Unlock()
}

func (w *FrameWatermark) AfterUnwind(t *Thread) {
	w.mu.Lock()
	fm := w.marks[t]
	w.mu.Unlock()
	if fm == nil || fm.mark == 0 {
		return
	}

	sp := t.SP()
	if sp <= fm.mark {
		return
	}
	if sp >= StackBase {
		w.forget(t)
		return
	}
	w.Process(t, sp)

	w.mu.Lock()
	fm.mark = sp
	w.mu.Unlock()
}

func (w *FrameWatermark) forget(t *Thread) {
	w.mu.Lock()
	delete(w.marks, t)
	w.mu.Unlock()
}
