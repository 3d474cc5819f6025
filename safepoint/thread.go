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
// threads

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"lab.nexedi.com/kirr/safepoint/internal/xcontext/task"
	"lab.nexedi.com/kirr/safepoint/mutex"
)

// ThreadState is the execution state of a thread.
type ThreadState int32

const (
	StateNew         ThreadState = iota // created, not yet attached
	StateManaged                        // running managed code
	StateVM                             // running runtime code
	StateVMTrans                        // leaving runtime code
	StateNative                         // running native code; safe
	StateNativeTrans                    // leaving native code
	StateBlocked                        // blocked in the runtime; safe
	StateExited                         // detached; safe
)

var stateNames = [...]string{
	StateNew:         "new",
	StateManaged:     "managed",
	StateVM:          "vm",
	StateVMTrans:     "vm-trans",
	StateNative:      "native",
	StateNativeTrans: "native-trans",
	StateBlocked:     "blocked",
	StateExited:      "exited",
}

func (s ThreadState) String() string {
	if 0 <= s && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("ThreadState(%d)", int(s))
}

// Safe reports whether a thread in state s cannot touch managed state
// without first passing a poll, so that coordinator may account it as
// having reached a safepoint.
func (s ThreadState) Safe() bool {
	return s == StateNative || s == StateBlocked || s == StateExited
}

// Kind tells the role of a thread.
type Kind int

const (
	KindMutator Kind = iota // runs managed code; takes part in safepoints
	KindVM                  // the coordinator
	KindWorker              // auxiliary runtime thread; does not take part in safepoints
)

func (k Kind) String() string {
	switch k {
	case KindMutator:
		return "mutator"
	case KindVM:
		return "vm"
	case KindWorker:
		return "worker"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Stack geometry of the synthetic stack maintained by Enter/Leave.
const (
	StackBase uintptr = 1 << 30
	FrameSize uintptr = 16
)

// ThreadData is the thread-local copy of polling state.
type ThreadData struct {
	PollingWord uintptr
	PollingPage uintptr
}

// Thread is a runtime thread.
//
// A Thread is driven by one goroutine. Its methods, unless documented
// otherwise, must be called only from that goroutine.
type Thread struct {
	mech *Mechanism
	id   int
	name string
	kind Kind

	state atomic.Int32 // ThreadState

	// thread-local poll state
	pollWord atomic.Uintptr
	pollPage atomic.Uintptr
	sink     uint32 // page-mode polls load here

	sp atomic.Uintptr // synthetic stack pointer

	ackID atomic.Uint64 // id of last safepoint this thread was accounted at
	held  *mutex.Held

	// handshakes
	hsLock    *mutex.Mutex // claimed by whoever processes operations
	hsmu      sync.Mutex   // protects hsq, resume
	hsq       []*hsEntry
	hsPending atomic.Int32

	// suspension
	suspendReq atomic.Bool
	suspended  atomic.Bool
	resume     chan struct{} // closed by Resume; under hsmu

	ctx context.Context // logging context
}

func newThread(m *Mechanism, id int, name string, kind Kind) *Thread {
	t := &Thread{mech: m, id: id, name: name, kind: kind}
	t.held = mutex.NewHeld(t)
	t.hsLock = mutex.New(mutex.NoSafepoint, name+"/handshake", true, mutex.SafepointCheckNever)
	t.sp.Store(StackBase)
	t.pollWord.Store(WordDisarmed)
	if m.page != nil {
		t.pollPage.Store(m.page.Good())
	}
	t.ctx = task.OnThread(context.Background(), name)
	return t
}

// ID returns thread id, unique within its mechanism.
func (t *Thread) ID() int { return t.id }

// Name returns thread name.
func (t *Thread) Name() string { return t.name }

// Kind returns thread kind.
func (t *Thread) Kind() Kind { return t.kind }

// Mechanism returns mechanism the thread is attached to.
func (t *Thread) Mechanism() *Mechanism { return t.mech }

// State returns current thread state. It is safe to call from any goroutine.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

func (t *Thread) setState(s ThreadState) {
	t.state.Store(int32(s))
}

// Context returns context for logging on behalf of the thread.
func (t *Thread) Context() context.Context {
	return t.ctx
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s#%d", t.name, t.id)
}

// Data returns snapshot of thread-local poll state.
func (t *Thread) Data() ThreadData {
	return ThreadData{t.pollWord.Load(), t.pollPage.Load()}
}

// SP returns current synthetic stack pointer.
func (t *Thread) SP() uintptr {
	return t.sp.Load()
}

// Depth returns number of frames on synthetic stack.
func (t *Thread) Depth() int {
	return int((StackBase - t.sp.Load()) / FrameSize)
}

// participates reports whether t has to reach safepoints.
func (t *Thread) participates() bool {
	return t.kind == KindMutator
}

// ---- mutex.Thread ----

// IsMutator reports whether t is an active mutator.
func (t *Thread) IsMutator() bool {
	if t.kind != KindMutator {
		return false
	}
	s := t.State()
	return s != StateNew && s != StateExited
}

// IsVMThread reports whether t is the coordinator.
func (t *Thread) IsVMThread() bool {
	return t.kind == KindVM
}

// HeldLocks returns stack of locks held by t.
func (t *Thread) HeldLocks() *mutex.Held {
	return t.held
}

// LockNames returns names of locks held by t.
//
// The claim t holds while processing its own handshake operations is not
// included.
func (t *Thread) LockNames() []string {
	var locks []string
	for _, l := range t.held.Locks() {
		if l != t.hsLock {
			locks = append(locks, l.String())
		}
	}
	return locks
}

// WorldStopped reports whether the world is stopped at safepoint.
func (t *Thread) WorldStopped() bool {
	return t.mech.AtSafepoint()
}

// BlockInVM runs block with t in blocked state, so that safepoints and
// handshakes do not wait for t while it is blocked.
//
// The previous state is restored on every exit path. If on return from block
// a safepoint or handshake is pending, release (if non-nil) is called first,
// and then the pending operation is processed. BlockInVM returns whether
// release was called.
func (t *Thread) BlockInVM(block func(), release func()) (released bool) {
	prev := t.State()
	t.setState(StateBlocked)
	ok := false
	defer func() {
		if !ok {
			t.setState(prev)
		}
	}()

	block()

	ok = true
	t.setState(prev)
	if t.mech.ShouldProcess(t) {
		if release != nil {
			release()
			released = true
		}
		t.process(false)
	}
	return released
}

// ---- transitions ----

// ToNative transitions t from managed or runtime code to native code.
//
// While in native code t does not poll and is accounted as safe.
func (t *Thread) ToNative() {
	t.assertNoSafepointLocks("transition to native")
	t.setState(StateNative)
}

// FromNative transitions t from native back to managed code.
//
// Pending safepoint or handshake is processed before t returns to managed
// code.
func (t *Thread) FromNative() {
	t.setState(StateNativeTrans)
	if t.mech.ShouldProcess(t) {
		t.process(true)
	}
	t.setState(StateManaged)
}

// ToVM transitions t from managed to runtime code.
func (t *Thread) ToVM() {
	t.setState(StateVM)
}

// FromVM transitions t from runtime back to managed code.
func (t *Thread) FromVM() {
	t.setState(StateVMTrans)
	if t.mech.ShouldProcess(t) {
		t.process(true)
	}
	t.setState(StateManaged)
}

// InNative runs f with t in native state.
func (t *Thread) InNative(f func()) {
	t.ToNative()
	defer t.FromNative()
	f()
}

// assertNoSafepointLocks verifies t does not hold no-safepoint locks.
func (t *Thread) assertNoSafepointLocks(what string) {
	if n := t.held.NoSafepointCount(); n != 0 {
		e := &mutex.Error{
			Lock:   "<no-safepoint>",
			Thread: t.name,
			Msg:    fmt.Sprintf("%s while holding %d no-safepoint lock(s)", what, n),
		}
		for _, l := range t.held.Locks() {
			e.Held = append(e.Held, l.String())
		}
		panic(e)
	}
}
