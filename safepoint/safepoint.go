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


// Package safepoint implements safepoint and handshake coordination of
// runtime threads.
//
// A Mechanism coordinates a set of mutator threads with one coordinator, the
// VM thread. Mutators run managed code and execute poll sites at method
// entry (Thread.Enter, Thread.PollEntry), loop back-edges
// (Thread.PollBackedge) and returns (Thread.Leave, Thread.PollReturn). A
// poll is a load of the thread-local poll word and a test of its poll bit,
// or, in page mode, a load from the thread-local poll page address that
// faults when armed.
//
// A safepoint brings all mutators to a state where they do not touch
// managed state: the coordinator arms the global poll word and every
// thread's local poll, and waits until each mutator either blocked at a
// poll, or was found in a safe state (native code, blocked in the runtime,
// exited). It then runs the operation with the world stopped, disarms and
// lets the threads continue.
//
// A handshake runs an operation for a subset of threads without stopping
// the others: only local polls of the targets are armed, and each target
// runs the operation at its next poll, unless it is in a safe state, in
// which case the coordinator runs the operation on its behalf.
//
// Blocking in the runtime is made safepoint-safe with Thread.BlockInVM, which
// package mutex uses for contended locks.
package safepoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lab.nexedi.com/kirr/go123/xcontext"

	"lab.nexedi.com/kirr/safepoint/internal/log"
	taskctx "lab.nexedi.com/kirr/safepoint/internal/xcontext/task"
	"lab.nexedi.com/kirr/safepoint/internal/xsync"
	"lab.nexedi.com/kirr/safepoint/mutex"
	"lab.nexedi.com/kirr/safepoint/trap"
)

var (
	// ErrClosed is returned for operations on closed mechanism.
	ErrClosed = errors.New("safepoint mechanism is closed")

	// ErrNoPollPage is returned when page polling is not available.
	ErrNoPollPage = errors.New("poll page is not supported on this platform")
)

// CoordState is the state of the coordinator.
type CoordState int32

const (
	Idle      CoordState = iota // nothing is pending
	Requested                   // armed; waiting for threads to acknowledge
	Draining                    // all threads acknowledged; operation is running
)

func (s CoordState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("CoordState(%d)", int(s))
}

// examineInterval is how often the coordinator re-examines threads that
// did not acknowledge yet.
const examineInterval = 100 * time.Microsecond

// Mechanism is one instance of safepoint/handshake coordination.
//
// It is created with New and released with Close.
type Mechanism struct {
	cfg  Config
	page *PollPage // nil in word mode

	global atomic.Uintptr // global poll word
	state  atomic.Int32   // CoordState
	ep     atomic.Pointer[episode]
	seq    uint64 // last safepoint id; VM thread only

	vm          *Thread
	threadsLock *mutex.Mutex   // serializes thread list changes with VM operations
	syncMon     *mutex.Monitor // coordinator waits here for acknowledgements
	threads     atomic.Pointer[[]*Thread]
	nextID      atomic.Int64

	code       *trap.CodeMap
	classifier *trap.Classifier
	dispatcher *trap.Dispatcher

	opq       chan *vmOp
	down      chan struct{}
	ctx       context.Context // VM thread logging context; canceled on Close
	cancel    context.CancelFunc
	workers   *xsync.WorkGroup
	closeOnce sync.Once

	statMu        sync.Mutex
	stats         Stats
	ntraps        atomic.Uint64
	lastSafepoint atomic.Int64 // unix nanoseconds

	events *EventLog
}

// New creates new mechanism and starts its VM thread.
func New(cfg Config) (_ *Mechanism, err error) {
	m := &Mechanism{
		cfg:  cfg,
		opq:  make(chan *vmOp),
		down: make(chan struct{}),
		code: trap.NewCodeMap(),
	}
	if cfg.PollMode == PollPageMode {
		m.page, err = NewPollPage()
		if err != nil {
			return nil, err
		}
	}

	m.global.Store(WordDisarmed)
	m.threads.Store(&[]*Thread{})
	m.lastSafepoint.Store(time.Now().UnixNano())

	size := cfg.EventLogSize
	if size <= 0 {
		size = DefaultEventLogSize
	}
	m.events = NewEventLog(size)

	m.vm = newThread(m, 0, "VM Thread", KindVM)
	m.vm.setState(StateVM)
	m.threadsLock = mutex.New(mutex.Safepoint, "Threads_lock", true, mutex.SafepointCheckAlways)
	m.syncMon = mutex.NewMonitor(mutex.Service, "SafepointSync_lock", true, mutex.SafepointCheckNever)

	env := trap.Env{NullLimit: trap.DefaultNullLimit, Code: m.code}
	if m.page != nil {
		env.PollPage = m.page.Armed()
	}
	m.code.Register("poll-page", trap.BlobPollStub, pollPage)
	m.classifier = trap.NewClassifier(env)
	m.dispatcher = trap.NewDispatcher()
	m.dispatcher.Handle(trap.PollTrap, m.onPollTrap)

	m.ctx, m.cancel = context.WithCancel(m.vm.ctx)
	m.workers = &xsync.WorkGroup{}
	m.workers.Go(func() error {
		return m.vmLoop(m.ctx)
	})
	if cfg.GuaranteedSafepointInterval > 0 {
		m.workers.Go(func() error {
			return m.guaranteedSafepoints(m.ctx, cfg.GuaranteedSafepointInterval)
		})
	}

	log.Infof(m.ctx, "started: poll mode %s", cfg.PollMode)
	return m, nil
}

// Close stops the VM thread and releases polling memory.
//
// Threads attached to the mechanism must not be used after Close.
func (m *Mechanism) Close() (err error) {
	m.closeOnce.Do(func() {
		close(m.down)
		m.cancel()
		log.V(1).Infof(m.ctx, "close: waiting for %d workers", m.workers.Running())
		err = m.workers.Wait()
		if m.page != nil {
			if e := m.page.Close(); err == nil {
				err = e
			}
		}
		log.Flush()
	})
	return err
}

// Config returns mechanism configuration.
func (m *Mechanism) Config() Config {
	return m.cfg
}

// VMThread returns the coordinator thread.
func (m *Mechanism) VMThread() *Thread {
	return m.vm
}

// State returns coordinator state.
func (m *Mechanism) State() CoordState {
	return CoordState(m.state.Load())
}

// AtSafepoint reports whether the world is stopped.
func (m *Mechanism) AtSafepoint() bool {
	return m.State() == Draining
}

// Arm arms the global poll word.
//
// It is used by the coordinator; other users must use Safepoint.
func (m *Mechanism) Arm() {
	m.global.Store(WordArmed)
}

// Disarm disarms the global poll word.
//
// It is used by the coordinator; other users must use Safepoint.
func (m *Mechanism) Disarm() {
	m.global.Store(WordDisarmed)
}

// Armed reports whether the global poll word is armed.
func (m *Mechanism) Armed() bool {
	return wordArmed(m.global.Load())
}

// Events returns event log of the mechanism.
func (m *Mechanism) Events() *EventLog {
	return m.events
}

// Threads returns snapshot of attached threads.
func (m *Mechanism) Threads() []*Thread {
	return *m.threads.Load()
}

// Attach attaches new mutator thread.
//
// The thread is returned in managed state: the calling goroutine becomes the
// thread and has to poll, or to transition to native state, so that
// safepoints are not delayed.
func (m *Mechanism) Attach(name string) (*Thread, error) {
	return m.attach(name, KindMutator)
}

// AttachWorker attaches auxiliary runtime thread.
//
// Worker threads do not take part in safepoints; they use the lock layer
// and can be targets of thread dumps.
func (m *Mechanism) AttachWorker(name string) (*Thread, error) {
	return m.attach(name, KindWorker)
}

func (m *Mechanism) attach(name string, kind Kind) (*Thread, error) {
	if m.closed() {
		return nil, ErrClosed
	}

	t := newThread(m, int(m.nextID.Add(1)), name, kind)
	m.threadsLock.Lock(t)
	defer m.threadsLock.Unlock(t)

	old := *m.threads.Load()
	threads := make([]*Thread, len(old), len(old)+1)
	copy(threads, old)
	threads = append(threads, t)
	m.threads.Store(&threads)

	if kind == KindMutator {
		t.setState(StateManaged)
	} else {
		t.setState(StateVM)
	}
	m.UpdatePollValues(t)
	m.events.Logf("attach %s (%s)", t, kind)
	return t, nil
}

// Detach detaches thread t.
//
// It must be called by t's goroutine, with no locks held. Pending
// asynchronous handshake operations of t are dropped.
func (m *Mechanism) Detach(t *Thread) {
	if t.mech != m {
		panic(fmt.Sprintf("detach %s: thread of another mechanism", t))
	}
	if n := t.held.Len(); n != 0 {
		panic(fmt.Sprintf("detach %s: holding %d lock(s):\n%s", t, n, t.held))
	}

	m.threadsLock.Lock(t)
	defer m.threadsLock.Unlock(t)

	old := *m.threads.Load()
	threads := make([]*Thread, 0, len(old))
	for _, x := range old {
		if x != t {
			threads = append(threads, x)
		}
	}
	m.threads.Store(&threads)

	t.hsLock.LockWithoutSafepointCheck(t)
	t.setState(StateExited)
	m.skipHandshakes(t)
	t.hsLock.Unlock(t)
	m.events.Logf("detach %s", t)
}

// Stats is the summary of mechanism activity.
type Stats struct {
	Safepoints   uint64        // completed safepoints
	Aborted      uint64        // safepoints given up due to cancellation
	Timeouts     uint64        // safepoints that took longer than SafepointTimeoutDelay
	SyncTotal    time.Duration // total time to synchronize
	SyncMax      time.Duration // max time to synchronize
	OpTotal      time.Duration // total time of operations at safepoint
	Handshakes   uint64        // completed handshakes
	HandshakeOps uint64        // handshake operations executed
	ByHandshaker uint64        // ... of them on behalf of target
	Traps        uint64        // faults handled
}

// Stats returns snapshot of mechanism statistics.
func (m *Mechanism) Stats() Stats {
	m.statMu.Lock()
	defer m.statMu.Unlock()
	s := m.stats
	s.Traps = m.ntraps.Load()
	return s
}

func (m *Mechanism) updateStats(f func(s *Stats)) {
	m.statMu.Lock()
	f(&m.stats)
	m.statMu.Unlock()
}

// ---- VM thread ----

// vmOp is operation executed by VM thread.
type vmOp struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan struct{}
	err  error
}

func (m *Mechanism) vmLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-m.opq:
			op.err = op.run(taskctx.OnThread(op.ctx, m.vm.name))
			close(op.done)
		}
	}
}

// execute runs f on VM thread and waits for it to complete.
//
// f is given ctx that is canceled when either ctx is canceled or the
// mechanism is closed.
func (m *Mechanism) execute(ctx context.Context, f func(ctx context.Context) error) error {
	if m.closed() {
		return ErrClosed
	}
	ctx, cancel := xcontext.MergeChan(ctx, m.down)
	defer cancel()

	op := &vmOp{ctx: ctx, run: f, done: make(chan struct{})}
	select {
	case <-ctx.Done():
		if m.closed() {
			return ErrClosed
		}
		return ctx.Err()
	case m.opq <- op:
	}
	<-op.done
	return op.err
}

func (m *Mechanism) closed() bool {
	select {
	case <-m.down:
		return true
	default:
		return false
	}
}
