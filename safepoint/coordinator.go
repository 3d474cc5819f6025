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
// global safepoints

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"lab.nexedi.com/kirr/safepoint/internal/log"
	"lab.nexedi.com/kirr/safepoint/internal/task"
	"lab.nexedi.com/kirr/safepoint/trap"
)

// Operation is run by the VM thread with the world stopped.
type Operation func(vm *Thread) error

// episode is one safepoint synchronization.
//
// It is published in Mechanism.ep before the global poll is armed and stays
// there after the safepoint ends, so that a thread that observed the armed
// global poll always finds the episode it has to block for.
type episode struct {
	id      uint64
	reason  string
	threads []*Thread     // participants
	member  map[*Thread]bool
	done    chan struct{} // closed when the safepoint ends

	waiting atomic.Int32 // participants not yet accounted
	acked   atomic.Int32
	bySelf  atomic.Int32 // ... of them acknowledged by blocking at a poll
}

// SafepointStat describes one completed safepoint.
type SafepointStat struct {
	ID          uint64
	Reason      string
	Threads     int           // participants
	Acked       int           // participants accounted at the safepoint
	AckedBySelf int           // ... of them blocked at a poll
	Sync        time.Duration // time to bring threads to safepoint
	Op          time.Duration // time of the operation
}

func (s *SafepointStat) String() string {
	return fmt.Sprintf("safepoint #%d %q: threads=%d acked=%d (self %d) sync=%s op=%s",
		s.ID, s.Reason, s.Threads, s.Acked, s.AckedBySelf, s.Sync, s.Op)
}

// Safepoint brings all mutators to safepoint, runs op with the world
// stopped, and resumes the mutators.
//
// op may be nil. Safepoints are serialized on the VM thread. If ctx is
// canceled before all threads reached the safepoint, synchronization is
// given up, the threads are released and op is not run.
//
// The caller must not be a mutator in managed state: it would never reach
// the safepoint. A mutator calls Safepoint from within InNative.
func (m *Mechanism) Safepoint(ctx context.Context, reason string, op Operation) (_ *SafepointStat, err error) {
	var st *SafepointStat
	err = m.execute(ctx, func(ctx context.Context) (err error) {
		st, err = m.safepoint(ctx, reason, op)
		return err
	})
	return st, err
}

// safepoint runs on VM thread.
func (m *Mechanism) safepoint(ctx context.Context, reason string, op Operation) (_ *SafepointStat, err error) {
	vm := m.vm
	m.threadsLock.Lock(vm)
	defer m.threadsLock.Unlock(vm)

	ep := m.begin(reason)
	defer task.Runningf(&ctx, "safepoint #%d %q", ep.id, reason)(&err)

	st := &SafepointStat{ID: ep.id, Reason: reason, Threads: len(ep.threads)}
	start := time.Now()
	err = m.synchronize(ctx, ep, start)
	st.Sync = time.Since(start)
	st.Acked = int(ep.acked.Load())
	st.AckedBySelf = int(ep.bySelf.Load())
	if err != nil {
		m.end(ep)
		m.updateStats(func(s *Stats) { s.Aborted++ })
		return st, err
	}

	m.state.Store(int32(Draining))
	traceSafepointSync(ep.id, st.Sync)
	m.events.Logf("safepoint #%d %q: synchronized %d threads in %s", ep.id, reason, st.Threads, st.Sync)

	if op != nil {
		opStart := time.Now()
		err = op(vm)
		st.Op = time.Since(opStart)
	}

	m.end(ep)
	m.updateStats(func(s *Stats) {
		s.Safepoints++
		s.SyncTotal += st.Sync
		if st.Sync > s.SyncMax {
			s.SyncMax = st.Sync
		}
		s.OpTotal += st.Op
	})
	return st, err
}

// begin starts new safepoint episode and arms polls of all participants.
func (m *Mechanism) begin(reason string) *episode {
	m.seq++
	ep := &episode{id: m.seq, reason: reason, member: map[*Thread]bool{}, done: make(chan struct{})}
	for _, t := range m.Threads() {
		if t.participates() {
			ep.threads = append(ep.threads, t)
			ep.member[t] = true
		}
	}
	ep.waiting.Store(int32(len(ep.threads)))

	m.ep.Store(ep)
	m.state.Store(int32(Requested))
	m.Arm()
	for _, t := range ep.threads {
		m.armLocal(t)
	}

	traceSafepointBegin(ep.id, reason)
	m.events.Logf("safepoint #%d %q: begin (%d threads)", ep.id, reason, len(ep.threads))
	return ep
}

// end disarms polls and releases threads blocked for ep.
//
// Threads disarm their local polls themselves when they resume.
func (m *Mechanism) end(ep *episode) {
	m.Disarm()
	m.state.Store(int32(Idle))
	close(ep.done)
	m.lastSafepoint.Store(time.Now().UnixNano())

	traceSafepointEnd(ep.id)
	m.events.Logf("safepoint #%d: end", ep.id)
}

// armLocal arms thread-local polls of t.
func (m *Mechanism) armLocal(t *Thread) {
	t.pollWord.Store(WordArmed)
	if m.page != nil {
		t.pollPage.Store(m.page.Bad())
	}
}

// synchronize waits until every participant of ep is accounted.
//
// Threads that block at a poll account themselves. Threads found in a safe
// state are accounted by the coordinator.
func (m *Mechanism) synchronize(ctx context.Context, ep *episode, start time.Time) error {
	vm := m.vm
	timedOut := false
	for {
		for _, t := range ep.threads {
			if t.ackID.Load() < ep.id && t.State().Safe() {
				m.ack(t, ep, false)
			}
		}
		if ep.waiting.Load() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d := m.cfg.SafepointTimeoutDelay; d > 0 && !timedOut && time.Since(start) > d {
			timedOut = true
			m.safepointTimeout(ctx, ep, time.Since(start))
		}

		m.syncMon.LockWithoutSafepointCheck(vm)
		if ep.waiting.Load() != 0 {
			m.syncMon.WaitWithoutSafepointCheck(vm, examineInterval)
		}
		m.syncMon.Unlock(vm)
	}
}

// ack accounts t as being at safepoint ep.
//
// self tells whether t acknowledges itself. The last self-acknowledgement
// wakes up the coordinator.
//
// Only participants of ep are accounted.
func (m *Mechanism) ack(t *Thread, ep *episode, self bool) bool {
	if !ep.member[t] {
		return false
	}
	for {
		old := t.ackID.Load()
		if old >= ep.id {
			return false
		}
		if t.ackID.CompareAndSwap(old, ep.id) {
			break
		}
	}

	ep.acked.Add(1)
	if self {
		ep.bySelf.Add(1)
	}
	if ep.waiting.Add(-1) == 0 && self {
		m.wakeVM(t)
	}
	return true
}

// wakeVM wakes up the coordinator waiting on syncMon.
func (m *Mechanism) wakeVM(t *Thread) {
	m.syncMon.LockWithoutSafepointCheck(t)
	m.syncMon.Notify(t)
	m.syncMon.Unlock(t)
}

// safepointTimeout reports threads that did not reach safepoint ep in time.
func (m *Mechanism) safepointTimeout(ctx context.Context, ep *episode, elapsed time.Duration) {
	var b strings.Builder
	var first *Thread
	for _, t := range ep.threads {
		if t.ackID.Load() < ep.id {
			if first == nil {
				first = t
			}
			fmt.Fprintf(&b, "\n\t%s [%s] depth=%d", t, t.State(), t.Depth())
		}
	}
	log.Warningf(ctx, "timeout after %s; threads not at safepoint:%s", elapsed, b.String())
	m.events.Logf("safepoint #%d: timeout after %s", ep.id, elapsed)
	m.updateStats(func(s *Stats) { s.Timeouts++ })

	if !m.cfg.AbortOnSafepointTimeout {
		return
	}
	r := &trap.Report{
		Time:        time.Now().UnixNano(),
		Disposition: "safepoint-timeout",
		Message:     fmt.Sprintf("safepoint #%d %q: timeout after %s; threads not at safepoint:%s", ep.id, ep.reason, elapsed, b.String()),
	}
	if first != nil {
		r.Thread = first.Name()
		r.State = first.State().String()
		r.HeldLocks = first.LockNames()
	}
	m.fatal(r)
}

// Stopped represents the world stopped with SafepointBegin.
type Stopped struct {
	begun chan struct{}
	end   chan struct{}
	done  chan struct{}
	stat  *SafepointStat
	err   error
}

// SafepointBegin stops the world and returns with it stopped.
//
// The world stays stopped until SafepointEnd is called. Neither safepoints
// nor handshakes can run meanwhile.
func (m *Mechanism) SafepointBegin(ctx context.Context, reason string) (*Stopped, error) {
	s := &Stopped{
		begun: make(chan struct{}),
		end:   make(chan struct{}),
		done:  make(chan struct{}),
	}
	go func() {
		s.stat, s.err = m.Safepoint(ctx, reason, func(*Thread) error {
			close(s.begun)
			<-s.end
			return nil
		})
		close(s.done)
	}()

	select {
	case <-s.begun:
		return s, nil
	case <-s.done:
		return nil, s.err
	}
}

// SafepointEnd resumes the world stopped by SafepointBegin.
func (m *Mechanism) SafepointEnd(s *Stopped) (*SafepointStat, error) {
	close(s.end)
	<-s.done
	return s.stat, s.err
}
