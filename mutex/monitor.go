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
	"sync"
	"time"
)

// Monitor is Mutex with condition wait/notify.
type Monitor struct {
	Mutex

	wmu     sync.Mutex
	waiters []*waiter // FIFO
}

type waiter struct {
	wakeup chan struct{} // buffered(1)
}

// NewMonitor creates new Monitor. See New for argument details.
func NewMonitor(rank Rank, name string, allowVMBlock bool, check SafepointCheck) *Monitor {
	m := &Monitor{}
	m.init(rank, name, allowVMBlock, check)
	return m
}

// Wait waits for notification or timeout, with safepoint check.
//
// t must own the monitor. The monitor is released for the duration of the
// wait and is reacquired before Wait returns. Zero or negative timeout
// means wait forever. Wait returns whether the wait timed out.
//
// A mutator waits with safepoint-safe state.
func (m *Monitor) Wait(t Thread, timeout time.Duration) (timedOut bool) {
	if rankChecking {
		m.AssertOwned(t)
		m.checkSafepointState(t)
		m.checkWaitRank(t, true)
	}
	return m.wait(t, timeout, true)
}

// WaitWithoutSafepointCheck is Wait that does not check for safepoint.
func (m *Monitor) WaitWithoutSafepointCheck(t Thread, timeout time.Duration) (timedOut bool) {
	if rankChecking {
		m.AssertOwned(t)
		m.checkNoSafepointState(t)
		m.checkWaitRank(t, false)
	}
	return m.wait(t, timeout, false)
}

func (m *Monitor) wait(t Thread, timeout time.Duration, safepointCheck bool) (timedOut bool) {
	w := &waiter{wakeup: make(chan struct{}, 1)}
	m.wmu.Lock()
	m.waiters = append(m.waiters, w)
	m.wmu.Unlock()

	// logically give up ownership: while parked the thread is accounted as
	// not holding m.
	m.clearOwner(t)
	m.raw.Unlock()

	if safepointCheck && t.IsMutator() {
		released := t.BlockInVM(func() {
			timedOut = m.park(w, timeout)
			m.raw.Lock()
		}, m.raw.Unlock)
		if released {
			m.lockContended(t, true)
		}
	} else {
		timedOut = m.park(w, timeout)
		m.raw.Lock()
	}

	m.setOwner(t)
	return timedOut
}

// park blocks until w is notified or timeout expires.
func (m *Monitor) park(w *waiter, timeout time.Duration) (timedOut bool) {
	if timeout <= 0 {
		<-w.wakeup
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.wakeup:
		return false
	case <-timer.C:
	}

	// timed out; we could have been notified concurrently
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for i, x := range m.waiters {
		if x == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	<-w.wakeup
	return false
}

// Notify wakes up one waiter, if any. t must own the monitor.
func (m *Monitor) Notify(t Thread) {
	m.AssertOwned(t)
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if len(m.waiters) == 0 {
		return
	}
	w := m.waiters[0]
	m.waiters[0] = nil
	m.waiters = m.waiters[1:]
	w.wakeup <- struct{}{}
}

// NotifyAll wakes up all waiters. t must own the monitor.
func (m *Monitor) NotifyAll(t Thread) {
	m.AssertOwned(t)
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for _, w := range m.waiters {
		w.wakeup <- struct{}{}
	}
	m.waiters = nil
}
