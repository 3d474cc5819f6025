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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func (m *Monitor) nwaiters() int {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return len(m.waiters)
}

func TestMonitorTimeout(t *testing.T) {
	m := NewMonitor(NonLeaf, "mon", true, SafepointCheckAlways)
	a := newThread("A", true)

	m.Lock(a)
	t0 := time.Now()
	timedOut := m.Wait(a, 10*time.Millisecond)
	require.True(t, timedOut)
	require.True(t, time.Since(t0) >= 10*time.Millisecond)
	require.True(t, m.OwnedBySelf(a))
	require.Equal(t, 1, a.held.Len())
	require.Equal(t, 1, a.blocks())
	m.Unlock(a)
}

func TestMonitorNotify(t *testing.T) {
	m := NewMonitor(NonLeaf, "mon", true, SafepointCheckAlways)
	waiter := newThread("waiter", true)
	notifier := newThread("notifier", false)

	ready := false
	done := make(chan bool)
	go func() {
		m.Lock(waiter)
		for !ready {
			if m.Wait(waiter, 0) {
				panic("infinite wait timed out")
			}
		}
		// ownership is restored when Wait returns
		done <- m.OwnedBySelf(waiter)
		m.Unlock(waiter)
	}()

	// waiter parks releasing the monitor, so notifier can get it
	for {
		m.LockWithoutSafepointCheck(notifier)
		if m.nwaiters() != 0 {
			break
		}
		m.Unlock(notifier)
		time.Sleep(time.Millisecond)
	}
	ready = true
	m.Notify(notifier)
	m.Unlock(notifier)

	require.True(t, <-done)
	require.Nil(t, m.Owner())
}

func TestMonitorNotifyAll(t *testing.T) {
	const N = 4
	m := NewMonitor(NonLeaf, "mon", true, SafepointCheckAlways)
	notifier := newThread("notifier", false)

	go1 := false
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		th := newThread("waiter", i%2 == 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(th)
			for !go1 {
				m.Wait(th, 0)
			}
			m.Unlock(th)
		}()
	}

	for {
		m.Lock(notifier)
		if m.nwaiters() == N {
			break
		}
		m.Unlock(notifier)
		time.Sleep(time.Millisecond)
	}
	go1 = true
	m.NotifyAll(notifier)
	m.Unlock(notifier)
	wg.Wait()

	// notify without waiters is noop
	m.Lock(notifier)
	m.Notify(notifier)
	m.NotifyAll(notifier)
	m.Unlock(notifier)
}

func TestMonitorWaitDiscipline(t *testing.T) {
	mon := NewMonitor(NonLeaf, "mon", true, SafepointCheckAlways)
	low := New(Safepoint, "low", true, SafepointCheckAlways)
	nsp := NewMonitor(OopStorage, "nsp", true, SafepointCheckNever)
	a := newThread("A", true)

	mustFail(t, "must be locked by A", func() { mon.Wait(a, time.Millisecond) })

	// waiting on mon while holding lower-ranked lock could deadlock
	mon.Lock(a)
	low.Lock(a)
	mustFail(t, "attempting to wait on monitor mon", func() { mon.Wait(a, time.Millisecond) })
	low.Unlock(a)
	require.True(t, mon.Wait(a, time.Millisecond))
	mon.Unlock(a)

	// no-safepoint monitor is waited on without safepoint check
	nsp.LockWithoutSafepointCheck(a)
	mustFail(t, "should never have a safepoint check", func() { nsp.Wait(a, time.Millisecond) })
	nblock := a.blocks()
	require.True(t, nsp.WaitWithoutSafepointCheck(a, time.Millisecond))
	require.Equal(t, nblock, a.blocks())
	nsp.Unlock(a)
	require.Equal(t, 0, a.held.NoSafepointCount())
}
