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

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/safepoint/internal/tracing"
)

// hsTrace collects executed handshake operations.
type hsTrace struct {
	mu  sync.Mutex
	ops []string
}

func (ht *hsTrace) attach(pg *tracing.ProbeGroup) {
	traceHandshake_Attach(pg, func(t *Thread, name string, bySelf bool) {
		by := "handshaker"
		if bySelf {
			by = "self"
		}
		ht.mu.Lock()
		ht.ops = append(ht.ops, t.Name()+" "+name+" "+by)
		ht.mu.Unlock()
	})
}

func (ht *hsTrace) get() []string {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return append([]string(nil), ht.ops...)
}

func TestHandshakeOne(t *testing.T) {
	m := newMech(t, Config{})
	bt := &blockTrace{}
	ht := &hsTrace{}
	pg := &tracing.ProbeGroup{}
	tracing.Lock()
	bt.attach(pg)
	ht.attach(pg)
	tracing.Unlock()
	defer pg.Done()

	mv, stop := mutators(t, m, 4)
	defer stop()

	var ran []*Thread
	st, err := m.Handshake(context.Background(), "poke", func(th *Thread) {
		ran = append(ran, th)
	}, mv[2].Thread)
	require.NoError(t, err)

	assert.Equal(t, []*Thread{mv[2].Thread}, ran)
	assert.Equal(t, 1, st.Targets)
	assert.Equal(t, 1, st.BySelf)
	assert.Equal(t, 0, st.ByHandshaker)
	assert.Equal(t, []string{"mutator-2 poke self"}, ht.get())

	// threads other than the target never block
	assert.Equal(t, 0, bt.count())
	assert.Equal(t, uint64(0), m.Stats().Safepoints)
}

func TestHandshakeAll(t *testing.T) {
	m := newMech(t, Config{})
	mv, stop := mutators(t, m, 6)
	defer stop()

	var mu sync.Mutex
	seen := map[*Thread]int{}
	st, err := m.HandshakeAll(context.Background(), "all", func(th *Thread) {
		mu.Lock()
		seen[th]++
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 6, st.Targets)
	assert.Equal(t, 6, st.BySelf+st.ByHandshaker)
	for _, mu := range mv {
		assert.Equal(t, 1, seen[mu.Thread], "%s", mu)
	}

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Handshakes)
	assert.Equal(t, uint64(6), stats.HandshakeOps)
}

func TestHandshakeNative(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("native")
	require.NoError(t, err)

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		th.InNative(func() {
			<-release
		})
		m.Detach(th)
	}()
	waitState(t, th, StateNative)

	// a thread in native code does not respond; the operation is executed
	// on its behalf
	var executedFor *Thread
	st, err := m.Handshake(context.Background(), "native", func(t *Thread) {
		executedFor = t
	}, th)
	require.NoError(t, err)
	assert.Equal(t, th, executedFor)
	assert.Equal(t, 1, st.ByHandshaker)
	assert.Equal(t, uint64(1), m.Stats().ByHandshaker)

	close(release)
	<-done
}

func TestHandshakeExited(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("gone")
	require.NoError(t, err)
	m.Detach(th)

	ran := false
	st, err := m.Handshake(context.Background(), "late", func(*Thread) {
		ran = true
	}, th)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, st.Skipped)

	err = m.HandshakeAsync(th, "late", func(*Thread) {})
	assert.Equal(t, ErrThreadExited, err)
}

func TestHandshakeAsync(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("async")
	require.NoError(t, err)
	defer m.Detach(th)

	var ran int
	require.NoError(t, m.HandshakeAsync(th, "async", func(t *Thread) {
		ran++
	}))
	assert.True(t, m.ShouldProcess(th))

	// async operations are executed by the target only, at its next poll
	th.PollBackedge()
	assert.Equal(t, 1, ran)
	assert.False(t, m.ShouldProcess(th))
	th.PollBackedge()
	assert.Equal(t, 1, ran)
}

func TestHandshakeAsyncDroppedOnDetach(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("async")
	require.NoError(t, err)

	ran := false
	require.NoError(t, m.HandshakeAsync(th, "dropped", func(*Thread) {
		ran = true
	}))
	m.Detach(th)
	assert.False(t, ran)
	assert.Equal(t, int32(0), th.hsPending.Load())
}

func TestHandshakeCancel(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("stuck")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := false
	_, err = m.Handshake(ctx, "canceled", func(*Thread) {
		ran = true
	}, th)
	require.Error(t, err)

	// the dropped operation is not run at the next poll
	th.PollBackedge()
	assert.False(t, ran)
	assert.False(t, m.ShouldProcess(th))
	m.Detach(th)
}

func TestHandshakeDuringSafepoint(t *testing.T) {
	m := newMech(t, Config{})
	mv, stop := mutators(t, m, 3)
	defer stop()

	// handshakes and safepoints are serialized on the VM thread
	s, err := m.SafepointBegin(context.Background(), "hold")
	require.NoError(t, err)

	var ran atomic.Int32
	hsDone := make(chan error, 1)
	go func() {
		_, err := m.Handshake(context.Background(), "queued", func(*Thread) {
			ran.Add(1)
		}, mv[0].Thread)
		hsDone <- err
	}()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())

	_, err = m.SafepointEnd(s)
	require.NoError(t, err)
	require.NoError(t, <-hsDone)
	assert.Equal(t, int32(1), ran.Load())
}

func TestSuspendResume(t *testing.T) {
	m := newMech(t, Config{})
	mv, stop := mutators(t, m, 2)
	defer stop()
	victim := mv[0]

	ctx := context.Background()
	require.NoError(t, m.Suspend(ctx, victim.Thread))
	deadline := time.Now().Add(10 * time.Second)
	for !victim.IsSuspended() {
		require.True(t, time.Now().Before(deadline), "not suspended")
		time.Sleep(time.Millisecond)
	}
	waitState(t, victim.Thread, StateBlocked)

	n := victim.iter.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, victim.iter.Load())

	// a suspended thread does not hold up safepoints
	st, err := m.Safepoint(ctx, "while-suspended", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Acked)

	assert.True(t, m.Resume(victim.Thread))
	assert.False(t, m.Resume(victim.Thread))
	for victim.iter.Load() == n {
		time.Sleep(time.Millisecond)
	}
	assert.False(t, victim.IsSuspended())
}
