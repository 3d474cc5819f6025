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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

// thread is Thread for tests.
type thread struct {
	name    string
	mutator bool
	vm      bool
	stopped bool
	held    *Held

	mu       sync.Mutex
	nblock   int
	nrelease int
	pending  int // how many BlockInVM exits see safepoint pending
}

func newThread(name string, mutator bool) *thread {
	t := &thread{name: name, mutator: mutator}
	t.held = NewHeld(t)
	return t
}

func (t *thread) Name() string       { return t.name }
func (t *thread) IsMutator() bool    { return t.mutator }
func (t *thread) IsVMThread() bool   { return t.vm }
func (t *thread) HeldLocks() *Held   { return t.held }
func (t *thread) WorldStopped() bool { return t.stopped }

func (t *thread) BlockInVM(block, release func()) (released bool) {
	t.mu.Lock()
	t.nblock++
	t.mu.Unlock()

	block()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending > 0 && release != nil {
		t.pending--
		t.nrelease++
		release()
		return true
	}
	return false
}

func (t *thread) blocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nblock
}

// mustFail runs f and verifies it panics with *Error containing msg.
func mustFail(t *testing.T, msg string, f func()) {
	t.Helper()
	if !rankChecking {
		t.Skip("rank checking is compiled out")
	}
	defer func() {
		t.Helper()
		r := recover()
		e, ok := r.(*Error)
		if !ok {
			t.Fatalf("expected lock error panic; got %#v", r)
		}
		if !strings.Contains(e.Msg, msg) {
			t.Fatalf("lock error:\nhave: %s\nwant: ...%s...", e, msg)
		}
	}()
	f()
}

func TestRankString(t *testing.T) {
	testv := []struct {
		rank Rank
		want string
	}{
		{Event, "event"},
		{Event + 1, "event+1"},
		{NoSafepoint - 2, "nosafepoint-2"},
		{Safepoint, "safepoint"},
		{Safepoint + 1, "barrier"},
		{NonLeaf + 10, "nonleaf+10"},
		{MaxNonLeaf, "max_nonleaf"},
		{Native, "native"},
		{Native + 5, "native+5"},
		{-1, "rank(-1)"},
	}
	for _, tt := range testv {
		if have := tt.rank.String(); have != tt.want {
			t.Errorf("rank %d: have %q; want %q", int(tt.rank), have, tt.want)
		}
	}
}

func TestNewAsserts(t *testing.T) {
	mustFail(t, "should never safepoint", func() {
		New(NoSafepoint, "bad", true, SafepointCheckAlways)
	})
	mustFail(t, "always allow the vm to block", func() {
		New(Service, "bad", false, SafepointCheckNever)
	})
	mustFail(t, "bad lock rank", func() {
		New(-1, "bad", true, SafepointCheckNever)
	})

	m := New(NonLeaf, "ok", false, SafepointCheckAlways)
	require.Equal(t, "ok/nonleaf", m.String())
	require.Equal(t, NonLeaf, m.Rank())
	require.Equal(t, SafepointCheckAlways, m.SafepointCheck())
	require.False(t, m.AllowVMBlock())
}

// acquiring rank 8 while holding rank 5 is rejected before blocking.
func TestRankOrderViolation(t *testing.T) {
	m5 := New(5, "m5", true, SafepointCheckNever)
	m8 := New(8, "m8", true, SafepointCheckNever)

	// m8 is held by another thread, so that acquiring it would block
	other := newThread("other", false)
	m8.LockWithoutSafepointCheck(other)

	a := newThread("A", false)
	m5.LockWithoutSafepointCheck(a)
	mustFail(t, "out of order with lock m5", func() {
		m8.LockWithoutSafepointCheck(a)
	})
	require.Equal(t, other, m8.Owner())
	require.Equal(t, []Rank{5}, a.held.Ranks())

	mustFail(t, "out of order", func() {
		m8.TryLock(a)
	})

	// equal rank is out of order too
	m5b := New(5, "m5b", true, SafepointCheckNever)
	mustFail(t, "out of order", func() {
		m5b.LockWithoutSafepointCheck(a)
	})

	// deliberate out-of-order try is allowed
	m8.Unlock(other)
	require.True(t, m8.TryLockWithoutRankCheck(a))
	m8.Unlock(a)
	m5.Unlock(a)
	require.Equal(t, 0, a.held.Len())
}

func TestRankDecreasing(t *testing.T) {
	a := newThread("A", true)
	m1 := New(MaxNonLeaf, "m1", true, SafepointCheckAlways)
	m2 := New(NonLeaf, "m2", true, SafepointCheckAlways)
	m3 := New(Safepoint, "m3", true, SafepointCheckAlways)
	m4 := New(OopStorage, "m4", true, SafepointCheckNever)
	native := New(Native, "native", true, SafepointCheckAlways)

	m1.Lock(a)
	m2.Lock(a)
	native.Lock(a) // exempt from ordering
	m3.Lock(a)
	m4.LockWithoutSafepointCheck(a)

	want := []Rank{MaxNonLeaf, NonLeaf, Native, Safepoint, OopStorage}
	if have := a.held.Ranks(); !equalRanks(have, want) {
		t.Fatalf("held ranks:\n%s", pretty.Compare(want, have))
	}
	require.Equal(t, 1, a.held.NoSafepointCount())
	require.Equal(t, strings.Join([]string{
		"0: m1 max_nonleaf(940)",
		"1: m2 nonleaf(40)",
		"2: native native(941)",
		"3: m3 safepoint(38)",
		"4: m4 oopstorage(12)",
	}, "\n"), a.held.String())

	// unlock out of acquisition order
	m2.Unlock(a)
	m4.Unlock(a)
	require.Equal(t, 0, a.held.NoSafepointCount())
	m1.Unlock(a)
	m3.Unlock(a)
	native.Unlock(a)
	require.Equal(t, "<none>", a.held.String())
}

func equalRanks(a, b []Rank) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRankSkippedWhenWorldStopped(t *testing.T) {
	vm := newThread("VM", false)
	vm.vm = true
	low := New(Service, "low", true, SafepointCheckNever)
	high := New(NonLeaf, "high", true, SafepointCheckAlways)

	low.LockWithoutSafepointCheck(vm)
	mustFail(t, "out of order", func() { high.LockWithoutSafepointCheck(vm) })

	vm.stopped = true
	high.LockWithoutSafepointCheck(vm)
	high.Unlock(vm)
	low.Unlock(vm)
}

func TestLockDiscipline(t *testing.T) {
	mutator := newThread("mutator", true)
	worker := newThread("worker", false)
	vm := newThread("VM", false)
	vm.vm = true

	never := New(NoSafepoint, "never", true, SafepointCheckNever)
	always := New(NonLeaf, "always", true, SafepointCheckAlways)
	vmOnly := New(NonLeaf+1, "vmonly", false, SafepointCheckAlways)

	mustFail(t, "recursive lock", func() {
		always.Lock(mutator)
		defer always.Unlock(mutator)
		always.Lock(mutator)
	})
	require.Nil(t, always.Owner())

	mustFail(t, "should never have a safepoint check", func() { never.Lock(mutator) })
	mustFail(t, "should always have a safepoint check", func() {
		always.LockWithoutSafepointCheck(mutator)
	})
	always.LockWithoutSafepointCheck(worker)
	always.Unlock(worker)

	// a mutator holding no-safepoint lock must not block for safepoint
	mustFail(t, "possible safepoint reached", func() {
		never.LockWithoutSafepointCheck(mutator)
		defer never.Unlock(mutator)
		always.Lock(mutator)
	})

	mustFail(t, "VM thread could block", func() { vmOnly.Lock(vm) })
	mustFail(t, "VM thread could block", func() { vmOnly.TryLock(vm) })
	vmOnly.Lock(worker)

	mustFail(t, "does not own", func() { vmOnly.Unlock(mutator) })
	mustFail(t, "must be locked by mutator", func() { vmOnly.AssertOwned(mutator) })
	vmOnly.AssertOwned(worker)
	vmOnly.Unlock(worker)
}

func TestLockedHelper(t *testing.T) {
	a := newThread("A", true)
	m := New(NonLeaf, "m", true, SafepointCheckAlways)
	func() {
		defer m.Locked(a)()
		require.True(t, m.OwnedBySelf(a))
	}()
	require.False(t, m.OwnedBySelf(a))
	require.Nil(t, m.Owner())
}

func TestMutualExclusion(t *testing.T) {
	const N = 8
	const niter = 1000

	m := New(NonLeaf, "counter", true, SafepointCheckAlways)
	var inside int32
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		th := newThread(fmt.Sprintf("T%d", i), i%2 == 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < niter; j++ {
				if j%3 == 0 {
					if !m.TryLock(th) {
						continue
					}
				} else {
					m.Lock(th)
				}
				if n := atomic.AddInt32(&inside, 1); n != 1 {
					panic(fmt.Sprintf("%d threads inside critical section", n))
				}
				if m.Owner() != Thread(th) {
					panic("owner mismatch")
				}
				counter++
				atomic.AddInt32(&inside, -1)
				m.Unlock(th)
			}
		}()
	}
	wg.Wait()
	require.True(t, counter > 0 && counter <= N*niter)
	require.Nil(t, m.Owner())
}

// contended mutator blocks safepoint-safe and handles in-flight release.
func TestLockContended(t *testing.T) {
	m := New(NonLeaf, "m", true, SafepointCheckAlways)
	holder := newThread("holder", false)
	b := newThread("B", true)
	b.pending = 1

	m.Lock(holder)
	locked := make(chan struct{})
	go func() {
		m.Lock(b)
		close(locked)
	}()

	for b.blocks() == 0 {
		time.Sleep(time.Millisecond)
	}
	require.False(t, m.TryLock(newThread("C", false)))
	m.Unlock(holder)
	<-locked

	require.Equal(t, Thread(b), m.Owner())
	b.mu.Lock()
	require.Equal(t, 1, b.nrelease)
	b.mu.Unlock()
	m.Unlock(b)

	// worker threads block without BlockInVM
	w := newThread("worker", false)
	m.Lock(holder)
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Unlock(holder)
	}()
	m.Lock(w)
	require.Equal(t, 0, w.blocks())
	m.Unlock(w)
}
