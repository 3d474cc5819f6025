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


/*
Package tracing provides runtime support for trace events.

A package defines events of interest as trace functions. By default a trace
function does nothing and costs one atomic load. It is possible to attach
probing functions to events: a probe, once attached, is called whenever the
event is signalled, in the context which triggered the event, and pauses
original code execution until the probe is finished. Several probes may be
attached to the same event and dynamically detached/(re-)attached at
runtime. Attaching/detaching probes must be done under tracing.Lock.

An event is defined with a probe list and three functions, for example:

	type _t_traceSafepointBegin struct {
		tracing.Probe
		probefunc func(id uint64, reason string)
	}

	var _traceSafepointBegin tracing.List

	func traceSafepointBegin(id uint64, reason string) {
		if !_traceSafepointBegin.Empty() {
			_traceSafepointBegin_run(id, reason)
		}
	}

	func _traceSafepointBegin_run(id uint64, reason string) {
		for p := _traceSafepointBegin.First(); p != nil; p = p.Next() {
			(*_t_traceSafepointBegin)(unsafe.Pointer(p)).probefunc(id, reason)
		}
	}

	func traceSafepointBegin_Attach(pg *tracing.ProbeGroup, probe func(id uint64, reason string)) *tracing.Probe {
		p := _t_traceSafepointBegin{probefunc: probe}
		tracing.AttachProbe(pg, &_traceSafepointBegin, &p.Probe)
		return &p.Probe
	}

For convenience it is possible to keep group of attached probes and detach them
all at once using ProbeGroup:

	pg := &tracing.ProbeGroup{}

	tracing.Lock()
	traceSafepointBegin_Attach(pg, func(id uint64, reason string) { ... })
	traceSafepointEnd_Attach(pg, func(id uint64) { ... })
	tracing.Unlock()

	// some activity

	// when probes needs to be detached (no explicit tracing.Lock needed):
	pg.Done()


Synchronous tracing

For testing purposes it is sometimes practical to leverage the property that
probes pause original code execution until the probe run is finished. That
means while the probe is running original goroutine

- is paused at well-defined point (where trace function is called), thus
- it cannot mutate any state it is programmed to mutate.

Using this properties it is possible to attach testing probes and verify that
a set of goroutines in tested code in question

- produce events in correct order, and
- at every event associated internal state is correct.

Probe lists are updated with atomic stores, so that readers never take locks
and Lock does not need to stop the world.
*/
package tracing

import (
	"sync"
	"sync/atomic"
)

// big tracing lock
var traceMu     sync.Mutex
var traceLocked int32      // for cheap protective checks whether Lock is held

// Lock serializes modification access to tracepoints.
//
// Under Lock it is safe to attach/detach probes to/from tracepoints:
// - no other goroutine is attaching or detaching probes from tracepoints,
// - a tracepoint readers won't be neither confused nor raced by such adjustments.
func Lock() {
	traceMu.Lock()
	atomic.StoreInt32(&traceLocked, 1)
}

// Unlock is the opposite to Lock.
func Unlock() {
	atomic.StoreInt32(&traceLocked, 0)
	traceMu.Unlock()
}

// verifyLocked makes sure tracing is locked and panics otherwise
func verifyLocked() {
	if atomic.LoadInt32(&traceLocked) == 0 {
		panic("tracing must be locked")
	}
}

// verifyUnlocked makes sure tracing is not locked and panics otherwise
func verifyUnlocked() {
	if atomic.LoadInt32(&traceLocked) != 0 {
		panic("tracing must be unlocked")
	}
}


// List is list of probes attached to one tracepoint.
//
// Zero value is empty list.
type List struct {
	head atomic.Pointer[Probe]
}

// Empty reports whether no probe is attached.
func (l *List) Empty() bool {
	return l.head.Load() == nil
}

// First returns first attached probe, or nil.
func (l *List) First() *Probe {
	return l.head.Load()
}

// Probe describes one probe attached to a tracepoint
type Probe struct {
	// NOTE Probe must come first in event-specific probe types, which are
	// accessed from *Probe via unsafe.Pointer conversion.
	next atomic.Pointer[Probe]
	prev *Probe // under traceMu
	list *List  // list probe is attached to; nil if detached

	// implicitly:
	// probefunc  func(some arguments)
}

// Next returns next probe attached to the same tracepoint.
//
// It is safe to iterate Next under any conditions.
func (p *Probe) Next() *Probe {
	return p.next.Load()
}

// AttachProbe attaches newly created Probe to the end of a probe list.
//
// If group is non-nil the probe is also added to the group.
// Must be called under Lock.
// Probe must be newly created or detached.
func AttachProbe(pg *ProbeGroup, list *List, probe *Probe) {
	verifyLocked()

	if probe.list != nil {
		panic("attach probe: probe is already attached")
	}

	var last *Probe
	for p := list.First(); p != nil; p = p.Next() {
		last = p
	}

	probe.list = list
	probe.prev = last
	probe.next.Store(nil)
	if last == nil {
		list.head.Store(probe)
	} else {
		last.next.Store(probe)
	}

	if pg != nil {
		pg.Add(probe)
	}
}

// Detach detaches probe from a tracepoint.
//
// Must be called under Lock.
func (p *Probe) Detach() {
	verifyLocked()

	// protection: already detached
	if p.list == nil {
		return
	}

	// we can safely change prev.next pointer:
	// - either a reader already read prev.next, and will proceed with our probe entry, or
	// - it will read updated prev.next and will proceed with p.next probe entry
	next := p.Next()
	if p.prev == nil {
		p.list.head.Store(next)
	} else {
		p.prev.next.Store(next)
	}

	// we can safely change next.prev pointer:
	// - readers only go through list forward
	// - there is no other updater because we are under Lock
	if next != nil {
		next.prev = p.prev
	}

	// p.next is kept so that readers currently at p can continue. Mark us
	// detached so that if Detach is erroneously called the second time it
	// does not do harm.
	p.prev = nil
	p.list = nil
}

// ProbeGroup is a group of probes attached to tracepoints.
type ProbeGroup struct {
	probev []*Probe
}

// Add adds a probe to the group.
//
// Must be called under Lock.
func (pg *ProbeGroup) Add(p *Probe) {
	verifyLocked()
	pg.probev = append(pg.probev, p)
}

// Done detaches all probes registered to the group.
//
// Must be called under normal conditions, not under Lock.
func (pg *ProbeGroup) Done() {
	verifyUnlocked()
	Lock()
	defer Unlock()

	for _, p := range pg.probev {
		p.Detach()
	}
	pg.probev = nil
}
