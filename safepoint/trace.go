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
// tracepoints

import (
	"time"
	"unsafe"

	"lab.nexedi.com/kirr/safepoint/internal/tracing"
	"lab.nexedi.com/kirr/safepoint/trap"
)

//trace:event traceSafepointBegin(id uint64, reason string)
//trace:event traceSafepointSync(id uint64, sync time.Duration)
//trace:event traceSafepointEnd(id uint64)
//trace:event traceThreadBlock(t *Thread, id uint64)
//trace:event traceHandshake(t *Thread, name string, bySelf bool)
//trace:event traceTrap(t *Thread, ctx *trap.Context, d trap.Disposition)

// expansion of the events above; see package tracing for the pattern.

// traceevent: traceSafepointBegin(id uint64, reason string)

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

// traceevent: traceSafepointSync(id uint64, sync time.Duration)

type _t_traceSafepointSync struct {
	tracing.Probe
	probefunc func(id uint64, sync time.Duration)
}

var _traceSafepointSync tracing.List

func traceSafepointSync(id uint64, sync time.Duration) {
	if !_traceSafepointSync.Empty() {
		_traceSafepointSync_run(id, sync)
	}
}

func _traceSafepointSync_run(id uint64, sync time.Duration) {
	for p := _traceSafepointSync.First(); p != nil; p = p.Next() {
		(*_t_traceSafepointSync)(unsafe.Pointer(p)).probefunc(id, sync)
	}
}

func traceSafepointSync_Attach(pg *tracing.ProbeGroup, probe func(id uint64, sync time.Duration)) *tracing.Probe {
	p := _t_traceSafepointSync{probefunc: probe}
	tracing.AttachProbe(pg, &_traceSafepointSync, &p.Probe)
	return &p.Probe
}

// traceevent: traceSafepointEnd(id uint64)

type _t_traceSafepointEnd struct {
	tracing.Probe
	probefunc func(id uint64)
}

var _traceSafepointEnd tracing.List

func traceSafepointEnd(id uint64) {
	if !_traceSafepointEnd.Empty() {
		_traceSafepointEnd_run(id)
	}
}

func _traceSafepointEnd_run(id uint64) {
	for p := _traceSafepointEnd.First(); p != nil; p = p.Next() {
		(*_t_traceSafepointEnd)(unsafe.Pointer(p)).probefunc(id)
	}
}

func traceSafepointEnd_Attach(pg *tracing.ProbeGroup, probe func(id uint64)) *tracing.Probe {
	p := _t_traceSafepointEnd{probefunc: probe}
	tracing.AttachProbe(pg, &_traceSafepointEnd, &p.Probe)
	return &p.Probe
}

// traceevent: traceThreadBlock(t *Thread, id uint64)

type _t_traceThreadBlock struct {
	tracing.Probe
	probefunc func(t *Thread, id uint64)
}

var _traceThreadBlock tracing.List

func traceThreadBlock(t *Thread, id uint64) {
	if !_traceThreadBlock.Empty() {
		_traceThreadBlock_run(t, id)
	}
}

func _traceThreadBlock_run(t *Thread, id uint64) {
	for p := _traceThreadBlock.First(); p != nil; p = p.Next() {
		(*_t_traceThreadBlock)(unsafe.Pointer(p)).probefunc(t, id)
	}
}

func traceThreadBlock_Attach(pg *tracing.ProbeGroup, probe func(t *Thread, id uint64)) *tracing.Probe {
	p := _t_traceThreadBlock{probefunc: probe}
	tracing.AttachProbe(pg, &_traceThreadBlock, &p.Probe)
	return &p.Probe
}

// traceevent: traceHandshake(t *Thread, name string, bySelf bool)

type _t_traceHandshake struct {
	tracing.Probe
	probefunc func(t *Thread, name string, bySelf bool)
}

var _traceHandshake tracing.List

func traceHandshake(t *Thread, name string, bySelf bool) {
	if !_traceHandshake.Empty() {
		_traceHandshake_run(t, name, bySelf)
	}
}

func _traceHandshake_run(t *Thread, name string, bySelf bool) {
	for p := _traceHandshake.First(); p != nil; p = p.Next() {
		(*_t_traceHandshake)(unsafe.Pointer(p)).probefunc(t, name, bySelf)
	}
}

func traceHandshake_Attach(pg *tracing.ProbeGroup, probe func(t *Thread, name string, bySelf bool)) *tracing.Probe {
	p := _t_traceHandshake{probefunc: probe}
	tracing.AttachProbe(pg, &_traceHandshake, &p.Probe)
	return &p.Probe
}

// traceevent: traceTrap(t *Thread, ctx *trap.Context, d trap.Disposition)

type _t_traceTrap struct {
	tracing.Probe
	probefunc func(t *Thread, ctx *trap.Context, d trap.Disposition)
}

var _traceTrap tracing.List

func traceTrap(t *Thread, ctx *trap.Context, d trap.Disposition) {
	if !_traceTrap.Empty() {
		_traceTrap_run(t, ctx, d)
	}
}

func _traceTrap_run(t *Thread, ctx *trap.Context, d trap.Disposition) {
	for p := _traceTrap.First(); p != nil; p = p.Next() {
		(*_t_traceTrap)(unsafe.Pointer(p)).probefunc(t, ctx, d)
	}
}

func traceTrap_Attach(pg *tracing.ProbeGroup, probe func(t *Thread, ctx *trap.Context, d trap.Disposition)) *tracing.Probe {
	p := _t_traceTrap{probefunc: probe}
	tracing.AttachProbe(pg, &_traceTrap, &p.Probe)
	return &p.Probe
}
