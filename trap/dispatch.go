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

package trap
// dispatching classified faults to handlers

import (
	"errors"
	"fmt"
)

// ActionKind tells how execution continues after a fault was handled.
type ActionKind int

const (
	// ActionFatal: the fault cannot be handled; the process must report and terminate.
	ActionFatal ActionKind = iota

	// ActionResume: resume right after the faulting instruction.
	ActionResume

	// ActionException: continue in a stub that raises Action.Err in managed code.
	ActionException

	// ActionContinue: resume at the continuation of an unsafe-access region
	// with Action.Err.
	ActionContinue
)

func (k ActionKind) String() string {
	switch k {
	case ActionFatal:
		return "fatal"
	case ActionResume:
		return "resume"
	case ActionException:
		return "exception"
	case ActionContinue:
		return "continue"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is the decision of a Handler.
type Action struct {
	Kind ActionKind
	Err  error
}

// Handler handles one class of faults.
type Handler func(ctx *Context) Action

var (
	// ErrWrongMethod is raised when entering a not-entrant method; the
	// caller has to re-resolve the call target.
	ErrWrongMethod = errors.New("call into not-entrant method")

	// ErrUnsafeAccess is returned when memory disappeared under an
	// unsafe access (e.g. mapped file was truncated).
	ErrUnsafeAccess = errors.New("fault during unsafe memory access")
)

// Exception is the managed-level error into which an implicit check is
// turned: null check, divide by zero or range check.
type Exception struct {
	Kind Disposition
	PC   uintptr
	Addr uintptr
	Func string
}

func (e *Exception) Error() string {
	switch e.Kind {
	case NullCheck:
		return fmt.Sprintf("null pointer exception in %s (addr %#x)", e.Func, e.Addr)
	case DivideByZero:
		return fmt.Sprintf("arithmetic exception: / by zero in %s", e.Func)
	case RangeCheck:
		return fmt.Sprintf("index out of bounds in %s", e.Func)
	}
	return fmt.Sprintf("%s exception in %s", e.Kind, e.Func)
}

// Dispatcher maps dispositions to handlers.
type Dispatcher struct {
	table [nDisposition]Handler
}

// NewDispatcher returns dispatcher with default handlers:
//
//	NullCheck, DivideByZero, RangeCheck -> ActionException with *Exception
//	ZombieMethod                        -> ActionException with ErrWrongMethod
//	UnsafeAccess                        -> ActionContinue with ErrUnsafeAccess
//	PollTrap, StopAssertion, Unrecognized -> ActionFatal
//
// PollTrap has to be handled by the safepoint layer which installs its
// handler with Handle.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	for i := range d.table {
		d.table[i] = fatal
	}
	d.table[NullCheck] = raise(NullCheck)
	d.table[DivideByZero] = raise(DivideByZero)
	d.table[RangeCheck] = raise(RangeCheck)
	d.table[ZombieMethod] = func(*Context) Action {
		return Action{Kind: ActionException, Err: ErrWrongMethod}
	}
	d.table[UnsafeAccess] = func(*Context) Action {
		return Action{Kind: ActionContinue, Err: ErrUnsafeAccess}
	}
	return d
}

// Handle installs handler h for disposition disp.
//
// Handlers must be installed before faults are dispatched.
func (d *Dispatcher) Handle(disp Disposition, h Handler) {
	if !(0 <= disp && disp < nDisposition) {
		panic(fmt.Sprintf("trap: handle: invalid disposition %d", int(disp)))
	}
	if disp == Unrecognized {
		panic("trap: handle: unrecognized faults are always fatal")
	}
	d.table[disp] = h
}

// Dispatch runs handler for disposition disp.
func (d *Dispatcher) Dispatch(disp Disposition, ctx *Context) Action {
	if !(0 <= disp && disp < nDisposition) {
		disp = Unrecognized
	}
	return d.table[disp](ctx)
}

func fatal(*Context) Action {
	return Action{Kind: ActionFatal}
}

// raise returns handler turning a fault into managed exception of given kind.
func raise(kind Disposition) Handler {
	return func(ctx *Context) Action {
		return Action{Kind: ActionException, Err: &Exception{Kind: kind, PC: ctx.PC, Addr: ctx.Addr, Func: ctx.Func}}
	}
}
