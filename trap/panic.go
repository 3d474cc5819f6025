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
// platform boundary: recovered panics -> fault contexts

import (
	"runtime"
	"strings"
	"syscall"
)

// marker is the panic value of faults that hardware raises on purpose, but
// Go cannot: stop instructions and illegal instructions at method entry.
type marker struct {
	sig syscall.Signal
	pc  uintptr
	msg string
}

func (m *marker) Error() string {
	s := signalName(m.sig) + " marker"
	if m.msg != "" {
		s += ": " + m.msg
	}
	return s
}

// Stop raises stop-assertion fault with detail message msg.
//
// The fault is reported as SIGTRAP with program counter inside the stop stub.
//
//go:noinline
func Stop(msg string) {
	pc, _, _, _ := runtime.Caller(0)
	panic(&marker{sig: syscall.SIGTRAP, pc: pc, msg: msg})
}

// IllegalEntry raises the fault of entering b when its entry was patched with
// an illegal instruction.
//
// The fault is reported as SIGILL with program counter at b's entry.
func IllegalEntry(b *Blob) {
	panic(&marker{sig: syscall.SIGILL, pc: b.Entry})
}

// FromPanic converts recovered panic value r into fault context.
//
// Memory faults (with runtime/debug.SetPanicOnFault enabled for faults at
// non-nil addresses) are reported as SIGSEGV: the Go runtime does not tell
// SIGBUS apart. Integer division by zero is reported as SIGFPE and failed
// bounds checks as SIGTRAP. Markers raised by Stop and IllegalEntry are
// reported as such.
//
// FromPanic must be called from the deferred function that recovered r:
// faulting program counter is taken from the panicking stack. ok=false is
// returned if r is not a fault.
func FromPanic(r interface{}) (ctx Context, ok bool) {
	switch e := r.(type) {
	case *marker:
		ctx = Context{Signal: e.sig, PC: e.pc, Msg: e.msg}
		if f := runtime.FuncForPC(e.pc); f != nil {
			ctx.Func = f.Name()
		}
		return ctx, true

	case runtime.Error:
		msg := e.Error()
		switch {
		case strings.Contains(msg, "integer divide by zero"):
			ctx.Signal = syscall.SIGFPE
		case strings.Contains(msg, "index out of range"),
			strings.Contains(msg, "slice bounds out of range"):
			ctx.Signal = syscall.SIGTRAP
		case strings.Contains(msg, "invalid memory address"),
			strings.Contains(msg, "nil pointer dereference"):
			ctx.Signal = syscall.SIGSEGV
			if a, ok := e.(interface{ Addr() uintptr }); ok {
				ctx.Addr = a.Addr()
			}
		default:
			return Context{}, false
		}
		ctx.Msg = msg
		ctx.PC, ctx.Func = faultingPC()
		return ctx, true
	}
	return Context{}, false
}

// faultingPC returns program counter and function name of the first
// non-runtime frame below runtime.gopanic on current stack.
func faultingPC() (pc uintptr, fname string) {
	pcv := make([]uintptr, 64)
	n := runtime.Callers(2, pcv)
	frames := runtime.CallersFrames(pcv[:n])

	inPanic := false
	for {
		f, more := frames.Next()
		if !inPanic {
			inPanic = f.Function == "runtime.gopanic"
		} else if !strings.HasPrefix(f.Function, "runtime.") {
			return f.PC, f.Function
		}
		if !more {
			return 0, ""
		}
	}
}
