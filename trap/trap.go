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
Package trap classifies synchronous faults raised by managed code and
dispatches them to handlers.

A fault is described by Context: signal, faulting program counter and
faulting memory address. Classification is a pure function of the context,
the environment (poll page location, null-check limit and the code map
telling which program counters belong to managed code and to runtime stubs)
and the ordered rule list:

	signal             pattern                                disposition
	SIGSEGV/SIGBUS     addr in armed poll page, pc in code    PollTrap
	SIGSEGV/SIGBUS     pc in unsafe-access stub                UnsafeAccess
	SIGSEGV            addr < null limit, pc in managed code   NullCheck
	SIGFPE             pc in managed code                      DivideByZero
	SIGILL             pc at entry of not-entrant method       ZombieMethod
	SIGTRAP/SIGILL     pc in stop stub                         StopAssertion
	SIGTRAP            pc in managed code                      RangeCheck
	anything else                                             Unrecognized

Dispatching goes through a lookup table from disposition to Handler, so
classification and action stay separate.

Go does not let a program install handlers that rewrite the saved program
counter of a faulting thread. Instead the Go runtime turns faults into
panics when runtime/debug.SetPanicOnFault is enabled: FromPanic is the
platform boundary that converts such a recovered panic into Context, and
resuming at a stub is expressed as returning from the recovering frame.
Faults that hardware raises on purpose but Go cannot (stop instruction,
illegal instruction patched at method entry) are raised by Stop and
IllegalEntry.
*/
package trap

import (
	"fmt"
	"syscall"
)

// Disposition is the outcome of fault classification.
type Disposition int

const (
	Unrecognized  Disposition = iota // genuine fault: fatal
	PollTrap                         // safepoint/handshake poll hit armed poll page
	NullCheck                        // implicit null check in managed code
	DivideByZero                     // implicit divide-by-zero check in managed code
	ZombieMethod                     // call into not-entrant method
	RangeCheck                       // implicit range check in managed code
	StopAssertion                    // stop marker reached
	UnsafeAccess                     // fault inside unsafe-access region; recoverable

	nDisposition
)

var dispositionNames = [...]string{
	Unrecognized:  "unrecognized",
	PollTrap:      "poll-trap",
	NullCheck:     "null-check",
	DivideByZero:  "divide-by-zero",
	ZombieMethod:  "zombie-method",
	RangeCheck:    "range-check",
	StopAssertion: "stop-assertion",
	UnsafeAccess:  "unsafe-access",
}

func (d Disposition) String() string {
	if 0 <= d && d < nDisposition {
		return dispositionNames[d]
	}
	return fmt.Sprintf("Disposition(%d)", int(d))
}

// Thread is the faulting thread as seen by handlers.
type Thread interface {
	Name() string
}

// Context describes one fault.
type Context struct {
	Signal syscall.Signal
	PC     uintptr // faulting program counter
	Addr   uintptr // faulting memory address, if any
	Func   string  // name of function containing PC, if known
	Msg    string  // detail message (stop assertions)

	Thread Thread // faulting thread, if known
}

func (c *Context) String() string {
	s := fmt.Sprintf("%s pc=%#x", signalName(c.Signal), c.PC)
	if c.Func != "" {
		s += " (" + c.Func + ")"
	}
	s += fmt.Sprintf(" addr=%#x", c.Addr)
	if c.Msg != "" {
		s += ": " + c.Msg
	}
	return s
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGBUS:
		return "SIGBUS"
	case syscall.SIGFPE:
		return "SIGFPE"
	case syscall.SIGILL:
		return "SIGILL"
	case syscall.SIGTRAP:
		return "SIGTRAP"
	}
	return fmt.Sprintf("signal %d", int(sig))
}
