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
// fault classification

import (
	"sync"
	"sync/atomic"
	"syscall"
)

// Range is half-open address range [Lo, Hi).
type Range struct {
	Lo, Hi uintptr
}

// Contains reports whether addr is in r.
func (r Range) Contains(addr uintptr) bool {
	return r.Lo <= addr && addr < r.Hi
}

// Env is what classification needs to know about the process.
type Env struct {
	PollPage  Range    // armed poll page; empty if page polling is not used
	NullLimit uintptr  // faults at addresses below are implicit null checks
	Code      *CodeMap // code map; nil means builtin stubs only
}

// DefaultNullLimit is the size of the protected region at address 0.
const DefaultNullLimit = 4096

// Rule maps faults matching Match to Disposition.
type Rule struct {
	Disposition Disposition
	Match       func(ctx *Context, env *Env) bool
}

// Classifier classifies faults by ordered rules; the first matching rule wins.
type Classifier struct {
	Env Env

	mu    sync.Mutex // serializes Register
	rules atomic.Pointer[[]Rule]
}

// NewClassifier returns classifier with builtin rules.
func NewClassifier(env Env) *Classifier {
	c := &Classifier{Env: env}
	rules := append([]Rule(nil), builtinRules...)
	c.rules.Store(&rules)
	return c
}

// Register appends a rule recognizing additional fault pattern.
//
// Rules registered later are consulted after builtin rules.
func (c *Classifier) Register(d Disposition, match func(ctx *Context, env *Env) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rules := append([]Rule(nil), *c.rules.Load()...)
	rules = append(rules, Rule{d, match})
	c.rules.Store(&rules)
}

// Classify returns disposition of fault described by ctx.
//
// It does not allocate or take locks, and for the same context and
// environment it always returns the same disposition.
func (c *Classifier) Classify(ctx *Context) Disposition {
	for _, r := range *c.rules.Load() {
		if r.Match(ctx, &c.Env) {
			return r.Disposition
		}
	}
	return Unrecognized
}

var builtinRules = []Rule{
	{PollTrap, isPollTrap},
	{UnsafeAccess, isUnsafeAccess},
	{NullCheck, isNullCheck},
	{DivideByZero, isDivideByZero},
	{ZombieMethod, isZombieMethod},
	{StopAssertion, isStopAssertion},
	{RangeCheck, isRangeCheck},
}

func isMemFault(sig syscall.Signal) bool {
	return sig == syscall.SIGSEGV || sig == syscall.SIGBUS
}

func blobAt(ctx *Context, env *Env) *Blob {
	return env.Code.Lookup(ctx.PC)
}

func inManaged(ctx *Context, env *Env) bool {
	b := blobAt(ctx, env)
	return b != nil && b.Kind == BlobManaged
}

func isPollTrap(ctx *Context, env *Env) bool {
	if !isMemFault(ctx.Signal) || !env.PollPage.Contains(ctx.Addr) {
		return false
	}
	b := blobAt(ctx, env)
	return b != nil && (b.Kind == BlobPollStub || b.Kind == BlobManaged)
}

func isUnsafeAccess(ctx *Context, env *Env) bool {
	if !isMemFault(ctx.Signal) {
		return false
	}
	b := blobAt(ctx, env)
	return b != nil && b.Kind == BlobUnsafeAccess
}

func isNullCheck(ctx *Context, env *Env) bool {
	return ctx.Signal == syscall.SIGSEGV && ctx.Addr < env.NullLimit && inManaged(ctx, env)
}

func isDivideByZero(ctx *Context, env *Env) bool {
	return ctx.Signal == syscall.SIGFPE && inManaged(ctx, env)
}

func isZombieMethod(ctx *Context, env *Env) bool {
	if ctx.Signal != syscall.SIGILL {
		return false
	}
	b := blobAt(ctx, env)
	return b != nil && b.Kind == BlobManaged && b.NotEntrant() && ctx.PC == b.Entry
}

func isStopAssertion(ctx *Context, env *Env) bool {
	if !(ctx.Signal == syscall.SIGTRAP || ctx.Signal == syscall.SIGILL) {
		return false
	}
	b := blobAt(ctx, env)
	return b != nil && b.Kind == BlobStub
}

func isRangeCheck(ctx *Context, env *Env) bool {
	return ctx.Signal == syscall.SIGTRAP && inManaged(ctx, env)
}
