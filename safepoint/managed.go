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
// managed code and the trap path

import (
	"bytes"
	"os"
	"runtime/debug"

	"lab.nexedi.com/kirr/safepoint/internal/log"
	"lab.nexedi.com/kirr/safepoint/trap"
)

// Method is a compiled managed method.
type Method struct {
	blob *trap.Blob
	fn   func(t *Thread)
}

// Compile registers fn as managed method.
//
// Faults raised directly by fn are classified as faults of managed code.
// fn must be a top-level function, or a distinct function literal: the code
// map identifies methods by function entry.
func (m *Mechanism) Compile(name string, fn func(t *Thread)) *Method {
	return &Method{blob: m.code.Register(name, trap.BlobManaged, fn), fn: fn}
}

// Name returns method name.
func (meth *Method) Name() string { return meth.blob.Name }

// MakeNotEntrant patches method entry so that further calls fault as call
// into zombie method.
func (meth *Method) MakeNotEntrant() { meth.blob.MakeNotEntrant() }

// NotEntrant reports whether method was made not entrant.
func (meth *Method) NotEntrant() bool { return meth.blob.NotEntrant() }

// Invoke calls managed method meth on t.
//
// Implicit checks failed by meth are returned as *trap.Exception, and
// calling a not entrant method returns trap.ErrWrongMethod.
func (t *Thread) Invoke(meth *Method) error {
	return t.Call(func() {
		if meth.NotEntrant() {
			trap.IllegalEntry(meth.blob)
		}
		t.Enter()
		meth.fn(t)
		t.Leave()
	})
}

// Call runs f on t with faults resolved by the trap path.
//
// Faults classified as exceptions are returned as error, and the synthetic
// stack is unwound to where it was on entry. Unrecognized faults are fatal.
// Panics that are not faults are propagated.
func (t *Thread) Call(f func()) (err error) {
	sp := t.sp.Load()
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		t.sp.Store(sp)
		err = t.mech.handleTrap(t, r)
	}()

	f()
	return nil
}

// RegisterFaultClassifier adds classification rule and handler for an
// additional fault pattern.
//
// It must be called before the faults of that pattern can occur.
func (m *Mechanism) RegisterFaultClassifier(d trap.Disposition, match func(ctx *trap.Context, env *trap.Env) bool, h trap.Handler) {
	m.classifier.Register(d, match)
	if h != nil {
		m.dispatcher.Handle(d, h)
	}
}

// handleTrap resolves recovered panic r that happened on t.
//
// It must be called from the deferred function that recovered r. Panics
// that are not faults are re-raised.
func (m *Mechanism) handleTrap(t *Thread, r interface{}) error {
	ctx, ok := trap.FromPanic(r)
	if !ok {
		panic(r)
	}
	ctx.Thread = t

	d := m.classifier.Classify(&ctx)
	m.ntraps.Add(1)
	traceTrap(t, &ctx, d)

	action := m.dispatcher.Dispatch(d, &ctx)
	switch action.Kind {
	case trap.ActionResume:
		return nil
	case trap.ActionException, trap.ActionContinue:
		return action.Err
	}

	rep := trap.NewReport(&ctx, d)
	rep.State = t.State().String()
	rep.HeldLocks = t.LockNames()
	m.fatal(rep)
	panic(rep)
}

// onPollTrap handles armed page-mode poll.
func (m *Mechanism) onPollTrap(ctx *trap.Context) trap.Action {
	t, ok := ctx.Thread.(*Thread)
	if !ok || t.mech != m {
		return trap.Action{Kind: trap.ActionFatal}
	}
	t.process(true)
	return trap.Action{Kind: trap.ActionResume}
}

// fatal reports fatal error r.
//
// Without Config.Fatal hook the process is terminated.
func (m *Mechanism) fatal(r *trap.Report) {
	r.Events = m.events.Strings()

	if path := m.cfg.errorFile(); path != "" {
		err := r.Save(path)
		if err != nil {
			log.Error(m.ctx, err)
		} else {
			log.Errorf(m.ctx, "error report saved to %s", path)
		}
	}

	if m.cfg.Fatal != nil {
		m.cfg.Fatal(r)
		return
	}

	var b bytes.Buffer
	r.WriteTo(&b)
	os.Stderr.Write(b.Bytes())
	log.Fatal(m.ctx, r)
}
