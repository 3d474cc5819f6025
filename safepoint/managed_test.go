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
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/safepoint/trap"
)

var (
	sinkInt int
	zero    int
	nilp    *[4]int
	idx     = 7
	small   = []int{1, 2, 3}
)

// managed methods used by tests

func nullMethod(t *Thread)  { sinkInt = nilp[1] }
func divMethod(t *Thread)   { sinkInt = 1 / zero }
func rangeMethod(t *Thread) { sinkInt = small[idx] }
func okMethod(t *Thread)    { sinkInt++ }

//go:noinline
func customFault() { sinkInt = nilp[3] }

func TestInvoke(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("invoker")
	require.NoError(t, err)
	defer m.Detach(th)

	testv := []struct {
		name string
		fn   func(*Thread)
		kind trap.Disposition
	}{
		{"null", nullMethod, trap.NullCheck},
		{"div", divMethod, trap.DivideByZero},
		{"range", rangeMethod, trap.RangeCheck},
	}

	for _, tt := range testv {
		meth := m.Compile(tt.name, tt.fn)
		err := th.Invoke(meth)
		e, ok := err.(*trap.Exception)
		if !ok {
			t.Errorf("%s: got %v; want exception", tt.name, err)
			continue
		}
		assert.Equal(t, tt.kind, e.Kind, tt.name)
		assert.True(t, strings.HasSuffix(e.Func, "."+tt.name+"Method"), "%s: func %s", tt.name, e.Func)

		// the synthetic stack is unwound
		assert.Equal(t, 0, th.Depth(), tt.name)
	}

	ok := m.Compile("ok", okMethod)
	n := sinkInt
	require.NoError(t, th.Invoke(ok))
	assert.Equal(t, n+1, sinkInt)
	assert.Equal(t, uint64(3), m.Stats().Traps)
}

func TestInvokeNotEntrant(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("invoker")
	require.NoError(t, err)
	defer m.Detach(th)

	meth := m.Compile("zombie", okMethod)
	require.NoError(t, th.Invoke(meth))

	meth.MakeNotEntrant()
	assert.True(t, meth.NotEntrant())
	n := sinkInt
	err = th.Invoke(meth)
	assert.Equal(t, trap.ErrWrongMethod, err)
	assert.Equal(t, n, sinkInt)
}

func TestCallPropagatesPanic(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("caller")
	require.NoError(t, err)
	defer m.Detach(th)

	assert.PanicsWithValue(t, "not a fault", func() {
		th.Call(func() {
			panic("not a fault")
		})
	})
}

// fatalCall runs f on th and returns the report it panicked with.
func fatalCall(t *testing.T, th *Thread, f func()) (rep *trap.Report) {
	t.Helper()
	defer func() {
		r := recover()
		var ok bool
		rep, ok = r.(*trap.Report)
		if !ok {
			t.Fatalf("want panic with *trap.Report; got %#v", r)
		}
	}()
	th.Call(f)
	return nil
}

func TestFatal(t *testing.T) {
	dir := t.TempDir()
	var hooked []*trap.Report
	m := newMech(t, Config{
		ErrorFile: filepath.Join(dir, "err_%p.msgpack"),
		Fatal: func(r *trap.Report) {
			hooked = append(hooked, r)
		},
	})
	th, err := m.Attach("crasher")
	require.NoError(t, err)
	defer m.Detach(th)

	// a fault outside of managed code is a genuine crash
	rep := fatalCall(t, th, func() {
		sinkInt = nilp[2]
	})
	require.Len(t, hooked, 1)
	assert.Equal(t, hooked[0], rep)
	assert.Equal(t, "unrecognized", rep.Disposition)
	assert.Equal(t, "SIGSEGV", rep.Signal)
	assert.Equal(t, "crasher", rep.Thread)
	assert.Equal(t, "managed", rep.State)
	assert.NotEmpty(t, rep.Events)
	assert.Contains(t, rep.Error(), "fatal error: SIGSEGV (unrecognized)")

	saved, err := trap.LoadReport(filepath.Join(dir, "err_"+strconv.Itoa(os.Getpid())+".msgpack"))
	require.NoError(t, err)
	assert.Equal(t, rep.Disposition, saved.Disposition)
	assert.Equal(t, rep.PC, saved.PC)
	assert.Equal(t, rep.Events, saved.Events)

	// reaching a stop marker is fatal as well
	rep = fatalCall(t, th, func() {
		trap.Stop("should not reach here")
	})
	assert.Equal(t, "stop-assertion", rep.Disposition)
	assert.Equal(t, "SIGTRAP", rep.Signal)
	assert.Equal(t, "should not reach here", rep.Message)
	assert.Len(t, hooked, 2)
}

func TestRegisterFaultClassifier(t *testing.T) {
	m := newMech(t, Config{})
	th, err := m.Attach("custom")
	require.NoError(t, err)
	defer m.Detach(th)

	errClassify := errors.New("classify failed")
	m.RegisterFaultClassifier(trap.UnsafeAccess,
		func(ctx *trap.Context, env *trap.Env) bool {
			return strings.HasSuffix(ctx.Func, ".customFault")
		},
		func(ctx *trap.Context) trap.Action {
			assert.Equal(t, th, ctx.Thread)
			return trap.Action{Kind: trap.ActionContinue, Err: errClassify}
		})

	err = th.Call(customFault)
	assert.Equal(t, errClassify, err)
}
