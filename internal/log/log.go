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

// Package log provides leveled logging tied to operational tasks.
//
// Messages go to glog; every message is prefixed by the task stack tracked
// in context (see internal/xcontext/task), which for runtime threads starts
// with the thread name.
package log

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"lab.nexedi.com/kirr/safepoint/internal/xcontext/task"
)

// withTask prepends operational task stack of ctx to argv.
//
// see https://golang.org/issues/21388 for why it is not glog.InfoDepthf.
func withTask(ctx context.Context, argv ...interface{}) []interface{} {
	task := task.Current(ctx).String()
	if task == "" {
		return argv
	}
	if len(argv) != 0 {
		task += ": "
	}
	return append([]interface{}{task}, argv...)
}

// severity is one of glog's *Depth functions.
type severity func(depth int, argv ...interface{})

func (s severity) log(depth int, ctx context.Context, argv []interface{}) {
	s(depth+1, withTask(ctx, argv...)...)
}

func (s severity) logf(depth int, ctx context.Context, format string, argv []interface{}) {
	s(depth+1, withTask(ctx, fmt.Sprintf(format, argv...))...)
}

// Depth logs with call depth adjusted by d frames, so that logging helpers
// report location of their caller.
type Depth int

func (d Depth) Info(ctx context.Context, argv ...interface{})    { severity(glog.InfoDepth).log(int(d)+1, ctx, argv) }
func (d Depth) Warning(ctx context.Context, argv ...interface{}) { severity(glog.WarningDepth).log(int(d)+1, ctx, argv) }
func (d Depth) Error(ctx context.Context, argv ...interface{})   { severity(glog.ErrorDepth).log(int(d)+1, ctx, argv) }
func (d Depth) Fatal(ctx context.Context, argv ...interface{})   { severity(glog.FatalDepth).log(int(d)+1, ctx, argv) }

func (d Depth) Infof(ctx context.Context, format string, argv ...interface{}) {
	severity(glog.InfoDepth).logf(int(d)+1, ctx, format, argv)
}

func (d Depth) Warningf(ctx context.Context, format string, argv ...interface{}) {
	severity(glog.WarningDepth).logf(int(d)+1, ctx, format, argv)
}

func (d Depth) Errorf(ctx context.Context, format string, argv ...interface{}) {
	severity(glog.ErrorDepth).logf(int(d)+1, ctx, format, argv)
}

func (d Depth) Fatalf(ctx context.Context, format string, argv ...interface{}) {
	severity(glog.FatalDepth).logf(int(d)+1, ctx, format, argv)
}

func Info(ctx context.Context, argv ...interface{})    { Depth(1).Info(ctx, argv...) }
func Warning(ctx context.Context, argv ...interface{}) { Depth(1).Warning(ctx, argv...) }
func Error(ctx context.Context, argv ...interface{})   { Depth(1).Error(ctx, argv...) }
func Fatal(ctx context.Context, argv ...interface{})   { Depth(1).Fatal(ctx, argv...) }

func Infof(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Infof(ctx, format, argv...)
}

func Warningf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Warningf(ctx, format, argv...)
}

func Errorf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Errorf(ctx, format, argv...)
}

func Fatalf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Fatalf(ctx, format, argv...)
}

// Verbose is info logging enabled only at some verbosity level; see V.
type Verbose bool

// V returns Verbose that logs if verbosity is at least level.
//
// Task start/finish is logged at V(1). Safepoint-rate events (every
// safepoint, every handshake) are logged at V(2).
func V(level int) Verbose {
	return Verbose(glog.V(glog.Level(level)))
}

func (v Verbose) Info(ctx context.Context, argv ...interface{}) {
	if v {
		Depth(1).Info(ctx, argv...)
	}
}

func (v Verbose) Infof(ctx context.Context, format string, argv ...interface{}) {
	if v {
		Depth(1).Infof(ctx, format, argv...)
	}
}

// Flush flushes pending log output.
func Flush() { glog.Flush() }
