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

// Package task provides handy utilities to define & log tasks.
package task

import (
	"context"
	"fmt"
	"time"

	"lab.nexedi.com/kirr/safepoint/internal/log"
	taskctx "lab.nexedi.com/kirr/safepoint/internal/xcontext/task"
)

// Running pushes new task to operational stack of *ctxp, logs it and
// returns function to adjust error return with task prefix.
//
// use like this:
//
//	defer task.Running(&ctx, "my task")(&err)
//
// Failed tasks are logged as warnings. Start and successful completion,
// with task duration, are logged at V(1).
func Running(ctxp *context.Context, name string) func(*error) {
	return running(ctxp, name)
}

// Runningf is Running cousin with formatting support.
func Runningf(ctxp *context.Context, format string, argv ...interface{}) func(*error) {
	return running(ctxp, fmt.Sprintf(format, argv...))
}

func running(ctxp *context.Context, name string) func(*error) {
	ctx := taskctx.Running(*ctxp, name)
	*ctxp = ctx
	verbose := bool(log.V(1))
	if verbose {
		log.Depth(2).Info(ctx, "start")
	}
	start := time.Now()

	return func(errp *error) {
		switch {
		case *errp != nil:
			log.Depth(1).Warningf(ctx, "## %s (after %s)", *errp, time.Since(start))
		case verbose:
			log.Depth(1).Infof(ctx, "done in %s", time.Since(start))
		}

		// not *ctxp: it could be changed by the time this runs
		taskctx.ErrContext(errp, ctx)
	}
}
