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


// Package xsync complements standard package sync.
package xsync

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/exc"
)

// WorkGroup is like x/sync/errgroup.Group but also supports exceptions and
// tracks how many of its goroutines are still running.
//
// Zero value is ready to use.
type WorkGroup struct {
	once    sync.Once
	group   *errgroup.Group
	running int32
}

func (g *WorkGroup) grp() *errgroup.Group {
	g.once.Do(func() {
		if g.group == nil {
			g.group = &errgroup.Group{}
		}
	})
	return g.group
}

// Go calls the given function in a new goroutine.
//
// see errgroup.Group.Go documentation for details on how error from spawned
// goroutines are handled group-wise.
func (g *WorkGroup) Go(f func() error) {
	atomic.AddInt32(&g.running, +1)
	g.grp().Go(func() error {
		defer atomic.AddInt32(&g.running, -1)
		return f()
	})
}

// Gox calls the given function in a new goroutine and handles exceptions
//
// it translates exception raised, if any, to as if it was regular error
// returned for a function under Go call.
func (g *WorkGroup) Gox(xf func()) {
	g.Go(func() error {
		return exc.Runx(xf)
	})
}

// Wait waits for all spawned goroutines and returns the first error, if any.
func (g *WorkGroup) Wait() error {
	return g.grp().Wait()
}

// Running returns number of group goroutines that did not finish yet.
func (g *WorkGroup) Running() int {
	return int(atomic.LoadInt32(&g.running))
}

// WorkGroupCtx returns new WorkGroup and associated context derived from ctx
// see errgroup.WithContext for semantic description and details.
func WorkGroupCtx(ctx context.Context) (*WorkGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &WorkGroup{group: g}, ctx
}
