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

package main
// code shared by commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"lab.nexedi.com/kirr/go123/exc"

	"lab.nexedi.com/kirr/safepoint/internal/log"
	"lab.nexedi.com/kirr/safepoint/internal/xsync"
	"lab.nexedi.com/kirr/safepoint/safepoint"
)

const helpFlags =
`Every command accepts the following flags to configure safepoint coordination:

  -pollmode word|page
	how poll sites test for pending operations. "word" compares
	thread-local poll word; "page" reads the poll page which is made
	unreadable when operations are pending.

  -guaranteed-safepoint-interval <ms>
	force cleanup safepoint if there was none for that long.

  -safepoint-timeout-delay <ms>
	report threads that did not reach safepoint after that long.

  -abort-on-safepoint-timeout
	turn safepoint timeout into fatal error.

  -error-file <path>
	save fatal error reports to path; %p is replaced with process id.
`

// newFlags returns flagset for a command with safepoint configuration
// flags bound to cfg.
func newFlags(usage func(io.Writer), w io.Writer, cfg *safepoint.Config) *flag.FlagSet {
	flags := flag.NewFlagSet("", flag.ExitOnError)
	flags.Usage = func() { usage(w); flags.PrintDefaults() }
	cfg.Flags(flags)
	return flags
}

// work is the managed method run by mutators: a loop with back-edge polls.
func work(t *safepoint.Thread) {
	x := uint32(1)
	for i := 0; i < 1000; i++ {
		x = x*1664525 + 1013904223
		t.PollBackedge()
	}
	runtime.KeepAlive(x)
}

// mutators runs n mutator threads until ctx is canceled.
//
// Every mutator repeatedly invokes work and, every nativeEvery iterations,
// spends a bit of time in native code. nativeEvery=0 disables that.
func mutators(ctx context.Context, wg *xsync.WorkGroup, m *safepoint.Mechanism, n, nativeEvery int) error {
	meth := m.Compile("work", work)
	for i := 0; i < n; i++ {
		t, err := m.Attach(fmt.Sprintf("mutator-%d", i))
		if err != nil {
			return err
		}
		wg.Gox(func() {
			defer m.Detach(t)
			t.Enter()
			defer t.Leave()
			for iter := 1; ctx.Err() == nil; iter++ {
				err := t.Invoke(meth)
				if err != nil {
					exc.Raisef("%s: %s", t, err)
				}
				if nativeEvery > 0 && iter%nativeEvery == 0 {
					t.InNative(func() { time.Sleep(time.Millisecond) })
				}
				t.PollBackedge()
			}
			log.V(1).Infof(ctx, "%s: done", t)
		})
	}
	return nil
}
