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
// stress: run mutators under periodic safepoints and handshakes

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/kirr/safepoint/internal/log"
	"lab.nexedi.com/kirr/safepoint/internal/xsync"
	"lab.nexedi.com/kirr/safepoint/safepoint"
)

const stressSummary = "run mutators under periodic safepoints and handshakes"

func stressUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: spvm stress [options]
Run mutator threads in poll loops while the VM thread periodically brings
them to safepoint and handshakes with them. Statistics are printed at the end.

See "spvm help flags" for safepoint configuration flags.

`)
}

func stressMain(argv []string) {
	var cfg safepoint.Config
	flags := newFlags(stressUsage, os.Stderr, &cfg)
	n := flags.Int("n", 4, "number of mutator threads")
	duration := flags.Duration("duration", 5*time.Second, "how long to run")
	interval := flags.Duration("interval", 10*time.Millisecond, "interval between safepoints")
	hsEvery := flags.Int("handshake-every", 4, "do handshake instead of every so many safepoints (0 = never)")
	nativeEvery := flags.Int("native-every", 100, "go to native every so many iterations (0 = never)")
	flags.Parse(argv[1:])

	if flags.NArg() != 0 {
		flags.Usage()
		prog.Exit(2)
	}

	m, err := safepoint.New(cfg)
	if err != nil {
		prog.Fatal(err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	err = stress(ctx, m, *n, *interval, *hsEvery, *nativeEvery)
	if err != nil {
		prog.Fatal(err)
	}

	printStats(os.Stdout, m.Stats(), *n)
}

// stress runs n mutators and drives safepoints and handshakes every interval
// until ctx is done.
func stress(ctx context.Context, m *safepoint.Mechanism, n int, interval time.Duration, hsEvery, nativeEvery int) error {
	wg, ctx := xsync.WorkGroupCtx(ctx)
	err := mutators(ctx, wg, m, n, nativeEvery)
	if err != nil {
		return err
	}

	wg.Go(func() error {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for i := 1; ; i++ {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
			}

			if hsEvery > 0 && i%hsEvery == 0 {
				_, err := m.HandshakeAll(ctx, "stress", func(*safepoint.Thread) {})
				if err != nil && ctx.Err() == nil {
					return err
				}
				continue
			}

			st, err := m.Safepoint(ctx, "stress", nil)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.V(2).Info(ctx, st)
		}
	})

	return wg.Wait()
}

func printStats(w io.Writer, s safepoint.Stats, n int) {
	avg := func(total time.Duration, k uint64) time.Duration {
		if k == 0 {
			return 0
		}
		return total / time.Duration(k)
	}

	fmt.Fprintf(w, "mutators:\t%d\n", n)
	fmt.Fprintf(w, "safepoints:\t%d (aborted %d, timeouts %d)\n", s.Safepoints, s.Aborted, s.Timeouts)
	fmt.Fprintf(w, "sync:\t\tavg %s max %s\n", avg(s.SyncTotal, s.Safepoints), s.SyncMax)
	fmt.Fprintf(w, "op:\t\tavg %s\n", avg(s.OpTotal, s.Safepoints))
	fmt.Fprintf(w, "handshakes:\t%d (ops %d, by handshaker %d)\n", s.Handshakes, s.HandshakeOps, s.ByHandshaker)
	fmt.Fprintf(w, "traps:\t\t%d\n", s.Traps)
}
