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
// serve: run mutators with diagnostic server attached

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/kirr/safepoint/diag"
	"lab.nexedi.com/kirr/safepoint/internal/log"
	"lab.nexedi.com/kirr/safepoint/internal/xsync"
	"lab.nexedi.com/kirr/safepoint/safepoint"
)

const serveSummary = "run mutators and serve diagnostics"

func serveUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: spvm serve [options]
Run mutator threads and serve safepoint diagnostics until interrupted.

The diagnostic port serves both HTTP (/debug/safepoint, /debug/safepoint/threads,
/debug/pprof/) and a line protocol with commands dump, safepoint, stats and quit.

Thread dump is also printed to stderr on SIGQUIT, and when file
%s is created in the working directory.

See "spvm help flags" for safepoint configuration flags.

`, diag.AttachTrigger())
}

func serveMain(argv []string) {
	var cfg safepoint.Config
	flags := newFlags(serveUsage, os.Stderr, &cfg)
	bind := flags.String("bind", "localhost:0", "address to serve diagnostics on")
	n := flags.Int("n", 2, "number of mutator threads")
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

	l, err := net.Listen("tcp", *bind)
	if err != nil {
		prog.Fatal(err)
	}
	fmt.Fprintf(os.Stderr, "serving diagnostics on %s\n", l.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = serve(ctx, m, l, *n, *nativeEvery)
	if err != nil {
		prog.Fatal(err)
	}
}

// errShutdown is used to stop the work group on interrupt.
var errShutdown = errors.New("shutdown")

func serve(ctx context.Context, m *safepoint.Mechanism, l net.Listener, n, nativeEvery int) error {
	wg, ctx := xsync.WorkGroupCtx(ctx)

	err := mutators(ctx, wg, m, n, nativeEvery)
	if err != nil {
		return err
	}

	wg.Go(func() error {
		return diag.Serve(ctx, l, m)
	})

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	wg.Go(func() error {
		return diag.AttachListener(ctx, m, cwd, func(d *diag.Dump) {
			d.WriteTo(os.Stderr)
		})
	})

	wg.Go(func() error {
		sigq := make(chan os.Signal, 1)
		signal.Notify(sigq, syscall.SIGQUIT, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigq)

		for {
			select {
			case <-ctx.Done():
				return nil

			case sig := <-sigq:
				if sig != syscall.SIGQUIT {
					log.Infof(ctx, "%s: shutting down", sig)
					return errShutdown
				}
				d, err := diag.ThreadDump(ctx, m)
				if err != nil {
					log.Error(ctx, err)
					continue
				}
				d.WriteTo(os.Stderr)
			}
		}
	})

	err = wg.Wait()
	if err == errShutdown {
		err = nil
	}
	return err
}
