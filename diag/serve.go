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


package diag
// debug server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"

	"github.com/soheilhy/cmux"

	"lab.nexedi.com/kirr/safepoint/internal/log"
	"lab.nexedi.com/kirr/safepoint/internal/task"
	taskctx "lab.nexedi.com/kirr/safepoint/internal/xcontext/task"
	"lab.nexedi.com/kirr/safepoint/internal/xsync"
	"lab.nexedi.com/kirr/safepoint/safepoint"
)

// Serve serves diagnostics of m on l until ctx is canceled.
//
// Incoming connections are multiplexed: HTTP requests are served with
//
//	/debug/safepoint          statistics in JSON
//	/debug/safepoint/threads  thread dump
//	/debug/pprof/             runtime profiles
//
// and everything else is handled as line-oriented command session:
//
//	dump                      thread dump
//	safepoint [reason]        run safepoint and report its statistics
//	stats                     statistics
//	quit
func Serve(ctx context.Context, l net.Listener, m *safepoint.Mechanism) (err error) {
	defer task.Runningf(&ctx, "serve %s", l.Addr())(&err)
	log.Infof(ctx, "listening at %s ...", l.Addr())

	// HTTP1, not HTTP1Fast: the latter needs more bytes than short commands
	// like "dump\n" carry, and would wait for them forever.
	mux := cmux.New(l)
	httpL := mux.Match(cmux.HTTP1())
	cmdL := mux.Match(cmux.Any())

	hmux := http.NewServeMux()
	hmux.HandleFunc("/debug/safepoint", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		enc.Encode(m.Stats())
	})
	hmux.HandleFunc("/debug/safepoint/threads", func(w http.ResponseWriter, r *http.Request) {
		d, err := ThreadDump(r.Context(), m)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		d.WriteTo(w)
	})
	hmux.Handle("/debug/pprof/", http.DefaultServeMux)
	srv := &http.Server{Handler: hmux}

	wg, wctx := xsync.WorkGroupCtx(ctx)
	wg.Go(func() error {
		<-wctx.Done()
		l.Close()
		return srv.Close()
	})
	wg.Go(func() error {
		return mux.Serve()
	})
	wg.Go(func() error {
		return srv.Serve(httpL)
	})
	wg.Go(func() error {
		for {
			conn, err := cmdL.Accept()
			if err != nil {
				return err
			}
			wg.Go(func() error {
				serveCmd(wctx, conn, m)
				return nil
			})
		}
	})

	err = wg.Wait()
	if ctx.Err() != nil {
		err = nil
	}
	return err
}

// serveCmd runs command session on conn.
func serveCmd(ctx context.Context, conn net.Conn, m *safepoint.Mechanism) {
	ctx = taskctx.Runningf(ctx, "cmd %s", conn.RemoteAddr())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	w := bufio.NewWriter(conn)
	r := bufio.NewScanner(conn)
	for r.Scan() {
		argv := strings.Fields(r.Text())
		if len(argv) == 0 {
			continue
		}
		if argv[0] == "quit" {
			return
		}
		err := command(ctx, w, m, argv)
		if err != nil {
			fmt.Fprintf(w, "error: %s\n", err)
		}
		err = w.Flush()
		if err != nil {
			log.Warning(ctx, err)
			return
		}
	}
}

func command(ctx context.Context, w io.Writer, m *safepoint.Mechanism, argv []string) error {
	switch argv[0] {
	case "dump":
		d, err := ThreadDump(ctx, m)
		if err != nil {
			return err
		}
		_, err = d.WriteTo(w)
		return err

	case "safepoint":
		reason := "diag"
		if len(argv) > 1 {
			reason = strings.Join(argv[1:], " ")
		}
		st, err := m.Safepoint(ctx, reason, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, st)
		return nil

	case "stats":
		s := m.Stats()
		fmt.Fprintf(w, "safepoints=%d aborted=%d timeouts=%d handshakes=%d traps=%d\n",
			s.Safepoints, s.Aborted, s.Timeouts, s.Handshakes, s.Traps)
		return nil
	}
	return fmt.Errorf("unknown command %q", argv[0])
}
