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

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/safepoint/internal/xsync"
	"lab.nexedi.com/kirr/safepoint/mutex"
	"lab.nexedi.com/kirr/safepoint/safepoint"
)

// env is mechanism with running mutators.
type env struct {
	m    *safepoint.Mechanism
	lock *mutex.Mutex
}

func newEnv(t *testing.T, nmutator int) *env {
	t.Helper()
	m, err := safepoint.New(safepoint.Config{})
	require.NoError(t, err)

	e := &env{m: m}
	e.lock = mutex.New(mutex.NonLeaf, "diag_lock", true, mutex.SafepointCheckAlways)

	var quit atomic.Bool
	wg := &xsync.WorkGroup{}
	for i := 0; i < nmutator; i++ {
		th, err := m.Attach(fmt.Sprintf("mutator-%d", i))
		require.NoError(t, err)
		first := i == 0
		wg.Go(func() error {
			th.Enter()
			if first {
				e.lock.Lock(th)
			}
			for !quit.Load() {
				th.PollBackedge()
			}
			if first {
				e.lock.Unlock(th)
			}
			th.Leave()
			m.Detach(th)
			return nil
		})
	}

	t.Cleanup(func() {
		quit.Store(true)
		require.NoError(t, wg.Wait())
		require.NoError(t, m.Close())
	})
	return e
}

func TestThreadDump(t *testing.T) {
	e := newEnv(t, 3)
	w, err := e.m.AttachWorker("worker")
	require.NoError(t, err)
	defer e.m.Detach(w)

	// wait for the first mutator to take its lock
	for e.lock.Owner() == nil {
		time.Sleep(time.Millisecond)
	}

	d, err := ThreadDump(context.Background(), e.m)
	require.NoError(t, err)

	var names []string
	for _, ti := range d.Threads {
		names = append(names, ti.Name)
	}
	assert.Equal(t, []string{"VM Thread", "mutator-0", "mutator-1", "mutator-2", "worker"}, names)
	assert.Equal(t, "vm", d.Threads[0].Kind)
	assert.Equal(t, 1, d.Threads[1].Depth)
	assert.Equal(t, []string{"diag_lock/nonleaf"}, d.Threads[1].HeldLocks)
	assert.Empty(t, d.Threads[2].HeldLocks)
	assert.Equal(t, "idle", d.Coordinator)
	assert.Equal(t, uint64(1), d.Stats.Handshakes)

	var b bytes.Buffer
	_, err = d.WriteTo(&b)
	require.NoError(t, err)
	text := b.String()
	assert.Contains(t, text, "Full thread dump (coordinator idle)")
	assert.Contains(t, text, `"mutator-0" #1 mutator state=managed depth=1`)
	assert.Contains(t, text, "\t- locked <diag_lock/nonleaf>\n")
	assert.Contains(t, text, `"worker" #4 worker state=vm depth=0`)
}

func TestAttachListener(t *testing.T) {
	e := newEnv(t, 2)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	dumps := make(chan *Dump, 16)
	done := make(chan error, 1)
	go func() {
		done <- AttachListener(ctx, e.m, dir, func(d *Dump) {
			dumps <- d
		})
	}()

	// the watcher may not be set up yet: keep triggering until it reacts
	trigger := filepath.Join(dir, AttachTrigger())
	var d *Dump
	for d == nil {
		require.NoError(t, ioutil.WriteFile(trigger, nil, 0644))
		select {
		case d = <-dumps:
		case <-time.After(50 * time.Millisecond):
		}
	}
	assert.Len(t, d.Threads, 3)

	// the trigger is consumed
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, err := os.Stat(trigger)
		if os.IsNotExist(err) {
			break
		}
		require.True(t, time.Now().Before(deadline), "trigger not removed")
		time.Sleep(time.Millisecond)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestServe(t *testing.T) {
	e := newEnv(t, 2)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, l, e.m)
	}()
	addr := l.Addr().String()

	// line protocol
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	cmd := func(line string) string {
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		reply, err := r.ReadString('\n')
		require.NoError(t, err)
		return reply
	}
	assert.True(t, strings.HasPrefix(cmd("safepoint from diag"), `safepoint #1 "from diag": threads=2 acked=2`))
	assert.Equal(t, "safepoints=1 aborted=0 timeouts=0 handshakes=0 traps=0\n", cmd("stats"))
	assert.Equal(t, "error: unknown command \"frobnicate\"\n", cmd("frobnicate"))
	conn.Write([]byte("quit\n"))
	conn.Close()

	// http
	resp, err := http.Get("http://" + addr + "/debug/safepoint")
	require.NoError(t, err)
	var stats safepoint.Stats
	err = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Safepoints)

	resp, err = http.Get("http://" + addr + "/debug/safepoint/threads")
	require.NoError(t, err)
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"mutator-1"`)

	resp, err = http.Get("http://" + addr + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestServeShortCommand(t *testing.T) {
	e := newEnv(t, 1)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, l, e.m)
	}()

	// commands shorter than any HTTP request line reach the command session
	for _, cmd := range []string{"stats", "quit"} {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
		_, err = conn.Write([]byte(cmd + "\n"))
		require.NoError(t, err)

		reply, err := bufio.NewReader(conn).ReadString('\n')
		switch cmd {
		case "stats":
			require.NoError(t, err)
			assert.Equal(t, "safepoints=0 aborted=0 timeouts=0 handshakes=0 traps=0\n", reply)
		case "quit":
			// session is closed without reply
			assert.Equal(t, io.EOF, err)
		}
		conn.Close()
	}

	cancel()
	require.NoError(t, <-done)
}
