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


// Package diag provides diagnostics for a safepoint mechanism: thread dumps,
// dumps on request through trigger files, and a debug server.
package diag

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"lab.nexedi.com/kirr/safepoint/safepoint"
)

// ThreadInfo describes one thread in a thread dump.
type ThreadInfo struct {
	ID        int
	Name      string
	Kind      string
	State     string
	Depth     int
	Suspended bool
	HeldLocks []string
}

// Dump is a thread dump.
type Dump struct {
	Time        time.Time
	Coordinator string
	Threads     []ThreadInfo
	Stats       safepoint.Stats
}

// ThreadDump collects information about all threads of m.
//
// Mutators describe themselves in a handshake, so that their stack depth and
// held locks are consistent. Other threads are sampled directly.
func ThreadDump(ctx context.Context, m *safepoint.Mechanism) (*Dump, error) {
	d := &Dump{Time: time.Now()}

	var mu sync.Mutex
	_, err := m.HandshakeAll(ctx, "ThreadDump", func(t *safepoint.Thread) {
		info := describe(t)
		mu.Lock()
		d.Threads = append(d.Threads, info)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	for _, t := range m.Threads() {
		if t.Kind() != safepoint.KindMutator {
			d.Threads = append(d.Threads, describe(t))
		}
	}
	d.Threads = append(d.Threads, describe(m.VMThread()))
	sort.Slice(d.Threads, func(i, j int) bool {
		return d.Threads[i].ID < d.Threads[j].ID
	})

	d.Coordinator = m.State().String()
	d.Stats = m.Stats()
	return d, nil
}

func describe(t *safepoint.Thread) ThreadInfo {
	return ThreadInfo{
		ID:        t.ID(),
		Name:      t.Name(),
		Kind:      t.Kind().String(),
		State:     t.State().String(),
		Depth:     t.Depth(),
		Suspended: t.IsSuspended(),
		HeldLocks: t.LockNames(),
	}
}

// WriteTo writes dump in text form to w.
func (d *Dump) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\nFull thread dump (coordinator %s):\n",
		d.Time.Format("2006-01-02 15:04:05"), d.Coordinator)
	for _, t := range d.Threads {
		fmt.Fprintf(&b, "\n%q #%d %s state=%s depth=%d", t.Name, t.ID, t.Kind, t.State, t.Depth)
		if t.Suspended {
			b.WriteString(" suspended")
		}
		b.WriteString("\n")
		for _, l := range t.HeldLocks {
			fmt.Fprintf(&b, "\t- locked <%s>\n", l)
		}
	}

	s := d.Stats
	fmt.Fprintf(&b, "\nsafepoints: %d (aborted %d, timeouts %d) sync total %s max %s\n",
		s.Safepoints, s.Aborted, s.Timeouts, s.SyncTotal, s.SyncMax)
	fmt.Fprintf(&b, "handshakes: %d ops: %d (by handshaker %d) traps: %d\n",
		s.Handshakes, s.HandshakeOps, s.ByHandshaker, s.Traps)
	return b.WriteTo(w)
}
