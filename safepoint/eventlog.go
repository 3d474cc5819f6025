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
// event log

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/someonegg/gocontainer/rbuf"
)

// EventLog keeps the most recent runtime events for error reports.
//
// Events are kept in a ring buffer as length-prefixed records. When the
// buffer grows beyond its size, the oldest events are dropped.
type EventLog struct {
	mu   sync.Mutex
	buf  rbuf.RingBuf
	size int
	n    int // number of records in buf
}

// maxEvent is the maximum length of one event record.
const maxEvent = 1<<16 - 1

// NewEventLog returns event log retaining about size bytes of events.
func NewEventLog(size int) *EventLog {
	return &EventLog{size: size}
}

// Logf appends event to the log.
func (l *EventLog) Logf(format string, argv ...interface{}) {
	msg := time.Now().Format("15:04:05.000000") + " " + fmt.Sprintf(format, argv...)
	if len(msg) > maxEvent {
		msg = msg[:maxEvent]
	}

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(hdr[:])
	l.buf.Write([]byte(msg))
	l.n++
	for l.n > 1 && l.buf.Len() > l.size {
		l.drop()
	}
}

// drop discards the oldest record. l.mu must be held.
func (l *EventLog) drop() {
	var hdr [2]byte
	l.buf.Read(hdr[:])
	skip := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	l.buf.Read(skip)
	l.n--
}

// Len returns number of events in the log.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Strings returns events in the log, oldest first.
func (l *EventLog) Strings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]string, 0, l.n)
	var hdr [2]byte
	for i := 0; i < l.n; i++ {
		l.buf.Read(hdr[:])
		msg := make([]byte, binary.BigEndian.Uint16(hdr[:]))
		l.buf.Read(msg)
		events = append(events, string(msg))
	}

	// put records back
	for _, e := range events {
		binary.BigEndian.PutUint16(hdr[:], uint16(len(e)))
		l.buf.Write(hdr[:])
		l.buf.Write([]byte(e))
	}
	return events
}
