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


package trap
// crash reports

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shamaton/msgpack"
)

// Report is the diagnostic report produced for a fatal fault or a fatal
// runtime condition such as safepoint timeout.
type Report struct {
	Time        int64 // unix nanoseconds
	Disposition string
	Signal      string
	SignalNo    int
	PC          uint64
	Func        string
	Addr        uint64
	Thread      string
	State       string   // thread state, if known
	HeldLocks   []string // locks held by the thread
	Message     string
	Stack       string   // goroutine stack of the reporting goroutine
	Events      []string // recent runtime events
}

// NewReport returns report for fault ctx classified as d.
//
// Thread-specific fields other than thread name, as well as events, are
// filled by the caller.
func NewReport(ctx *Context, d Disposition) *Report {
	r := &Report{
		Time:        time.Now().UnixNano(),
		Disposition: d.String(),
		Signal:      signalName(ctx.Signal),
		SignalNo:    int(ctx.Signal),
		PC:          uint64(ctx.PC),
		Func:        ctx.Func,
		Addr:        uint64(ctx.Addr),
		Message:     ctx.Msg,
		Stack:       string(debug.Stack()),
	}
	if ctx.Thread != nil {
		r.Thread = ctx.Thread.Name()
	}
	return r
}

func (r *Report) Error() string {
	s := fmt.Sprintf("fatal error: %s (%s) at pc=%#x", r.Signal, r.Disposition, r.PC)
	if r.Func != "" {
		s += " in " + r.Func
	}
	if r.Addr != 0 {
		s += fmt.Sprintf(", addr=%#x", r.Addr)
	}
	if r.Thread != "" {
		s += ", thread " + r.Thread
	}
	if r.Message != "" {
		s += ": " + r.Message
	}
	return s
}

// WriteTo writes human-readable report to w.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "#\n# %s\n#\n", r.Error())
	fmt.Fprintf(&b, "time:   %s\n", time.Unix(0, r.Time).UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "signal: %s (%d)\n", r.Signal, r.SignalNo)
	fmt.Fprintf(&b, "pc:     %#x %s\n", r.PC, r.Func)
	fmt.Fprintf(&b, "addr:   %#x\n", r.Addr)
	if r.Thread != "" {
		fmt.Fprintf(&b, "thread: %s", r.Thread)
		if r.State != "" {
			fmt.Fprintf(&b, " [%s]", r.State)
		}
		b.WriteString("\n")
	}
	if len(r.HeldLocks) != 0 {
		fmt.Fprintf(&b, "\nheld locks:\n")
		for _, l := range r.HeldLocks {
			fmt.Fprintf(&b, "\t%s\n", l)
		}
	}
	if len(r.Events) != 0 {
		fmt.Fprintf(&b, "\nevents (%d):\n", len(r.Events))
		for _, e := range r.Events {
			fmt.Fprintf(&b, "\t%s\n", e)
		}
	}
	if r.Stack != "" {
		fmt.Fprintf(&b, "\nstack:\n%s", r.Stack)
		if !strings.HasSuffix(r.Stack, "\n") {
			b.WriteString("\n")
		}
	}
	return b.WriteTo(w)
}

// Save saves report in msgpack encoding to file at path.
func (r *Report) Save(path string) error {
	data, err := msgpack.Encode(r)
	if err != nil {
		return errors.Wrapf(err, "report: encode")
	}
	err = ioutil.WriteFile(path, data, 0644)
	if err != nil {
		return errors.Wrapf(err, "report: save")
	}
	return nil
}

// LoadReport loads report saved by Report.Save.
func LoadReport(path string) (*Report, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "report: load")
	}
	r := &Report{}
	err = msgpack.Decode(data, r)
	if err != nil {
		return nil, errors.Wrapf(err, "report: load %s", path)
	}
	return r, nil
}
