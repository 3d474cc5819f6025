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
// configuration

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"lab.nexedi.com/kirr/safepoint/trap"
)

// Config is the process-wide configuration of a Mechanism.
//
// It is read once, when the mechanism is created.
type Config struct {
	// PollMode selects how poll sites test for pending operations.
	PollMode PollMode

	// GuaranteedSafepointInterval forces a cleanup safepoint when no
	// safepoint happened for that long. 0 disables it.
	GuaranteedSafepointInterval time.Duration

	// SafepointTimeoutDelay reports threads that did not reach safepoint
	// after that long. 0 disables the check.
	SafepointTimeoutDelay time.Duration

	// AbortOnSafepointTimeout turns safepoint timeout into fatal error.
	AbortOnSafepointTimeout bool

	// ErrorFile is where fatal error reports are saved in addition to the
	// log. %p is replaced with process id. "" means log only.
	ErrorFile string

	// EventLogSize is how many bytes of recent events are retained for
	// error reports. 0 means default.
	EventLogSize int

	// Watermark is the stack watermark collaborator, if any.
	Watermark Watermark

	// Fatal, if set, is called with the report of a fatal error instead of
	// terminating the process. If Fatal returns, the fault is raised as panic
	// with the report; safepoint timeouts continue to wait.
	Fatal func(r *trap.Report)
}

// DefaultEventLogSize is the default size of the event log.
const DefaultEventLogSize = 64 << 10

// msec is flag.Value for duration given as integer number of milliseconds.
type msec struct {
	d *time.Duration
}

func (v msec) String() string {
	if v.d == nil {
		return "0"
	}
	return strconv.FormatInt(int64(*v.d/time.Millisecond), 10)
}

func (v msec) Set(s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*v.d = time.Duration(n) * time.Millisecond
	return nil
}

// Flags binds configuration to command-line flags in f.
//
// Durations are given as integer number of milliseconds.
func (c *Config) Flags(f *flag.FlagSet) {
	f.Var(&c.PollMode, "pollmode", "poll mode: word | page")
	f.Var(msec{&c.GuaranteedSafepointInterval}, "guaranteed-safepoint-interval",
		"force safepoint if there was none for that many ms (0 = off)")
	f.Var(msec{&c.SafepointTimeoutDelay}, "safepoint-timeout-delay",
		"report threads not reaching safepoint after that many ms (0 = off)")
	f.BoolVar(&c.AbortOnSafepointTimeout, "abort-on-safepoint-timeout", c.AbortOnSafepointTimeout,
		"abort with error report on safepoint timeout")
	f.StringVar(&c.ErrorFile, "error-file", c.ErrorFile,
		"save fatal error reports to this file; %p is replaced with pid")
}

// errorFile returns path of error file with %p expanded.
func (c *Config) errorFile() string {
	return strings.ReplaceAll(c.ErrorFile, "%p", strconv.Itoa(os.Getpid()))
}
