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
// polling word

// Poll word values.
//
// A poll word is either armed, disarmed, or carries a stack watermark.
// Watermarks are stack addresses and so are always even: the poll bit tells
// them apart from the armed word.
const (
	PollBit      uintptr = 1
	WordArmed    uintptr = PollBit
	WordDisarmed uintptr = ^PollBit
)

// wordArmed reports whether method-entry and loop back-edge polls against
// word w fire.
func wordArmed(w uintptr) bool {
	return w&PollBit != 0
}

// returnArmed reports whether return poll against word w fires when
// returning into frame with stack pointer sp.
//
// With watermark in w it fires when returning into a frame above the
// watermark, i.e. a frame not yet processed by the watermark collaborator.
func returnArmed(w, sp uintptr) bool {
	return sp > w
}

// PollMode selects how poll sites test for pending operations.
type PollMode int

const (
	// PollWordMode: poll sites load thread-local poll word and test the poll bit.
	PollWordMode PollMode = iota

	// PollPageMode: poll sites load from thread-local poll page address,
	// which faults when armed. The fault is resolved by the trap path.
	PollPageMode
)

func (m PollMode) String() string {
	switch m {
	case PollWordMode:
		return "word"
	case PollPageMode:
		return "page"
	}
	return "?"
}

// Set implements flag.Value.
func (m *PollMode) Set(s string) error {
	switch s {
	case "word":
		*m = PollWordMode
	case "page":
		*m = PollPageMode
	default:
		return errInvalidPollMode(s)
	}
	return nil
}

type errInvalidPollMode string

func (e errInvalidPollMode) Error() string {
	return "invalid poll mode " + string(e) + ` (want "word" or "page")`
}
