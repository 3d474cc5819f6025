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


//go:build !unix

package safepoint

import (
	"unsafe"

	"lab.nexedi.com/kirr/safepoint/trap"
)

// PollPage is the pair of pages used by page-mode polls.
//
// Page polling needs memory protection; it is not available on this platform.
type PollPage struct{}

// NewPollPage returns ErrNoPollPage.
func NewPollPage() (*PollPage, error) {
	return nil, ErrNoPollPage
}

func (p *PollPage) Good() uintptr { return 0 }
func (p *PollPage) Bad() uintptr { return 0 }
func (p *PollPage) Armed() trap.Range { return trap.Range{} }
func (p *PollPage) at(addr uintptr) unsafe.Pointer { panic("pollpage: not supported") }
func (p *PollPage) Close() error { return nil }
