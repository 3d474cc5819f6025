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


//go:build unix

package safepoint
// polling page

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"lab.nexedi.com/kirr/safepoint/trap"
)

// PollPage is the pair of pages used by page-mode polls.
//
// Disarmed polls load from the good page which is readable. Armed polls
// load from the bad page which is protected, so that the load faults. Both
// addresses are reserved once and never change.
type PollPage struct {
	mem  []byte // good page, then bad page
	size uintptr
}

// NewPollPage reserves polling pages.
func NewPollPage() (_ *PollPage, err error) {
	size := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, 2*size, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "pollpage: mmap")
	}
	err = unix.Mprotect(mem[size:], unix.PROT_NONE)
	if err != nil {
		unix.Munmap(mem)
		return nil, errors.Wrap(err, "pollpage: mprotect")
	}
	return &PollPage{mem: mem, size: uintptr(size)}, nil
}

func (p *PollPage) base() uintptr {
	return uintptr(unsafe.Pointer(&p.mem[0]))
}

// Good returns the disarmed poll address.
func (p *PollPage) Good() uintptr {
	return p.base()
}

// Bad returns the armed poll address.
func (p *PollPage) Bad() uintptr {
	return p.base() + p.size
}

// Armed returns address range loads from which are armed polls.
func (p *PollPage) Armed() trap.Range {
	return trap.Range{Lo: p.Bad(), Hi: p.Bad() + p.size}
}

// at returns pointer to poll address addr.
func (p *PollPage) at(addr uintptr) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(&p.mem[0]), addr-p.base())
}

// Close releases polling pages.
func (p *PollPage) Close() error {
	err := unix.Munmap(p.mem)
	if err != nil {
		return errors.Wrap(err, "pollpage: munmap")
	}
	return nil
}
