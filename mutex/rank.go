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

package mutex
// lock ranks

import "fmt"

// Rank is the position of a lock in the global lock order.
//
// Locks must be acquired in strictly decreasing rank: a thread holding a
// lock of rank r may only acquire locks of rank < r. Native rank is exempt.
type Rank int

const (
	Event          Rank = 0
	Service        Rank = Event + 3
	StackWatermark Rank = Service + 3
	TTY            Rank = StackWatermark + 3
	OopStorage     Rank = TTY + 3
	NoSafepoint    Rank = OopStorage + 6 // highest rank of locks that never safepoint-check
	Safepoint      Rank = NoSafepoint + 20
	Barrier        Rank = Safepoint + 1
	NonLeaf        Rank = Barrier + 1
	MaxNonLeaf     Rank = NonLeaf + 900
	Native         Rank = MaxNonLeaf + 1 // locks interacting with the OS; not rank-checked
)

var rankNames = []struct {
	rank Rank
	name string
}{
	{Event, "event"},
	{Service, "service"},
	{StackWatermark, "stackwatermark"},
	{TTY, "tty"},
	{OopStorage, "oopstorage"},
	{NoSafepoint, "nosafepoint"},
	{Safepoint, "safepoint"},
	{Barrier, "barrier"},
	{NonLeaf, "nonleaf"},
	{MaxNonLeaf, "max_nonleaf"},
	{Native, "native"},
}

// String returns rank name relative to the closest named rank below it,
// e.g. "nosafepoint-2" or "safepoint+1".
func (r Rank) String() string {
	if r < Event {
		return fmt.Sprintf("rank(%d)", int(r))
	}

	i := 0
	for ; i+1 < len(rankNames) && rankNames[i+1].rank <= r; i++ {
	}
	base := rankNames[i]

	// prefer "next-δ" when it is closer than "base+δ"
	if i+1 < len(rankNames) {
		next := rankNames[i+1]
		if next.rank-r < r-base.rank {
			return fmt.Sprintf("%s-%d", next.name, int(next.rank-r))
		}
	}
	if r == base.rank {
		return base.name
	}
	return fmt.Sprintf("%s+%d", base.name, int(r-base.rank))
}

// SafepointCheck tells whether acquiring a lock may block for a safepoint.
type SafepointCheck int

const (
	// SafepointCheckNever locks are acquired without safepoint checks.
	// A mutator holding such lock must not reach a safepoint.
	SafepointCheckNever SafepointCheck = iota

	// SafepointCheckAlways locks are always acquired with safepoint checks
	// by mutators.
	SafepointCheckAlways
)

func (c SafepointCheck) String() string {
	switch c {
	case SafepointCheckNever:
		return "never"
	case SafepointCheckAlways:
		return "always"
	}
	return fmt.Sprintf("SafepointCheck(%d)", int(c))
}

// RankChecking reports whether lock discipline checks are compiled in.
//
// They are compiled out with the norankcheck build tag.
func RankChecking() bool {
	return rankChecking
}
