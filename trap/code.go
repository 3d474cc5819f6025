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
// code map

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
)

// BlobKind tells what kind of code a Blob is.
type BlobKind int

const (
	BlobManaged      BlobKind = iota // managed (compiled) method
	BlobPollStub                     // poll-site code
	BlobUnsafeAccess                 // bulk access to memory that may disappear
	BlobStub                         // runtime stub (stop marker, ...)
)

func (k BlobKind) String() string {
	switch k {
	case BlobManaged:
		return "managed"
	case BlobPollStub:
		return "poll-stub"
	case BlobUnsafeAccess:
		return "unsafe-access"
	case BlobStub:
		return "stub"
	}
	return fmt.Sprintf("BlobKind(%d)", int(k))
}

// Blob is one registered piece of code, identified by function entry.
type Blob struct {
	Name  string
	Kind  BlobKind
	Entry uintptr

	notEntrant atomic.Bool
}

// MakeNotEntrant marks the blob so that entering it traps as ZombieMethod.
func (b *Blob) MakeNotEntrant() {
	b.notEntrant.Store(true)
}

// NotEntrant reports whether the blob was made not entrant.
func (b *Blob) NotEntrant() bool {
	return b.notEntrant.Load()
}

func (b *Blob) String() string {
	return fmt.Sprintf("%s[%s @%#x]", b.Name, b.Kind, b.Entry)
}

// CodeMap maps program counters to registered code.
//
// Lookup does not take locks: registrations publish a new immutable map.
type CodeMap struct {
	mu    sync.Mutex // serializes registrations
	blobs atomic.Pointer[map[uintptr]*Blob]
}

// builtin stubs known to every code map.
var builtin = func() *CodeMap {
	c := &CodeMap{}
	c.Register("stop", BlobStub, Stop)
	c.Register("unsafe-copy", BlobUnsafeAccess, unsafeCopyChunk)
	return c
}()

// NewCodeMap returns code map knowing only builtin stubs.
func NewCodeMap() *CodeMap {
	return &CodeMap{}
}

// Register registers function fn as code blob of given kind.
//
// fn must be a func value. Functions registered for trap classification
// must not be inlined into their callers.
func (c *CodeMap) Register(name string, kind BlobKind, fn interface{}) *Blob {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		panic(fmt.Sprintf("trap: register %q: not a function: %T", name, fn))
	}
	b := &Blob{Name: name, Kind: kind, Entry: v.Pointer()}

	c.mu.Lock()
	defer c.mu.Unlock()
	blobs := map[uintptr]*Blob{}
	if old := c.blobs.Load(); old != nil {
		for entry, x := range *old {
			blobs[entry] = x
		}
	}
	blobs[b.Entry] = b
	c.blobs.Store(&blobs)
	return b
}

// Lookup returns blob containing pc, or nil.
func (c *CodeMap) Lookup(pc uintptr) *Blob {
	f := runtime.FuncForPC(pc)
	if f == nil {
		return nil
	}
	entry := f.Entry()
	if c != nil {
		if blobs := c.blobs.Load(); blobs != nil {
			if b, ok := (*blobs)[entry]; ok {
				return b
			}
		}
	}
	if c != builtin {
		return builtin.Lookup(pc)
	}
	return nil
}
