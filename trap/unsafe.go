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
// bulk access to memory that may disappear

import (
	"runtime/debug"
)

// unsafeChunk is how much unsafeCopyChunk copies at once. A fault loses at
// most one chunk of progress.
const unsafeChunk = 4096

// std classifies faults of unsafe-access stubs.
//
// It is set up in init: builtin code map refers to unsafeCopyChunk, and
// classification refers to the builtin code map.
var std struct {
	classifier *Classifier
	dispatcher *Dispatcher
}

func init() {
	std.classifier = NewClassifier(Env{NullLimit: DefaultNullLimit})
	std.dispatcher = NewDispatcher()
}

// UnsafeCopy copies min(len(dst), len(src)) bytes from src to dst.
//
// src and dst may refer to memory that disappears concurrently, for example a
// mapping of a file being truncated. Then the fault is recovered and UnsafeCopy
// returns the number of bytes copied before the faulting chunk together with
// ErrUnsafeAccess.
func UnsafeCopy(dst, src []byte) (n int, err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	total := len(dst)
	if len(src) < total {
		total = len(src)
	}
	for n < total {
		k := total - n
		if k > unsafeChunk {
			k = unsafeChunk
		}
		err = unsafeCopyChunk(dst[n:n+k], src[n:n+k])
		if err != nil {
			return n, err
		}
		n += k
	}
	return n, nil
}

// unsafeCopyChunk is registered as UnsafeAccess code in every code map.
//
//go:noinline
func unsafeCopyChunk(dst, src []byte) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		ctx, ok := FromPanic(r)
		if !ok {
			panic(r)
		}
		action := std.dispatcher.Dispatch(std.classifier.Classify(&ctx), &ctx)
		if action.Kind != ActionContinue {
			panic(r)
		}
		err = action.Err
	}()

	copy(dst, src)
	return nil
}
