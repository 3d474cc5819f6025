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

import (
	"context"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermark(t *testing.T) {
	var mu sync.Mutex
	var processed []uintptr
	wm := &FrameWatermark{
		Process: func(t *Thread, sp uintptr) {
			mu.Lock()
			processed = append(processed, sp)
			mu.Unlock()
		},
	}
	m := newMech(t, Config{Watermark: wm})
	th, err := m.Attach("deep")
	require.NoError(t, err)

	ready := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan struct{})
	var markAfterSafepoint uintptr
	go func() {
		defer close(done)
		th.Enter()
		th.Enter()
		th.Enter()
		close(ready)

		// spin until the safepoint armed the stack
		for wm.Mark(th) == 0 {
			th.PollBackedge()
		}
		markAfterSafepoint = th.Data().PollingWord
		<-resume

		th.Leave()
		th.Leave()
		th.Leave()
		m.Detach(th)
	}()
	<-ready

	_, err = m.Safepoint(context.Background(), "mark", func(*Thread) error {
		wm.Arm(th)
		return nil
	})
	require.NoError(t, err)
	close(resume)
	<-done

	top := StackBase - 3*FrameSize
	assert.Equal(t, top, markAfterSafepoint)
	assert.False(t, wordArmed(markAfterSafepoint))

	// every frame is processed exactly once: the top one at the safepoint,
	// callers as the thread returns into them
	want := []uintptr{top, top + FrameSize, top + 2*FrameSize}
	if diff := pretty.Compare(want, processed); diff != "" {
		t.Errorf("processed frames: (-want +have)\n%s", diff)
	}
	assert.True(t, wm.Done(th))
	assert.Equal(t, WordDisarmed, th.Data().PollingWord)
}

func TestWatermarkNewFrames(t *testing.T) {
	var processed []uintptr
	wm := &FrameWatermark{
		Process: func(t *Thread, sp uintptr) {
			processed = append(processed, sp)
		},
	}
	m := newMech(t, Config{Watermark: wm})
	th, err := m.Attach("calls")
	require.NoError(t, err)
	defer m.Detach(th)

	th.Enter()
	base := th.SP()

	// emulate safepoint processing of th
	wm.Arm(th)
	wm.OnSafepoint(th)
	m.UpdatePollValues(th)
	assert.Equal(t, []uintptr{base}, processed)

	// frames pushed after the safepoint are below the watermark: returning
	// from them does not fire
	th.Enter()
	th.Enter()
	th.Leave()
	th.Leave()
	assert.Equal(t, []uintptr{base}, processed)
	assert.Equal(t, base, th.Data().PollingWord)

	th.Leave()
	assert.Equal(t, []uintptr{base}, processed)
	assert.True(t, wm.Done(th))
	assert.Equal(t, WordDisarmed, th.Data().PollingWord)
}
