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

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollPage(t *testing.T) {
	p, err := NewPollPage()
	require.NoError(t, err)
	defer p.Close()

	assert.NotEqual(t, p.Good(), p.Bad())
	assert.True(t, p.Armed().Contains(p.Bad()))
	assert.False(t, p.Armed().Contains(p.Good()))
}

func TestPageModeSafepoint(t *testing.T) {
	m := newMech(t, Config{PollMode: PollPageMode})
	mv, stop := mutators(t, m, 4)
	defer stop()

	for _, mu := range mv {
		assert.Equal(t, m.page.Good(), mu.Data().PollingPage)
	}

	// polls fault on the armed page; the trap path blocks the threads
	st, err := m.Safepoint(context.Background(), "page", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Acked)
	assert.Equal(t, 4, st.AckedBySelf)
	assert.GreaterOrEqual(t, m.Stats().Traps, uint64(4))

	// and handshakes as well. Right after the safepoint the target can still
	// be blocked, and then the handshake is legitimately run on its behalf:
	// wait for it to resume polling.
	waitState(t, mv[1].Thread, StateManaged)
	traps := m.Stats().Traps
	hs, err := m.Handshake(context.Background(), "page", func(*Thread) {}, mv[1].Thread)
	require.NoError(t, err)
	assert.Equal(t, 1, hs.BySelf+hs.ByHandshaker)
	assert.Equal(t, 1, hs.BySelf)
	assert.Greater(t, m.Stats().Traps, traps)
}
