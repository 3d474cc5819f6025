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
// guaranteed safepoints

import (
	"context"
	"time"

	"lab.nexedi.com/kirr/safepoint/internal/log"
)

// guaranteedSafepoints runs cleanup safepoint whenever there was no
// safepoint for interval.
func (m *Mechanism) guaranteedSafepoints(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		since := time.Since(time.Unix(0, m.lastSafepoint.Load()))
		if since < interval {
			timer.Reset(interval - since)
			continue
		}

		_, err := m.Safepoint(ctx, "Cleanup", nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warning(ctx, err)
		}
		timer.Reset(interval)
	}
}
