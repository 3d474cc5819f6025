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


package diag
// thread dumps on request

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"lab.nexedi.com/kirr/safepoint/internal/log"
	"lab.nexedi.com/kirr/safepoint/internal/task"
	"lab.nexedi.com/kirr/safepoint/safepoint"
)

// AttachTrigger returns name of the file that triggers thread dump of
// current process.
func AttachTrigger() string {
	return fmt.Sprintf(".attach_%d", os.Getpid())
}

// AttachListener watches dir for trigger file (see AttachTrigger).
//
// Every time the trigger file appears, it is removed and thread dump of m is
// passed to handle. AttachListener returns when ctx is canceled.
func AttachListener(ctx context.Context, m *safepoint.Mechanism, dir string, handle func(*Dump)) (err error) {
	defer task.Runningf(&ctx, "attach listener %s", dir)(&err)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	err = w.Add(dir)
	if err != nil {
		return err
	}

	trigger := AttachTrigger()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-w.Errors:
			if err != fsnotify.ErrEventOverflow {
				return err
			}
			// events lost; the trigger will be seen on next event in dir

		case ev := <-w.Events:
			if filepath.Base(ev.Name) != trigger || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			err := os.Remove(ev.Name)
			if err != nil && !os.IsNotExist(err) {
				log.Warning(ctx, err)
			}
			if os.IsNotExist(err) {
				continue // already handled
			}

			d, err := ThreadDump(ctx, m)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warning(ctx, err)
				continue
			}
			handle(d)
		}
	}
}
