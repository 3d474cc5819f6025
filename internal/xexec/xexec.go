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

// Package xexec complements stdlib package os/exec with context-aware
// process control.
package xexec

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"
)

// Cmd is similar to exec.Cmd and is created by Command.
type Cmd struct {
	*exec.Cmd

	done chan struct{} // after wait completes
}

// Command is similar to exec.Command.
func Command(name string, argv ...string) *Cmd {
	return &Cmd{
		Cmd:  exec.Command(name, argv...),
		done: make(chan struct{}),
	}
}

// Start is similar to exec.Cmd.Start: it starts the specified command.
// Started command is signalled with SIGTERM upon ctx cancel.
func (cmd *Cmd) Start(ctx context.Context) error {
	err := cmd.Cmd.Start()
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)

		case <-cmd.done:
		}
	}()

	return nil
}

// Wait is the same as exec.Cmd.Wait.
func (cmd *Cmd) Wait() error {
	defer close(cmd.done)
	return cmd.Cmd.Wait()
}

// WaitOrKill waits for spawned process to exit, but kills it with SIGKILL
// on ctxKill cancel. ctxKill error is returned if the process was killed.
func (cmd *Cmd) WaitOrKill(ctxKill context.Context) error {
	go func() {
		select {
		case <-ctxKill.Done():
			_ = cmd.Process.Kill()

		case <-cmd.done:
		}
	}()

	err := cmd.Wait()
	if ectx := ctxKill.Err(); ectx != nil {
		err = ectx
	}
	return err
}

// KillDelay is how long CombinedOutput waits for the process to exit on
// SIGTERM before killing it.
var KillDelay = 5 * time.Second

// CombinedOutput runs the command and returns its combined stdout and
// stderr.
//
// If ctx is canceled before the process exits, the process is terminated
// with SIGTERM, and killed if it does not exit within KillDelay; ctx error
// is returned then. Exit with non-zero status is reported as *exec.ExitError
// together with the output.
func (cmd *Cmd) CombinedOutput(ctx context.Context) ([]byte, error) {
	var b bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &b
	err := cmd.Start(ctx)
	if err != nil {
		return nil, err
	}

	ctxKill, kill := context.WithCancel(context.Background())
	defer kill()
	go func() {
		select {
		case <-ctx.Done():
		case <-cmd.done:
			return
		}
		select {
		case <-time.After(KillDelay):
			kill()
		case <-cmd.done:
		}
	}()

	err = cmd.WaitOrKill(ctxKill)
	if ectx := ctx.Err(); ectx != nil {
		err = ectx
	}
	return b.Bytes(), err
}
