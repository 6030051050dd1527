// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package sysops wraps the external system tools the upgrade engine
// depends on. The pipeline only ever talks to the SystemOps interface,
// which keeps the bootloader environment, mounts and the reboot path
// fakeable in tests.
package sysops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Tool names resolved on PATH during pre-flight.
const (
	FWPrintenvTool = "fw_printenv"
	FWSetenvTool   = "fw_setenv"
	Sha256Tool     = "sha256sum"
	MountTool      = "mount"
	UmountTool     = "umount"
	RebootTool     = "reboot"
)

// SystemOps is the set of external operations used by the upgrade
// pipeline.
type SystemOps interface {
	// LookPath reports whether tool is available on PATH.
	LookPath(tool string) (string, error)
	// FWPrintenv returns the raw stdout of `fw_printenv name`.
	FWPrintenv(name string) (string, error)
	// FWSetenv runs `fw_setenv name value`.
	FWSetenv(name, value string) error
	// Mount mounts device of the given filesystem type at dir.
	Mount(device, dir, fstype string) error
	// Unmount releases the mount at dir.
	Unmount(dir string) error
	// Sha256Sum returns the raw stdout of `sha256sum path`.
	Sha256Sum(path string) (string, error)
	// Reboot asks the system to reboot. It returns only on failure.
	Reboot() error
}

// Exec runs the real tools. A single mutex serializes invocations:
// fw_printenv and fw_setenv share a lock file and must not overlap.
type Exec struct {
	Log     *logrus.Logger
	Timeout time.Duration

	mu sync.Mutex
}

// NewExec returns a SystemOps backed by the real system tools.
func NewExec(log *logrus.Logger) *Exec {
	// Handle slow tools on bad disks by waiting for a while.
	return &Exec{Log: log, Timeout: 30 * time.Second}
}

func (e *Exec) run(command string, args ...string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	defer cancel()

	if e.Log != nil {
		e.Log.Debugf("exec %s %s", command, strings.Join(args, " "))
	}
	cmd := exec.CommandContext(ctx, command, args...)
	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%s timed out after %v", command, e.Timeout)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return out, fmt.Errorf("%s %s: %w: %s", command,
				strings.Join(args, " "), err,
				strings.TrimSpace(string(ee.Stderr)))
		}
		return out, fmt.Errorf("%s %s: %w", command,
			strings.Join(args, " "), err)
	}
	return out, nil
}

// LookPath reports whether tool is available on PATH.
func (e *Exec) LookPath(tool string) (string, error) {
	return exec.LookPath(tool)
}

// FWPrintenv returns the raw stdout of `fw_printenv name`.
func (e *Exec) FWPrintenv(name string) (string, error) {
	out, err := e.run(FWPrintenvTool, name)
	return string(out), err
}

// FWSetenv runs `fw_setenv name value`.
func (e *Exec) FWSetenv(name, value string) error {
	_, err := e.run(FWSetenvTool, name, value)
	return err
}

// Mount mounts device at dir with the given filesystem type.
func (e *Exec) Mount(device, dir, fstype string) error {
	_, err := e.run(MountTool, "-t", fstype, device, dir)
	return err
}

// Unmount releases the mount at dir.
func (e *Exec) Unmount(dir string) error {
	_, err := e.run(UmountTool, dir)
	return err
}

// Sha256Sum returns the raw stdout of `sha256sum path`.
func (e *Exec) Sha256Sum(path string) (string, error) {
	out, err := e.run(Sha256Tool, path)
	return string(out), err
}

// Reboot invokes the reboot tool from PATH.
func (e *Exec) Reboot() error {
	_, err := e.run(RebootTool)
	return err
}
