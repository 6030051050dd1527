// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

package sysops

import (
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Fake is a deterministic SystemOps for tests. Every call is appended
// to CallLog in invocation order so tests can assert on the exact
// sequence of external effects.
type Fake struct {
	mu      sync.Mutex
	CallLog []string

	// Env is the simulated bootloader environment.
	Env map[string]string
	// Missing marks tools as absent from PATH.
	Missing map[string]bool
	// Errs forces an error for the named operation
	// ("fw_printenv", "fw_setenv", "mount", "umount", "sha256sum", "reboot").
	Errs map[string]error
	// Sha256 overrides the sha256sum output; when empty the real file
	// digest is computed.
	Sha256 string
	// Mounts maps mounted directories to their device.
	Mounts map[string]string

	Rebooted bool
}

// NewFake returns a Fake with empty state.
func NewFake() *Fake {
	return &Fake{
		Env:     make(map[string]string),
		Missing: make(map[string]bool),
		Errs:    make(map[string]error),
		Mounts:  make(map[string]string),
	}
}

func (f *Fake) record(parts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallLog = append(f.CallLog, strings.Join(parts, " "))
}

// Calls returns a copy of the invocation log.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.CallLog...)
}

// CallsMatching returns the log entries starting with prefix.
func (f *Fake) CallsMatching(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// LookPath reports the tool as present unless marked Missing.
func (f *Fake) LookPath(tool string) (string, error) {
	f.record("lookpath", tool)
	if f.Missing[tool] {
		return "", &exec.Error{Name: tool, Err: exec.ErrNotFound}
	}
	return "/usr/bin/" + tool, nil
}

// FWPrintenv serves name=value from Env in fw_printenv's output format.
func (f *Fake) FWPrintenv(name string) (string, error) {
	f.record("fw_printenv", name)
	if err := f.Errs["fw_printenv"]; err != nil {
		return "", err
	}
	v, ok := f.Env[name]
	if !ok {
		return "", fmt.Errorf("## Error: \"%s\" not defined", name)
	}
	return name + "=" + v + "\n", nil
}

// FWSetenv records the call and updates Env.
func (f *Fake) FWSetenv(name, value string) error {
	f.record("fw_setenv", name, value)
	if err := f.Errs["fw_setenv"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Env[name] = value
	return nil
}

// Mount records the mount in Mounts.
func (f *Fake) Mount(device, dir, fstype string) error {
	f.record("mount", "-t", fstype, device, dir)
	if err := f.Errs["mount"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mounts[dir] = device
	return nil
}

// Unmount removes the mount from Mounts.
func (f *Fake) Unmount(dir string) error {
	f.record("umount", dir)
	if err := f.Errs["umount"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Mounts[dir]; !ok {
		return fmt.Errorf("umount: %s: not mounted", dir)
	}
	delete(f.Mounts, dir)
	return nil
}

// Sha256Sum returns the canned Sha256 output, or the real digest of
// path in sha256sum's output format.
func (f *Fake) Sha256Sum(path string) (string, error) {
	f.record("sha256sum", path)
	if err := f.Errs["sha256sum"]; err != nil {
		return "", err
	}
	if f.Sha256 != "" {
		return f.Sha256, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x  %s\n", sha256.Sum256(data), path), nil
}

// Reboot records the request.
func (f *Fake) Reboot() error {
	f.record("reboot")
	if err := f.Errs["reboot"]; err != nil {
		return err
	}
	f.Rebooted = true
	return nil
}
