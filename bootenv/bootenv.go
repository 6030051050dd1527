// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package bootenv manages the U-Boot environment variables that select
// the active root filesystem and the mount lifecycle of the inactive
// partition. Writing the selection variable is the commit point of an
// upgrade: once it succeeds the next boot uses the new partition.
package bootenv

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-envparse"
	"github.com/sirupsen/logrus"

	"github.com/iotaupd/iotaupd/sysops"
)

// Bootloader environment conventions.
const (
	DefaultEnvVar     = "rootfs_part"
	DefaultAvailVar   = "rootfs_avail_parts"
	DefaultMountPoint = "/mnt/inactive_partition"

	// inactiveFSType is the filesystem type of the UBI rootfs volumes.
	inactiveFSType = "ubifs"
)

// conventionalParts is used when the bootloader environment does not
// carry an avail list.
var conventionalParts = []string{"ubi0:rootfs_a", "ubi0:rootfs_b"}

// Manager reads and writes the partition selection variables through a
// SystemOps and tracks whether it currently holds the inactive mount.
type Manager struct {
	Ops        sysops.SystemOps
	Log        *logrus.Logger
	EnvVar     string
	AvailVar   string
	MountPoint string

	mounted bool

	// newBackOff builds the unmount retry policy; tests shorten it.
	newBackOff func() backoff.BackOff
}

// New returns a Manager with the conventional variable names and
// mount point.
func New(ops sysops.SystemOps, log *logrus.Logger) *Manager {
	return &Manager{
		Ops:        ops,
		Log:        log,
		EnvVar:     DefaultEnvVar,
		AvailVar:   DefaultAvailVar,
		MountPoint: DefaultMountPoint,
	}
}

// readVar fetches one variable from the bootloader environment.
// fw_printenv prints "name=value\n"; anything else is a tool error.
func (m *Manager) readVar(name string) (string, error) {
	out, err := m.Ops.FWPrintenv(name)
	if err != nil {
		return "", fmt.Errorf("bootenv: read %s: %w", name, err)
	}
	env, err := envparse.Parse(strings.NewReader(out))
	if err != nil {
		return "", fmt.Errorf("bootenv: parse fw_printenv output for %s: %w",
			name, err)
	}
	v, ok := env[name]
	if !ok {
		return "", fmt.Errorf("bootenv: %s missing from fw_printenv output %q",
			name, out)
	}
	return v, nil
}

// CurrentPartition returns the partition the bootloader selected for
// this boot.
func (m *Manager) CurrentPartition() (string, error) {
	part, err := m.readVar(m.EnvVar)
	if err != nil {
		return "", err
	}
	if part == "" {
		return "", fmt.Errorf("bootenv: %s is empty", m.EnvVar)
	}
	return part, nil
}

// AvailableParts returns the valid partition names. The variable is
// read fresh on every call; when the bootloader does not define it the
// conventional a/b pair applies.
func (m *Manager) AvailableParts() []string {
	v, err := m.readVar(m.AvailVar)
	if err != nil || strings.TrimSpace(v) == "" {
		if m.Log != nil {
			m.Log.Debugf("%s not set, using conventional partitions %v",
				m.AvailVar, conventionalParts)
		}
		return conventionalParts
	}
	return strings.Fields(v)
}

// OtherPartition returns the available partition that is not current.
// Exactly one such partition must exist.
func (m *Manager) OtherPartition() (string, error) {
	current, err := m.CurrentPartition()
	if err != nil {
		return "", err
	}
	avail := m.AvailableParts()
	var other string
	for _, p := range avail {
		if p == current {
			continue
		}
		if other != "" {
			return "", fmt.Errorf("bootenv: more than one inactive partition in %v",
				avail)
		}
		other = p
	}
	if other == "" {
		return "", fmt.Errorf("bootenv: no inactive partition: current %s, available %v",
			current, avail)
	}
	return other, nil
}

// MountInactive mounts the inactive UBI volume at the mount point and
// returns its name.
func (m *Manager) MountInactive() (string, error) {
	part, err := m.OtherPartition()
	if err != nil {
		return "", err
	}
	if err := m.Ops.Mount(part, m.MountPoint, inactiveFSType); err != nil {
		return "", fmt.Errorf("bootenv: mount %s at %s: %w",
			part, m.MountPoint, err)
	}
	m.mounted = true
	if m.Log != nil {
		m.Log.Infof("mounted inactive partition %s at %s", part, m.MountPoint)
	}
	return part, nil
}

// Mounted reports whether this Manager holds the inactive mount.
func (m *Manager) Mounted() bool {
	return m.mounted
}

// UnmountInactive releases the inactive mount. A busy target is retried
// with exponential backoff; lazy writers under the mount point usually
// finish within a few seconds.
func (m *Manager) UnmountInactive() error {
	if !m.mounted {
		return nil
	}
	bo := m.unmountBackOff()
	err := backoff.Retry(func() error {
		if err := m.Ops.Unmount(m.MountPoint); err != nil {
			if m.Log != nil {
				m.Log.Warnf("umount %s: %v, retrying", m.MountPoint, err)
			}
			return err
		}
		return nil
	}, bo)
	if err != nil {
		return fmt.Errorf("bootenv: umount %s: %w", m.MountPoint, err)
	}
	m.mounted = false
	if m.Log != nil {
		m.Log.Infof("unmounted %s", m.MountPoint)
	}
	return nil
}

func (m *Manager) unmountBackOff() backoff.BackOff {
	if m.newBackOff != nil {
		return m.newBackOff()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return backoff.WithMaxRetries(bo, 5)
}

// CommitSwitch points the bootloader at part. This is the commit point
// of an upgrade; a failure here after a successful install leaves the
// system running the old partition with the new one fully written.
func (m *Manager) CommitSwitch(part string) error {
	if err := m.Ops.FWSetenv(m.EnvVar, part); err != nil {
		return fmt.Errorf("bootenv: fw_setenv %s %s: %w", m.EnvVar, part, err)
	}
	if m.Log != nil {
		m.Log.Infof("boot switch committed: %s=%s", m.EnvVar, part)
	}
	return nil
}

// Reboot waits out the grace period and asks the system to reboot. It
// returns only when the reboot request fails.
func (m *Manager) Reboot(grace time.Duration) error {
	if m.Log != nil {
		m.Log.Infof("rebooting in %v", grace)
	}
	time.Sleep(grace)
	if err := m.Ops.Reboot(); err != nil {
		return fmt.Errorf("bootenv: reboot: %w", err)
	}
	return nil
}
