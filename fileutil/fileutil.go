// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package fileutil has small filesystem helpers shared by the upgrade
// pipeline.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// WriteRename writes data to a temporary file in the same directory and
// renames it into place, so readers never observe a partially written
// file. The data and the containing directory are fsynced before return.
func WriteRename(fileName string, b []byte) error {
	dirName := filepath.Dir(fileName)
	tmpfile, err := os.CreateTemp(dirName, "tmp")
	if err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	defer tmpfile.Close()
	defer os.Remove(tmpfile.Name())
	if _, err := tmpfile.Write(b); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	if err := tmpfile.Sync(); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	if err := tmpfile.Close(); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	if err := os.Rename(tmpfile.Name(), fileName); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	return DirSync(dirName)
}

// DirSync flushes the directory entry itself.
func DirSync(dirName string) error {
	f, err := os.Open(dirName)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// FreeSpace returns the number of bytes available to an unprivileged
// caller on the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
