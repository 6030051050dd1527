// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iotaupd/iotaupd/bootenv"
)

// cleanup releases the resources an upgrade acquires along the way: the
// decrypted archive in the temp directory and the inactive partition
// mount. Run may be called any number of times and from any exit path;
// every action re-checks current state instead of remembering whether
// it already ran, so a cleanup after a partial cleanup is safe.
type cleanup struct {
	mu sync.Mutex

	log      *logrus.Logger
	tempPath string
	boot     *bootenv.Manager
}

// Run performs both actions regardless of individual failures and
// returns the first error encountered.
func (c *cleanup) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.tempPath != "" {
		if err := os.Remove(c.tempPath); err != nil && !os.IsNotExist(err) {
			c.log.Errorf("cleanup: remove %s: %v", c.tempPath, err)
			firstErr = err
		}
	}
	if c.boot != nil && c.boot.Mounted() {
		if err := c.boot.UnmountInactive(); err != nil {
			c.log.Errorf("cleanup: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
