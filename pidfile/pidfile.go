// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Manage pidfile in /run so two upgrade runs cannot overlap.

package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
)

// RunDir is where pidfiles live. A variable so tests can redirect it.
var RunDir = "/run"

func pidfileName(agentName string) string {
	return fmt.Sprintf("%s/%s.pid", RunDir, agentName)
}

func writeMyPid(filename string) error {
	pid := os.Getpid()
	return os.WriteFile(filename, []byte(strconv.Itoa(pid)), 0644)
}

// CheckProcessExists returns true if an agent process is still running,
// along with a description of the check result.
func CheckProcessExists(log *logrus.Logger, agentName string) (bool, string) {
	filename := pidfileName(agentName)
	if _, err := os.Stat(filename); err != nil && os.IsNotExist(err) {
		return false, err.Error()
	}
	log.Debugf("CheckProcessExists: found %s", filename)
	b, err := os.ReadFile(filename)
	if err != nil {
		return false, fmt.Sprintf("read %s failed: %s", filename, err)
	}
	oldPid, err := strconv.Atoi(string(b))
	if err != nil {
		return false, fmt.Sprintf("atoi of %s failed %s", filename, err)
	}
	// Does the old pid exist?
	p, err := os.FindProcess(oldPid)
	if err == nil {
		err = p.Signal(syscall.Signal(0))
		if err == nil {
			return true, fmt.Sprintf("old pid %d exists for agent %s",
				oldPid, agentName)
		}
	}
	return false, fmt.Sprintf("no running process found for agent %s",
		agentName)
}

// CheckAndCreatePidfile checks that no old process is running and
// creates the pid file.
func CheckAndCreatePidfile(log *logrus.Logger, agentName string) error {
	if exists, description := CheckProcessExists(log, agentName); exists {
		return fmt.Errorf("checkAndCreatePidfile: %s", description)
	}
	if err := writeMyPid(pidfileName(agentName)); err != nil {
		return fmt.Errorf("checkAndCreatePidfile: %w", err)
	}
	return nil
}

// Remove deletes the pid file; absence is not an error.
func Remove(log *logrus.Logger, agentName string) {
	filename := pidfileName(agentName)
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		log.Warnf("remove %s: %v", filename, err)
	}
}
