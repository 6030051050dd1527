// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import "errors"

// Exit codes reported by the iotaupd process.
const (
	ExitOK            = 0
	ExitGeneric       = 1
	ExitConfig        = 2
	ExitIntegrity     = 3
	ExitIO            = 4
	ExitPartialCommit = 5
)

// ConfigError means the invocation cannot proceed: bad flags, missing
// key material, required tools absent from PATH. Nothing was touched.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// IntegrityError means the package failed a cryptographic or structural
// check. The package must not be installed.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string { return e.Err.Error() }
func (e *IntegrityError) Unwrap() error { return e.Err }

// IOError means a filesystem or external-process operation failed.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// PartialCommitError means the install succeeded but the boot switch
// did not. The target partition holds a valid installation that the
// bootloader will not select. There is no automatic rollback.
type PartialCommitError struct {
	Err error
}

func (e *PartialCommitError) Error() string { return e.Err.Error() }
func (e *PartialCommitError) Unwrap() error { return e.Err }

// ExitCode maps an upgrade error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		cfg     *ConfigError
		integ   *IntegrityError
		ioErr   *IOError
		partial *PartialCommitError
	)
	switch {
	case errors.As(err, &cfg):
		return ExitConfig
	case errors.As(err, &integ):
		return ExitIntegrity
	case errors.As(err, &ioErr):
		return ExitIO
	case errors.As(err, &partial):
		return ExitPartialCommit
	}
	return ExitGeneric
}
