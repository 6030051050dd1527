// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package notify is the channel through which the upgrade engine
// reports progress, messages and errors to interested parties. The
// production transport is D-Bus; the engine only sees the Notifier
// interface.
package notify

import (
	"github.com/sirupsen/logrus"
)

// Notifier receives pipeline events. Implementations must tolerate
// being called from the middle of I/O loops: calls may not block
// indefinitely and failures must be swallowed (emission is best
// effort, never fatal).
type Notifier interface {
	ProgressChanged(phase string, percent int, total, current int64)
	MessageLogged(text string)
	ErrorOccurred(code int32, text string)
	Close() error
}

// Nop discards all events.
type Nop struct{}

// ProgressChanged discards the event.
func (Nop) ProgressChanged(string, int, int64, int64) {}

// MessageLogged discards the event.
func (Nop) MessageLogged(string) {}

// ErrorOccurred discards the event.
func (Nop) ErrorOccurred(int32, string) {}

// Close is a no-op.
func (Nop) Close() error { return nil }

// Stderr forwards events to the logger.
type Stderr struct {
	log *logrus.Logger
}

// NewStderr returns a Notifier writing through the given logger.
func NewStderr(log *logrus.Logger) *Stderr {
	return &Stderr{log: log}
}

// ProgressChanged logs the progress tuple at debug level.
func (s *Stderr) ProgressChanged(phase string, percent int, total, current int64) {
	s.log.Debugf("progress %s: %d%% (%d/%d)", phase, percent, current, total)
}

// MessageLogged logs the message.
func (s *Stderr) MessageLogged(text string) {
	s.log.Info(text)
}

// ErrorOccurred logs the error with its code.
func (s *Stderr) ErrorOccurred(code int32, text string) {
	s.log.Errorf("error %d: %s", code, text)
}

// Close is a no-op.
func (s *Stderr) Close() error { return nil }
