// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package progress turns per-chunk ticks from the pipeline phases into
// a terminal progress bar and deduplicated notifier events.
package progress

import (
	"os"
	"sync"

	pb "github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"

	"github.com/iotaupd/iotaupd/notify"
)

// Options selects the sinks a tick is rendered to.
type Options struct {
	// Bar renders a terminal progress bar on stderr.
	Bar bool
	// Notify forwards percent changes to the notifier.
	Notify bool
}

// Emitter owns the last-emitted percent per phase so the notifier only
// sees percent changes, bounding the message rate however small the
// chunk size is.
type Emitter struct {
	log      *logrus.Logger
	notifier notify.Notifier
	opts     Options

	mu   sync.Mutex
	last map[string]int
	bar  *pb.ProgressBar
}

// New returns an Emitter forwarding to the given notifier.
func New(log *logrus.Logger, notifier notify.Notifier, opts Options) *Emitter {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Emitter{
		log:      log,
		notifier: notifier,
		opts:     opts,
		last:     make(map[string]int),
	}
}

// Start begins a phase with the given total byte count.
func (e *Emitter) Start(phase string, total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last[phase] = -1
	if e.opts.Bar {
		e.bar = pb.Full.Start64(total)
		e.bar.SetWriter(os.Stderr)
		e.bar.Set(pb.Bytes, true)
		e.bar.Set("prefix", phase+" ")
	}
}

// Tick reports the current position within the phase. Notifier events
// are emitted only when the integer percent value changes.
func (e *Emitter) Tick(phase string, current, total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bar != nil {
		e.bar.SetCurrent(current)
	}
	percent := 100
	if total > 0 {
		percent = int(current * 100 / total)
	}
	if !e.opts.Notify || percent == e.last[phase] {
		return
	}
	e.last[phase] = percent
	e.notifier.ProgressChanged(phase, percent, total, current)
}

// Done completes the phase. The final event always carries
// current == total.
func (e *Emitter) Done(phase string, total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishBar(total)
	if e.opts.Notify {
		e.last[phase] = 100
		e.notifier.ProgressChanged(phase, 100, total, total)
	}
}

// Abort clears the bar after a failed phase so the error message is
// not drawn over a stale bar.
func (e *Emitter) Abort(phase string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishBar(-1)
}

func (e *Emitter) finishBar(total int64) {
	if e.bar == nil {
		return
	}
	if total >= 0 {
		e.bar.SetCurrent(total)
	}
	e.bar.Finish()
	e.bar = nil
}
