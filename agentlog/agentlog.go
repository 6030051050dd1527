// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package agentlog sets up logrus the way every iotaupd entry point
// expects it: text to stderr, source and pid stamped on each entry,
// optionally duplicated to a size-rotated log file.
package agentlog

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SourceHook adds source and pid fields if not already set.
type SourceHook struct {
	agentName string
	agentPid  int
}

// Fire adds source and pid if not already set.
func (hook *SourceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["source"]; !ok {
		entry.Data["source"] = hook.agentName
	}
	if _, ok := entry.Data["pid"]; !ok {
		entry.Data["pid"] = hook.agentPid
	}
	return nil
}

// Levels installs the SourceHook for all levels.
func (hook *SourceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Init returns a logger writing to stderr with the standard hooks
// installed.
func Init(agentName string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logger.AddHook(&SourceHook{
		agentName: agentName,
		agentPid:  os.Getpid(),
	})
	return logger
}

// EnableFileOutput duplicates log output to a rotated file at path.
func EnableFileOutput(logger *logrus.Logger, path string) {
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rotated))
}
