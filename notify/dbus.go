// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	dbusName      = "io.iotaupd.Updater1"
	dbusPath      = dbus.ObjectPath("/io/iotaupd/Updater1")
	dbusInterface = "io.iotaupd.Updater1"
)

// DBus emits pipeline events as signals on the system bus. The
// connection is owned by the notifier and released by Close.
type DBus struct {
	conn *dbus.Conn
	log  *logrus.Logger
}

// NewDBus connects to the system bus and claims the updater name.
func NewDBus(log *logrus.Logger) (*DBus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request name %s: %w", dbusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		log.Warnf("dbus name %s already owned, emitting anyway", dbusName)
	}
	return &DBus{conn: conn, log: log}, nil
}

func (d *DBus) emit(member string, values ...interface{}) {
	// Emission failures are never fatal to an upgrade.
	if err := d.conn.Emit(dbusPath, dbusInterface+"."+member, values...); err != nil {
		d.log.Warnf("dbus emit %s: %v", member, err)
	}
}

// ProgressChanged emits the progress tuple.
func (d *DBus) ProgressChanged(phase string, percent int, total, current int64) {
	d.emit("ProgressChanged", phase, int32(percent), total, current)
}

// MessageLogged emits an informational message.
func (d *DBus) MessageLogged(text string) {
	d.emit("MessageLogged", text)
}

// ErrorOccurred emits an error event.
func (d *DBus) ErrorOccurred(code int32, text string) {
	d.emit("ErrorOccurred", code, text)
}

// Close releases the bus name and connection.
func (d *DBus) Close() error {
	if _, err := d.conn.ReleaseName(dbusName); err != nil {
		d.log.Warnf("release dbus name: %v", err)
	}
	return d.conn.Close()
}
