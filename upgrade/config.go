// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"fmt"
	"time"

	"github.com/iotaupd/iotaupd/gcmstream"
	"github.com/iotaupd/iotaupd/iotapkg"
)

// TempArchiveName is the name of the decrypted archive in the temp
// directory while an upgrade is in flight.
const TempArchiveName = "upgrade_firmware.tar.gz"

// Config holds one upgrade invocation. Zero values for the optional
// fields are filled in by Validate.
type Config struct {
	// ImagePath is the .iota package to install. Required.
	ImagePath string
	// PublicKeyPath is the PEM file holding the RSA verification key.
	// Required unless SkipVerify is set.
	PublicKeyPath string
	// SkipVerify disables the signature check.
	SkipVerify bool
	// KeyHex overrides the built-in decryption key; exactly 32 hex
	// characters when set.
	KeyHex string
	// SkipAuthTag disables GCM tag verification. Development only.
	SkipAuthTag bool
	// InPlace installs onto the live root filesystem and skips the
	// boot switch.
	InPlace bool
	// ChunkSize is the streaming buffer size for verification and
	// decryption.
	ChunkSize int
	// TempDir holds the decrypted archive between decryption and
	// extraction.
	TempDir string
	// Reboot requests a reboot after a committed standard upgrade.
	Reboot bool
	// RebootGrace is the delay between commit and reboot.
	RebootGrace time.Duration
}

// Validate checks required fields and fills defaults. Errors are
// ConfigErrors: the caller exits before touching anything.
func (c *Config) Validate() error {
	if c.ImagePath == "" {
		return &ConfigError{Err: fmt.Errorf("no package image given")}
	}
	if !c.SkipVerify && c.PublicKeyPath == "" {
		return &ConfigError{Err: fmt.Errorf("no public key given and verification not skipped")}
	}
	if c.KeyHex != "" {
		if _, err := iotapkg.DecodeKey(c.KeyHex); err != nil {
			return &ConfigError{Err: err}
		}
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = gcmstream.DefaultChunkSize
	}
	if c.ChunkSize < gcmstream.MinChunkSize {
		return &ConfigError{Err: fmt.Errorf("chunk size %d below minimum %d",
			c.ChunkSize, gcmstream.MinChunkSize)}
	}
	if c.TempDir == "" {
		c.TempDir = "/tmp"
	}
	if c.RebootGrace == 0 {
		c.RebootGrace = 3 * time.Second
	}
	return nil
}

// Key returns the effective decryption key.
func (c *Config) Key() ([iotapkg.KeySize]byte, error) {
	if c.KeyHex == "" {
		return iotapkg.DefaultKey, nil
	}
	return iotapkg.DecodeKey(c.KeyHex)
}
