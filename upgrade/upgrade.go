// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package upgrade orchestrates the firmware ingestion pipeline: verify
// the package signature, decrypt the payload into a temporary archive,
// extract it onto the target partition, record the package digest and
// commit the boot switch. Every exit path, including cancellation,
// releases the temp file and the inactive mount.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/iotaupd/iotaupd/archive"
	"github.com/iotaupd/iotaupd/bootenv"
	"github.com/iotaupd/iotaupd/fileutil"
	"github.com/iotaupd/iotaupd/gcmstream"
	"github.com/iotaupd/iotaupd/iotapkg"
	"github.com/iotaupd/iotaupd/notify"
	"github.com/iotaupd/iotaupd/progress"
	"github.com/iotaupd/iotaupd/sigverify"
	"github.com/iotaupd/iotaupd/sysops"
)

// Pipeline phase names carried in progress events.
const (
	PhaseVerify  = "verify"
	PhaseDecrypt = "decrypt"
	PhaseExtract = "extract"
)

// digestRecordPath is where the package digest lands, relative to the
// target root.
const digestRecordPath = "var/ota/current.sha256"

// Upgrader runs one upgrade. Build it with New; the zero value is not
// usable.
type Upgrader struct {
	cfg      Config
	log      *logrus.Logger
	ops      sysops.SystemOps
	notifier notify.Notifier
	emitter  *progress.Emitter
	boot     *bootenv.Manager
	cleanup  *cleanup

	// rootDir is the in-place install target. Tests point it at a
	// scratch directory.
	rootDir string

	runID uuid.UUID
}

// New validates cfg and assembles an Upgrader around the given
// dependencies. A nil notifier discards events.
func New(cfg Config, log *logrus.Logger, ops sysops.SystemOps,
	notifier notify.Notifier, emitter *progress.Emitter) (*Upgrader, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if emitter == nil {
		emitter = progress.New(log, notifier, progress.Options{})
	}
	boot := bootenv.New(ops, log)
	runID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return &Upgrader{
		cfg:      cfg,
		log:      log,
		ops:      ops,
		notifier: notifier,
		emitter:  emitter,
		boot:     boot,
		cleanup:  &cleanup{log: log, boot: boot},
		rootDir:  "/",
		runID:    runID,
	}, nil
}

// fail reports err to the notifier and returns it. All pipeline errors
// funnel through here so subscribers see them with their exit code.
func (u *Upgrader) fail(err error) error {
	u.notifier.ErrorOccurred(int32(ExitCode(err)), err.Error())
	return err
}

// Run executes the pipeline. On return, successful or not, the temp
// archive is removed and the inactive mount released. When cfg.Reboot
// is set and the boot switch was committed, Run only returns if the
// reboot request itself fails.
func (u *Upgrader) Run(ctx context.Context) error {
	u.log.WithFields(logrus.Fields{
		"run":   u.runID.String(),
		"image": u.cfg.ImagePath,
	}).Info("starting upgrade")
	defer u.cleanup.Run()

	if err := u.preflight(); err != nil {
		return u.fail(err)
	}

	pkg, err := iotapkg.Open(u.cfg.ImagePath)
	if err != nil {
		return u.fail(classifyPackageErr(err))
	}
	defer pkg.Close()
	u.log.Infof("package %s: body %d bytes, built %s",
		u.cfg.ImagePath, pkg.Header.BodySize, pkg.Header.BuildDate())

	if err := u.verify(ctx, pkg); err != nil {
		return u.fail(err)
	}

	tempPath, err := u.decrypt(ctx, pkg)
	if err != nil {
		return u.fail(err)
	}

	target, installed, err := u.prepareTarget()
	if err != nil {
		return u.fail(err)
	}

	if err := u.extract(ctx, tempPath, target); err != nil {
		return u.fail(err)
	}

	u.recordDigest(target)

	if !u.cfg.InPlace {
		// Everything written to the new partition must hit stable
		// storage before the bootloader is told to use it.
		unix.Sync()
		if err := u.boot.CommitSwitch(installed); err != nil {
			return u.fail(&PartialCommitError{Err: err})
		}
	}

	if err := u.cleanup.Run(); err != nil {
		return u.fail(&IOError{Err: err})
	}

	u.notifier.MessageLogged("upgrade complete")
	u.log.WithField("run", u.runID.String()).Info("upgrade complete")

	if u.cfg.Reboot && !u.cfg.InPlace {
		if err := u.boot.Reboot(u.cfg.RebootGrace); err != nil {
			return u.fail(&IOError{Err: err})
		}
	}
	return nil
}

// preflight resolves the external tools before anything is touched and
// probes free space in the temp directory.
func (u *Upgrader) preflight() error {
	tools := []string{sysops.Sha256Tool}
	if !u.cfg.InPlace {
		tools = append(tools, sysops.FWPrintenvTool, sysops.FWSetenvTool,
			sysops.MountTool, sysops.UmountTool)
	}
	if u.cfg.Reboot && !u.cfg.InPlace {
		tools = append(tools, sysops.RebootTool)
	}
	for _, tool := range tools {
		if _, err := u.ops.LookPath(tool); err != nil {
			return &ConfigError{Err: fmt.Errorf("required tool %s not on PATH: %w",
				tool, err)}
		}
	}
	if free, err := fileutil.FreeSpace(u.cfg.TempDir); err == nil {
		u.log.Debugf("%s has %d bytes free", u.cfg.TempDir, free)
		if fi, serr := os.Stat(u.cfg.ImagePath); serr == nil &&
			free < uint64(fi.Size()) {
			u.log.Warnf("%s has %d bytes free, package is %d; decryption may fail",
				u.cfg.TempDir, free, fi.Size())
		}
	}
	return nil
}

// verify checks the RSA signature over the header and encrypted body.
func (u *Upgrader) verify(ctx context.Context, pkg *iotapkg.Package) error {
	if u.cfg.SkipVerify {
		u.log.Warn("signature verification skipped")
		return nil
	}
	pub, err := sigverify.LoadPublicKey(u.cfg.PublicKeyPath)
	if err != nil {
		return &ConfigError{Err: err}
	}
	sig, err := pkg.Signature()
	if err != nil {
		return &IOError{Err: err}
	}
	total := int64(iotapkg.HeaderSize) + int64(pkg.Header.BodySize)
	u.emitter.Start(PhaseVerify, total)
	err = sigverify.Verify(ctx, pub, pkg.AuthenticatedRegion(), sig,
		u.cfg.ChunkSize, func(current int64) {
			u.emitter.Tick(PhaseVerify, current, total)
		})
	if err != nil {
		u.emitter.Abort(PhaseVerify)
		if errors.Is(err, sigverify.ErrSignatureMismatch) {
			return &IntegrityError{Err: err}
		}
		if ctx.Err() != nil {
			return err
		}
		return &IOError{Err: err}
	}
	u.emitter.Done(PhaseVerify, total)
	u.log.Info("package signature verified")
	return nil
}

// decrypt streams the ciphertext into the temp archive and verifies the
// GCM tag. The temp path is registered for cleanup before the first
// byte is written.
func (u *Upgrader) decrypt(ctx context.Context, pkg *iotapkg.Package) (string, error) {
	key, err := u.cfg.Key()
	if err != nil {
		return "", &ConfigError{Err: err}
	}
	tag, err := pkg.Tag()
	if err != nil {
		return "", &IOError{Err: err}
	}
	tempPath := filepath.Join(u.cfg.TempDir, TempArchiveName)
	u.cleanup.tempPath = tempPath
	out, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", &IOError{Err: err}
	}

	if u.cfg.SkipAuthTag {
		u.log.Warn("authentication tag check skipped")
	}
	total := int64(pkg.Header.BodySize) - iotapkg.TagSize
	u.emitter.Start(PhaseDecrypt, total)
	err = gcmstream.Decrypt(ctx, out, pkg.CiphertextRegion(), key,
		pkg.Header.IV, total, tag, gcmstream.Options{
			ChunkSize:    u.cfg.ChunkSize,
			SkipTagCheck: u.cfg.SkipAuthTag,
			Tick: func(current int64) {
				u.emitter.Tick(PhaseDecrypt, current, total)
			},
		})
	if err != nil {
		out.Close()
		u.emitter.Abort(PhaseDecrypt)
		if errors.Is(err, gcmstream.ErrTagMismatch) {
			return "", &IntegrityError{Err: err}
		}
		if ctx.Err() != nil {
			return "", err
		}
		return "", &IOError{Err: err}
	}
	if err := out.Close(); err != nil {
		return "", &IOError{Err: err}
	}
	u.emitter.Done(PhaseDecrypt, total)
	u.log.Infof("decrypted %d bytes to %s", total, tempPath)
	return tempPath, nil
}

// prepareTarget returns the directory to extract into. In standard mode
// it mounts the inactive partition and also returns its name for the
// later boot switch.
func (u *Upgrader) prepareTarget() (target, installed string, err error) {
	if u.cfg.InPlace {
		u.log.Warn("in-place mode: installing onto the live root filesystem")
		return u.rootDir, "", nil
	}
	if err := os.MkdirAll(u.boot.MountPoint, 0755); err != nil {
		return "", "", &IOError{Err: err}
	}
	part, err := u.boot.MountInactive()
	if err != nil {
		return "", "", &IOError{Err: err}
	}
	return u.boot.MountPoint, part, nil
}

// extract unpacks the decrypted archive onto target, excluding the
// pseudo-filesystem paths.
func (u *Upgrader) extract(ctx context.Context, tempPath, target string) error {
	ex := &archive.Extractor{
		Log:             u.log,
		ExcludePrefixes: archive.DefaultExcludePrefixes,
	}
	total, err := ex.TotalSize(ctx, tempPath)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &IOError{Err: err}
	}
	u.emitter.Start(PhaseExtract, total)
	ex.Tick = func(current int64) {
		u.emitter.Tick(PhaseExtract, current, total)
	}
	if err := ex.Extract(ctx, tempPath, target); err != nil {
		u.emitter.Abort(PhaseExtract)
		if ctx.Err() != nil {
			return err
		}
		return &IOError{Err: err}
	}
	u.emitter.Done(PhaseExtract, total)
	u.log.Infof("extracted %d bytes to %s", total, target)
	return nil
}

// recordDigest writes the sha256sum of the source package onto the
// target so the running system can report what it was installed from.
// Failure is logged but never fails the upgrade.
func (u *Upgrader) recordDigest(target string) {
	out, err := u.ops.Sha256Sum(u.cfg.ImagePath)
	if err != nil {
		u.log.Warnf("record digest: %v", err)
		return
	}
	path := filepath.Join(target, digestRecordPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		u.log.Warnf("record digest: %v", err)
		return
	}
	if err := fileutil.WriteRename(path, []byte(out)); err != nil {
		u.log.Warnf("record digest: %v", err)
		return
	}
	u.log.Infof("package digest recorded at %s", path)
}

// classifyPackageErr maps package open failures: structural format
// errors are integrity failures, everything else is I/O.
func classifyPackageErr(err error) error {
	switch {
	case errors.Is(err, iotapkg.ErrBadMagic),
		errors.Is(err, iotapkg.ErrTruncated),
		errors.Is(err, iotapkg.ErrEmptyBody):
		return &IntegrityError{Err: err}
	}
	return &IOError{Err: err}
}
