// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaupd/iotaupd/iotapkg"
	"github.com/iotaupd/iotaupd/notify"
	"github.com/iotaupd/iotaupd/sysops"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// recorder captures notifier events for assertions.
type recorder struct {
	mu       sync.Mutex
	errors   []string
	messages []string
	progress int
}

func (r *recorder) ProgressChanged(string, int, int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress++
}

func (r *recorder) MessageLogged(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
}

func (r *recorder) ErrorOccurred(code int32, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, text)
}

func (r *recorder) Close() error { return nil }

// makeTarGz builds a gzip tar from name to content.
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(content)),
			ModTime: time.Unix(1700000000, 0),
			Uid:     os.Getuid(),
			Gid:     os.Getgid(),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := io.WriteString(tw, content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// buildPackage encrypts and signs plaintext into a .iota file and
// writes the matching public key alongside it.
func buildPackage(t *testing.T, plaintext []byte,
	key [iotapkg.KeySize]byte) (pkgPath, pubPath string) {

	t.Helper()
	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var iv [iotapkg.IVSize]byte
	_, err = rand.Read(iv[:])
	require.NoError(t, err)

	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	body := aead.Seal(nil, iv[:], plaintext, nil)

	hdr := iotapkg.NewHeader("2026-08-20 12:00:00", uint32(len(body)), iv)
	authRegion := append(iotapkg.EncodeHeader(hdr), body...)
	digest := sha256.Sum256(authRegion)
	sig, err := rsa.SignPKCS1v15(rand.Reader, signer, crypto.SHA256, digest[:])
	require.NoError(t, err)

	dir := t.TempDir()
	pkgPath = filepath.Join(dir, "fw.iota")
	require.NoError(t, os.WriteFile(pkgPath,
		append(authRegion, sig...), 0600))

	der, err := x509.MarshalPKIXPublicKey(&signer.PublicKey)
	require.NoError(t, err)
	pubPath = filepath.Join(dir, "fw.pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(
		&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0600))
	return pkgPath, pubPath
}

// newTestUpgrader wires an Upgrader to a fake SystemOps with the mount
// point and temp dir redirected into scratch directories.
func newTestUpgrader(t *testing.T, cfg Config,
	rec *recorder) (*Upgrader, *sysops.Fake, string) {

	t.Helper()
	fake := sysops.NewFake()
	fake.Env["rootfs_part"] = "ubi0:rootfs_a"
	fake.Env["rootfs_avail_parts"] = "ubi0:rootfs_a ubi0:rootfs_b"

	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	var notifier notify.Notifier
	if rec != nil {
		notifier = rec
	}
	u, err := New(cfg, testLogger(), fake, notifier, nil)
	require.NoError(t, err)

	target := t.TempDir()
	u.boot.MountPoint = target
	u.rootDir = t.TempDir()
	return u, fake, target
}

func TestUpgradeStandardMode(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{
		"etc/version": "2.0\n",
		"bin/agent":   "binary",
	})
	pkgPath, pubPath := buildPackage(t, plaintext, iotapkg.DefaultKey)

	tempDir := t.TempDir()
	rec := &recorder{}
	u, fake, target := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
		TempDir:       tempDir,
	}, rec)

	require.NoError(t, u.Run(context.Background()))

	data, err := os.ReadFile(filepath.Join(target, "etc/version"))
	require.NoError(t, err)
	assert.Equal(t, "2.0\n", string(data))

	// Digest record lands on the target partition.
	_, err = os.Stat(filepath.Join(target, "var/ota/current.sha256"))
	assert.NoError(t, err)

	// Boot switch committed exactly once, to the other partition.
	assert.Equal(t, []string{"fw_setenv rootfs_part ubi0:rootfs_b"},
		fake.CallsMatching("fw_setenv"))

	// Temp archive removed, mount released.
	_, err = os.Stat(filepath.Join(tempDir, TempArchiveName))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, fake.Mounts)

	assert.Empty(t, rec.errors)
	assert.Contains(t, rec.messages, "upgrade complete")
	assert.False(t, fake.Rebooted)
}

func TestUpgradeCommitFollowsInstall(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, pubPath := buildPackage(t, plaintext, iotapkg.DefaultKey)

	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
	}, nil)
	require.NoError(t, u.Run(context.Background()))

	calls := fake.Calls()
	idx := func(prefix string) int {
		for i, c := range calls {
			if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
				return i
			}
		}
		return -1
	}
	mountIdx := idx("mount")
	commitIdx := idx("fw_setenv")
	umountIdx := idx("umount")
	require.GreaterOrEqual(t, mountIdx, 0)
	require.GreaterOrEqual(t, commitIdx, 0)
	require.GreaterOrEqual(t, umountIdx, 0)
	assert.Less(t, mountIdx, commitIdx)
	assert.Less(t, commitIdx, umountIdx)
}

func TestUpgradeBadSignature(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, pubPath := buildPackage(t, plaintext, iotapkg.DefaultKey)

	// Corrupt one ciphertext byte; the signature no longer matches.
	data, err := os.ReadFile(pkgPath)
	require.NoError(t, err)
	data[iotapkg.HeaderSize] ^= 0x01
	require.NoError(t, os.WriteFile(pkgPath, data, 0600))

	tempDir := t.TempDir()
	rec := &recorder{}
	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
		TempDir:       tempDir,
	}, rec)

	err = u.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, ExitCode(err))

	// No plaintext was written and no commit happened.
	_, statErr := os.Stat(filepath.Join(tempDir, TempArchiveName))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, fake.CallsMatching("fw_setenv"))
	assert.NotEmpty(t, rec.errors)
}

func TestUpgradeBadTag(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, _ := buildPackage(t, plaintext, iotapkg.DefaultKey)

	// Decrypt with a different key so only the GCM check fails.
	tempDir := t.TempDir()
	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:  pkgPath,
		SkipVerify: true,
		KeyHex:     "162995aa05bdf289c471dc7f5c1334cd",
		TempDir:    tempDir,
	}, nil)

	err := u.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, ExitCode(err))

	// Temp file is cleaned up even though decryption started.
	_, statErr := os.Stat(filepath.Join(tempDir, TempArchiveName))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, fake.CallsMatching("mount"))
	assert.Empty(t, fake.CallsMatching("fw_setenv"))
}

func TestUpgradeSkipVerify(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, _ := buildPackage(t, plaintext, iotapkg.DefaultKey)

	u, fake, target := newTestUpgrader(t, Config{
		ImagePath:  pkgPath,
		SkipVerify: true,
	}, nil)
	require.NoError(t, u.Run(context.Background()))

	_, err := os.Stat(filepath.Join(target, "etc/version"))
	assert.NoError(t, err)
	assert.Len(t, fake.CallsMatching("fw_setenv"), 1)
}

func TestUpgradeInPlace(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "3.0\n"})
	pkgPath, pubPath := buildPackage(t, plaintext, iotapkg.DefaultKey)

	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
		InPlace:       true,
	}, nil)
	require.NoError(t, u.Run(context.Background()))

	// Writes land under the live root; no mount, no boot switch.
	data, err := os.ReadFile(filepath.Join(u.rootDir, "etc/version"))
	require.NoError(t, err)
	assert.Equal(t, "3.0\n", string(data))
	_, err = os.Stat(filepath.Join(u.rootDir, "var/ota/current.sha256"))
	assert.NoError(t, err)

	assert.Empty(t, fake.CallsMatching("mount"))
	assert.Empty(t, fake.CallsMatching("umount"))
	assert.Empty(t, fake.CallsMatching("fw_setenv"))
}

func TestUpgradeEmptyArchive(t *testing.T) {
	// A package whose plaintext is zero bytes installs nothing but
	// still records the digest and commits the switch.
	pkgPath, pubPath := buildPackage(t, nil, iotapkg.DefaultKey)

	u, fake, target := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
	}, nil)
	require.NoError(t, u.Run(context.Background()))

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "var", entries[0].Name())
	assert.Len(t, fake.CallsMatching("fw_setenv"), 1)
}

func TestUpgradeCustomKey(t *testing.T) {
	key, err := iotapkg.DecodeKey("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, pubPath := buildPackage(t, plaintext, key)

	u, _, target := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
		KeyHex:        "000102030405060708090a0b0c0d0e0f",
	}, nil)
	require.NoError(t, u.Run(context.Background()))

	_, err = os.Stat(filepath.Join(target, "etc/version"))
	assert.NoError(t, err)
}

func TestUpgradeMissingTool(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, pubPath := buildPackage(t, plaintext, iotapkg.DefaultKey)

	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
	}, nil)
	fake.Missing[sysops.FWSetenvTool] = true

	err := u.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitConfig, ExitCode(err))
	assert.Empty(t, fake.CallsMatching("mount"))
}

func TestUpgradeCommitFailure(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, pubPath := buildPackage(t, plaintext, iotapkg.DefaultKey)

	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
	}, nil)
	fake.Errs["fw_setenv"] = assert.AnError

	err := u.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitPartialCommit, ExitCode(err))

	// Cleanup still releases the mount.
	assert.Empty(t, fake.Mounts)
}

func TestUpgradeBadPackageStructure(t *testing.T) {
	pkgPath := filepath.Join(t.TempDir(), "junk.iota")
	require.NoError(t, os.WriteFile(pkgPath,
		bytes.Repeat([]byte{0xFF}, 400), 0600))

	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:  pkgPath,
		SkipVerify: true,
	}, nil)

	err := u.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitIntegrity, ExitCode(err))
	assert.Empty(t, fake.CallsMatching("fw_setenv"))
}

func TestUpgradeReboot(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, pubPath := buildPackage(t, plaintext, iotapkg.DefaultKey)

	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
		Reboot:        true,
		RebootGrace:   time.Millisecond,
	}, nil)
	require.NoError(t, u.Run(context.Background()))
	assert.True(t, fake.Rebooted)

	// Reboot was requested only after the temp file and mount were
	// released.
	calls := fake.Calls()
	assert.Equal(t, "reboot", calls[len(calls)-1])
}

func TestUpgradeCanceled(t *testing.T) {
	plaintext := makeTarGz(t, map[string]string{"etc/version": "2.0\n"})
	pkgPath, pubPath := buildPackage(t, plaintext, iotapkg.DefaultKey)

	tempDir := t.TempDir()
	u, fake, _ := newTestUpgrader(t, Config{
		ImagePath:     pkgPath,
		PublicKeyPath: pubPath,
		TempDir:       tempDir,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := u.Run(ctx)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(tempDir, TempArchiveName))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, fake.CallsMatching("fw_setenv"))
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"missing image", Config{PublicKeyPath: "k.pem"}, false},
		{"missing key when verifying", Config{ImagePath: "a.iota"}, false},
		{"skip verify needs no key", Config{
			ImagePath: "a.iota", SkipVerify: true}, true},
		{"bad hex key", Config{
			ImagePath: "a.iota", SkipVerify: true, KeyHex: "zz"}, false},
		{"chunk too small", Config{
			ImagePath: "a.iota", SkipVerify: true, ChunkSize: 8}, false},
		{"complete", Config{
			ImagePath: "a.iota", PublicKeyPath: "k.pem"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, 4096, tc.cfg.ChunkSize)
				assert.Equal(t, "/tmp", tc.cfg.TempDir)
			} else {
				require.Error(t, err)
				assert.Equal(t, ExitConfig, ExitCode(err))
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(&ConfigError{Err: assert.AnError}))
	assert.Equal(t, ExitIntegrity, ExitCode(&IntegrityError{Err: assert.AnError}))
	assert.Equal(t, ExitIO, ExitCode(&IOError{Err: assert.AnError}))
	assert.Equal(t, ExitPartialCommit,
		ExitCode(&PartialCommitError{Err: assert.AnError}))
	assert.Equal(t, ExitGeneric, ExitCode(assert.AnError))
}
