// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package archive extracts a compressed root-filesystem tarball onto a
// target directory tree, preserving ownership, permissions and
// timestamps, while excluding pseudo-filesystem paths.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultExcludePrefixes are the pseudo-filesystem paths never written
// during a root filesystem install.
var DefaultExcludePrefixes = []string{
	"proc/", "sys/", "dev/", "run/", "tmp/", "mnt/", "media/",
}

// copyBlockSize is the write granularity for entry bodies; each block
// produces one progress tick.
const copyBlockSize = 32 * 1024

// Extractor writes tar entries below a target directory. Entries are
// resolved relative to the target; the process working directory is
// never changed.
type Extractor struct {
	Log *logrus.Logger
	// ExcludePrefixes is matched as a strict leading string against
	// the normalized entry name.
	ExcludePrefixes []string
	// Tick, when non-nil, receives the cumulative number of entry
	// bytes written.
	Tick func(current int64)
}

// TotalSize iterates the archive once, summing entry sizes. Bodies are
// discarded. A zero-length file counts as an empty archive.
func (e *Extractor) TotalSize(ctx context.Context, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if empty, err := isEmpty(f); err != nil || empty {
		return 0, err
	}
	cr, err := openCompressed(f)
	if err != nil {
		return 0, err
	}
	tr := tar.NewReader(cr)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("archive: read entry header: %w", err)
		}
		total += hdr.Size
	}
	return total, nil
}

// Extract reopens the archive and writes every non-excluded entry
// below dir. An error on any entry aborts extraction; partial writes
// are not rolled back.
func (e *Extractor) Extract(ctx context.Context, path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if empty, err := isEmpty(f); err != nil || empty {
		return err
	}
	cr, err := openCompressed(f)
	if err != nil {
		return err
	}

	// Directory mtimes are applied after all children exist, deepest
	// first, so child creation does not bump them again.
	type dirTime struct {
		path  string
		mtime time.Time
	}
	var dirTimes []dirTime

	tr := tar.NewReader(cr)
	var written int64
	// One tick per data block written.
	tick := func(delta int) {
		written += int64(delta)
		if e.Tick != nil {
			e.Tick(written)
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("archive: read entry header: %w", err)
		}
		name := normalizeName(hdr.Name)
		if name == "" || e.excluded(name) {
			if e.Log != nil {
				e.Log.Debugf("skipping excluded entry %s", hdr.Name)
			}
			continue
		}
		outPath, err := securePath(dir, name)
		if err != nil {
			return err
		}
		if err := e.writeEntry(tr, hdr, dir, outPath, tick); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeDir {
			dirTimes = append(dirTimes, dirTime{outPath, hdr.ModTime})
		}
	}
	for i := len(dirTimes) - 1; i >= 0; i-- {
		d := dirTimes[i]
		if err := os.Chtimes(d.path, d.mtime, d.mtime); err != nil {
			return fmt.Errorf("archive: set times on %s: %w", d.path, err)
		}
	}
	return nil
}

func (e *Extractor) excluded(name string) bool {
	for _, prefix := range e.ExcludePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// normalizeName strips leading "/" and "./" so exclusion prefixes and
// target resolution see a clean relative path.
func normalizeName(name string) string {
	for {
		switch {
		case strings.HasPrefix(name, "/"):
			name = name[1:]
		case strings.HasPrefix(name, "./"):
			name = name[2:]
		case name == ".":
			return ""
		default:
			return name
		}
	}
}

// securePath joins name under dir and rejects entries that would
// escape it.
func securePath(dir, name string) (string, error) {
	out := filepath.Join(dir, filepath.FromSlash(name))
	base := filepath.Clean(dir)
	if out != base && !strings.HasPrefix(out, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive: entry %q escapes target directory", name)
	}
	return out, nil
}

func (e *Extractor) writeEntry(tr *tar.Reader, hdr *tar.Header,
	dir, outPath string, tick func(delta int)) error {

	mode := hdr.FileInfo().Mode()
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(outPath, mode.Perm()); err != nil {
			return fmt.Errorf("archive: mkdir %s: %w", outPath, err)
		}
	case tar.TypeReg:
		if err := e.writeFile(tr, hdr, outPath, tick); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := removeExisting(outPath); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, outPath); err != nil {
			return fmt.Errorf("archive: symlink %s: %w", outPath, err)
		}
	case tar.TypeLink:
		if err := removeExisting(outPath); err != nil {
			return err
		}
		targetPath, err := securePath(dir, normalizeName(hdr.Linkname))
		if err != nil {
			return err
		}
		if err := os.Link(targetPath, outPath); err != nil {
			return fmt.Errorf("archive: hardlink %s: %w", outPath, err)
		}
	case tar.TypeChar, tar.TypeBlock:
		if err := removeExisting(outPath); err != nil {
			return err
		}
		devMode := uint32(mode.Perm())
		if hdr.Typeflag == tar.TypeChar {
			devMode |= unix.S_IFCHR
		} else {
			devMode |= unix.S_IFBLK
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := unix.Mknod(outPath, devMode, int(dev)); err != nil {
			return fmt.Errorf("archive: mknod %s: %w", outPath, err)
		}
	case tar.TypeFifo:
		if err := removeExisting(outPath); err != nil {
			return err
		}
		if err := unix.Mkfifo(outPath, uint32(mode.Perm())); err != nil {
			return fmt.Errorf("archive: mkfifo %s: %w", outPath, err)
		}
	case tar.TypeXGlobalHeader:
		return nil
	default:
		if e.Log != nil {
			e.Log.Warnf("skipping unsupported entry type %q: %s",
				hdr.Typeflag, hdr.Name)
		}
		return nil
	}
	return e.applyMetadata(hdr, outPath)
}

func (e *Extractor) writeFile(tr *tar.Reader, hdr *tar.Header,
	outPath string, tick func(delta int)) error {

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("archive: mkdir for %s: %w", outPath, err)
	}
	out, err := os.OpenFile(outPath,
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", outPath, err)
	}
	buf := make([]byte, copyBlockSize)
	for {
		n, rerr := tr.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return fmt.Errorf("archive: write %s: %w", outPath, werr)
			}
			tick(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return fmt.Errorf("archive: read %s: %w", hdr.Name, rerr)
		}
	}
	// Entries must be durable before the boot switch is committed.
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("archive: fsync %s: %w", outPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", outPath, err)
	}
	return nil
}

// applyMetadata restores ownership, mode and mtime. Symlinks get
// ownership only.
func (e *Extractor) applyMetadata(hdr *tar.Header, outPath string) error {
	if err := os.Lchown(outPath, hdr.Uid, hdr.Gid); err != nil {
		return fmt.Errorf("archive: chown %s: %w", outPath, err)
	}
	if hdr.Typeflag == tar.TypeSymlink {
		return nil
	}
	// chown can clear setuid/setgid, so the mode goes on last.
	if err := os.Chmod(outPath, hdr.FileInfo().Mode().Perm()); err != nil {
		return fmt.Errorf("archive: chmod %s: %w", outPath, err)
	}
	if hdr.Typeflag != tar.TypeDir {
		if err := os.Chtimes(outPath, hdr.ModTime, hdr.ModTime); err != nil {
			return fmt.Errorf("archive: set times on %s: %w", outPath, err)
		}
	}
	return nil
}

func removeExisting(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: replace %s: %w", path, err)
	}
	return nil
}

func isEmpty(f *os.File) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	return fi.Size() == 0, nil
}
