// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

// Compression identifies the filter wrapped around the tar stream.
type Compression int

// Recognized filters. The decrypted archive is conventionally gzip,
// but the format is not part of the package contract.
const (
	CompressionUnknown Compression = iota
	CompressionGzip
	CompressionBzip2
	CompressionXz
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionBzip2:
		return "bzip2"
	case CompressionXz:
		return "xz"
	}
	return "unknown"
}

var compressionMagics = []struct {
	c     Compression
	magic []byte
}{
	{CompressionGzip, []byte{0x1f, 0x8b}},
	{CompressionBzip2, []byte("BZh")},
	{CompressionXz, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
}

// DetectCompression sniffs the filter from the leading magic bytes.
func DetectCompression(magic []byte) Compression {
	for _, m := range compressionMagics {
		if bytes.HasPrefix(magic, m.magic) {
			return m.c
		}
	}
	return CompressionUnknown
}

// openCompressed wraps f in the decompressor its magic calls for. The
// file position is reset to the start first.
func openCompressed(f *os.File) (io.Reader, error) {
	var magic [6]byte
	n, err := f.ReadAt(magic[:], 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	switch c := DetectCompression(magic[:n]); c {
	case CompressionGzip:
		return gzip.NewReader(f)
	case CompressionBzip2:
		return bzip2.NewReader(f), nil
	case CompressionXz:
		return xz.NewReader(bufio.NewReader(f))
	default:
		return nil, fmt.Errorf("archive: unrecognized compression (magic % x)",
			magic[:n])
	}
}
