// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package iotapkg reads the on-disk .iota firmware package format:
//
//	[ Header (56 bytes) ] [ EncryptedBody ] [ Signature (256 bytes) ]
//
// where EncryptedBody is AES-128-GCM ciphertext followed by the 16-byte
// GCM tag, and Signature is RSA-2048 PKCS#1 v1.5 over everything that
// precedes it.
package iotapkg

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Wire format constants.
const (
	HeaderSize    = 56
	SignatureSize = 256
	TagSize       = 16
	KeySize       = 16
	IVSize        = 12

	// Magic are the first four bytes of every package.
	Magic = "IOTA"
)

// DefaultKey is the built-in AES key used when the operator does not
// supply one.
var DefaultKey = [KeySize]byte{
	0xE9, 0x29, 0x95, 0xAA, 0x05, 0xBD, 0xF2, 0x89,
	0xC4, 0x71, 0xDC, 0x7F, 0x5C, 0x13, 0x34, 0xCD,
}

// Errors surfaced by Open. All three mean the package failed a
// structural integrity check before any cryptography ran.
var (
	ErrBadMagic  = errors.New("iotapkg: bad magic")
	ErrTruncated = errors.New("iotapkg: file length inconsistent with header")
	ErrEmptyBody = errors.New("iotapkg: encrypted body too short to hold a tag")
)

// Header is the fixed little-endian package header. The datetime field
// is an opaque 20-byte build timestamp; it is logged but never parsed.
// Reserved bytes are written as zero but readers must not fail on
// non-zero content.
type Header struct {
	Magic    [4]byte
	DateTime [20]byte
	BodySize uint32
	IV       [IVSize]byte
	Reserved [16]byte
}

// BuildDate returns the datetime field trimmed for display.
func (h Header) BuildDate() string {
	return strings.TrimRight(string(h.DateTime[:]), "\x00 ")
}

// ParseHeader decodes and validates the 56-byte header.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: header needs %d bytes, have %d",
			ErrTruncated, HeaderSize, len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]),
		binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("iotapkg: decode header: %w", err)
	}
	if string(h.Magic[:]) != Magic {
		return h, fmt.Errorf("%w: % x", ErrBadMagic, h.Magic)
	}
	return h, nil
}

// EncodeHeader is the inverse of ParseHeader. It exists for package
// build tooling and tests.
func EncodeHeader(h Header) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		// A fixed-size struct cannot fail to encode.
		panic(err)
	}
	return buf.Bytes()
}

// NewHeader assembles a header for the given body. datetime is
// truncated or space-padded to 20 bytes.
func NewHeader(datetime string, bodySize uint32, iv [IVSize]byte) Header {
	h := Header{BodySize: bodySize, IV: iv}
	copy(h.Magic[:], Magic)
	for i := range h.DateTime {
		h.DateTime[i] = ' '
	}
	copy(h.DateTime[:], datetime)
	return h
}

// Package is an open .iota file with a validated header.
type Package struct {
	Header Header

	f    *os.File
	size int64
}

// Open opens path read-only and validates the package structure: the
// magic, the minimum body size, and that the file length equals
// exactly HeaderSize + BodySize + SignatureSize.
func Open(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	hdr := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, hdr)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: header needs %d bytes, have %d",
			ErrTruncated, HeaderSize, n)
	}
	h, err := ParseHeader(hdr)
	if err != nil {
		f.Close()
		return nil, err
	}
	if h.BodySize < TagSize {
		f.Close()
		return nil, fmt.Errorf("%w: body size %d", ErrEmptyBody, h.BodySize)
	}
	want := int64(HeaderSize) + int64(h.BodySize) + SignatureSize
	if fi.Size() != want {
		f.Close()
		return nil, fmt.Errorf("%w: file is %d bytes, header implies %d",
			ErrTruncated, fi.Size(), want)
	}
	return &Package{Header: h, f: f, size: fi.Size()}, nil
}

// Tag reads the trailing 16 bytes of the encrypted body.
func (p *Package) Tag() ([TagSize]byte, error) {
	var tag [TagSize]byte
	off := int64(HeaderSize) + int64(p.Header.BodySize) - TagSize
	if _, err := p.f.ReadAt(tag[:], off); err != nil {
		return tag, fmt.Errorf("iotapkg: read tag: %w", err)
	}
	return tag, nil
}

// Signature reads the trailing 256-byte RSA signature.
func (p *Package) Signature() ([]byte, error) {
	sig := make([]byte, SignatureSize)
	if _, err := p.f.ReadAt(sig, p.size-SignatureSize); err != nil {
		return nil, fmt.Errorf("iotapkg: read signature: %w", err)
	}
	return sig, nil
}

// AuthenticatedRegion is the byte range covered by the signature:
// header plus encrypted body.
func (p *Package) AuthenticatedRegion() io.Reader {
	return io.NewSectionReader(p.f, 0,
		int64(HeaderSize)+int64(p.Header.BodySize))
}

// CiphertextRegion is the encrypted body without the trailing tag.
func (p *Package) CiphertextRegion() io.Reader {
	return io.NewSectionReader(p.f, HeaderSize,
		int64(p.Header.BodySize)-TagSize)
}

// Close releases the underlying file.
func (p *Package) Close() error {
	return p.f.Close()
}

// DecodeKey decodes a 32-character hex string into an AES-128 key,
// most significant nibble first.
func DecodeKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(s) != 2*KeySize {
		return key, fmt.Errorf("iotapkg: key must be %d hex characters, got %d",
			2*KeySize, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("iotapkg: bad hex key: %w", err)
	}
	copy(key[:], b)
	return key, nil
}
