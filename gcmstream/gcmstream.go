// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package gcmstream decrypts AES-128-GCM content of arbitrary size
// using a fixed-size working buffer. The standard library AEAD is
// one-shot and would require the whole body in memory; here the CTR
// keystream and the GHASH tag computation are run incrementally so
// peak heap stays O(chunk size) however large the firmware image is.
package gcmstream

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Cipher geometry. The package format pins AES-128 with a 96-bit IV
// and a full 16-byte tag.
const (
	KeySize          = 16
	IVSize           = 12
	TagSize          = 16
	MinChunkSize     = 16
	DefaultChunkSize = 4096
)

// maxCiphertext is the GCM limit of 2^32-2 blocks. Below it the
// standard CTR stream and GCM's 32-bit counter increment agree, so the
// stdlib CTR implementation can supply the keystream.
const maxCiphertext = int64(1<<32-2) * 16

// ErrTagMismatch means the ciphertext or tag was altered; the written
// plaintext must not be trusted.
var ErrTagMismatch = errors.New("gcmstream: authentication tag mismatch")

// Options tune a Decrypt call.
type Options struct {
	// ChunkSize is the working buffer size; minimum one AES block,
	// default DefaultChunkSize.
	ChunkSize int
	// SkipTagCheck disables tag verification. Development only; the
	// caller is expected to log loudly.
	SkipTagCheck bool
	// Tick, when non-nil, is called with the cumulative ciphertext
	// byte count after every chunk.
	Tick func(current int64)
}

// Decrypt reads exactly ciphertextLen bytes from r, writes the
// decrypted plaintext to w, and verifies the GCM tag unless skipped.
// On error the plaintext may have been partially written and must be
// discarded by the caller.
func Decrypt(ctx context.Context, w io.Writer, r io.Reader,
	key [KeySize]byte, iv [IVSize]byte, ciphertextLen int64,
	expectedTag [TagSize]byte, opts Options) error {

	chunk := opts.ChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	if chunk < MinChunkSize {
		return fmt.Errorf("gcmstream: chunk size %d below minimum %d",
			chunk, MinChunkSize)
	}
	if ciphertextLen < 0 || ciphertextLen > maxCiphertext {
		return fmt.Errorf("gcmstream: ciphertext length %d out of range",
			ciphertextLen)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}

	// H = E_K(0^128); J0 = IV || 0^31 || 1 for 96-bit IVs.
	var h [16]byte
	block.Encrypt(h[:], h[:])
	gh := newGHASH(h[:])

	var j0 [16]byte
	copy(j0[:], iv[:])
	j0[15] = 1

	var tagMask [16]byte
	block.Encrypt(tagMask[:], j0[:])

	// The payload keystream starts at inc32(J0).
	ctr := j0
	binary.BigEndian.PutUint32(ctr[12:16],
		binary.BigEndian.Uint32(ctr[12:16])+1)
	stream := cipher.NewCTR(block, ctr[:])

	buf := make([]byte, chunk)
	var done int64
	for done < ciphertextLen {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(chunk)
		if remaining := ciphertextLen - done; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return fmt.Errorf("gcmstream: short ciphertext read: %w", err)
		}
		// The tag covers ciphertext, so hash before decrypting in place.
		gh.update(buf[:n])
		stream.XORKeyStream(buf[:n], buf[:n])
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("gcmstream: write plaintext: %w", err)
		}
		done += n
		if opts.Tick != nil {
			opts.Tick(done)
		}
	}

	if opts.SkipTagCheck {
		return nil
	}
	s := gh.finish()
	var tag [TagSize]byte
	for i := range tag {
		tag[i] = s[i] ^ tagMask[i]
	}
	if subtle.ConstantTimeCompare(tag[:], expectedTag[:]) != 1 {
		return ErrTagMismatch
	}
	return nil
}
