// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

// Package sigverify checks the RSA-SHA256 signature over a package's
// authenticated region. The region is streamed through the digest in
// fixed-size chunks; it is never held in memory.
package sigverify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
)

// SignatureSize is the only accepted signature length (RSA-2048).
const SignatureSize = 256

// ErrSignatureMismatch means the stream does not match the signature
// under the given key. Any other verification error is a key or I/O
// problem.
var ErrSignatureMismatch = errors.New("sigverify: signature mismatch")

// LoadPublicKey reads an RSA public key from a PEM file, accepting
// both PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("sigverify: no PEM block in %s", path)
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("sigverify: %s is a %T, want RSA", path, key)
		}
		return rsaKey, nil
	}
	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return rsaKey, nil
}

// Verify streams r through SHA-256 and verifies the PKCS#1 v1.5
// signature against pub. tick, when non-nil, is called with the
// cumulative byte count after every chunk. A zero-length stream is an
// error: the authenticated region always holds at least a header.
func Verify(ctx context.Context, pub *rsa.PublicKey, r io.Reader,
	sig []byte, chunkSize int, tick func(current int64)) error {

	if len(sig) != SignatureSize {
		return fmt.Errorf("sigverify: signature must be %d bytes, got %d",
			SignatureSize, len(sig))
	}
	if chunkSize <= 0 {
		return fmt.Errorf("sigverify: invalid chunk size %d", chunkSize)
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			done += int64(n)
			if tick != nil {
				tick(done)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("sigverify: read: %w", err)
		}
	}
	if done == 0 {
		return errors.New("sigverify: empty authenticated region")
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h.Sum(nil), sig); err != nil {
		return ErrSignatureMismatch
	}
	return nil
}
