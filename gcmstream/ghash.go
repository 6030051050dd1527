// Copyright (c) 2026 the iotaupd authors
// SPDX-License-Identifier: Apache-2.0

package gcmstream

import "encoding/binary"

// gfElement is a GF(2^128) field element, split into the high and low
// 64-bit halves of the big-endian block.
type gfElement struct {
	hi, lo uint64
}

// gfMul multiplies x by y per Algorithm 1 of NIST SP 800-38D: Z starts
// at zero, V at y, and each set bit of x (most significant first)
// accumulates V, which is divided by the field polynomial as it shifts.
func gfMul(x, y gfElement) gfElement {
	var z gfElement
	v := y
	for i := 0; i < 128; i++ {
		var bit uint64
		if i < 64 {
			bit = (x.hi >> (63 - uint(i))) & 1
		} else {
			bit = (x.lo >> (127 - uint(i))) & 1
		}
		if bit == 1 {
			z.hi ^= v.hi
			z.lo ^= v.lo
		}
		lsb := v.lo & 1
		v.lo = v.lo>>1 | v.hi<<63
		v.hi >>= 1
		if lsb == 1 {
			v.hi ^= 0xe100000000000000
		}
	}
	return z
}

// ghash incrementally computes GHASH_H over the ciphertext. There is
// never any additional authenticated data in the package format, so
// the AAD length is fixed at zero.
type ghash struct {
	h   gfElement
	y   gfElement
	buf [16]byte
	n   int    // bytes buffered in buf
	len uint64 // total bytes absorbed
}

func newGHASH(h []byte) *ghash {
	return &ghash{h: gfElement{
		hi: binary.BigEndian.Uint64(h[0:8]),
		lo: binary.BigEndian.Uint64(h[8:16]),
	}}
}

func (g *ghash) absorb(block []byte) {
	g.y.hi ^= binary.BigEndian.Uint64(block[0:8])
	g.y.lo ^= binary.BigEndian.Uint64(block[8:16])
	g.y = gfMul(g.y, g.h)
}

// update absorbs p, carrying any partial block to the next call.
func (g *ghash) update(p []byte) {
	g.len += uint64(len(p))
	if g.n > 0 {
		n := copy(g.buf[g.n:], p)
		g.n += n
		p = p[n:]
		if g.n < 16 {
			return
		}
		g.absorb(g.buf[:])
		g.n = 0
	}
	for len(p) >= 16 {
		g.absorb(p[:16])
		p = p[16:]
	}
	if len(p) > 0 {
		g.n = copy(g.buf[:], p)
	}
}

// finish pads the final partial block, absorbs the length block and
// returns the GHASH output.
func (g *ghash) finish() [16]byte {
	if g.n > 0 {
		for i := g.n; i < 16; i++ {
			g.buf[i] = 0
		}
		g.absorb(g.buf[:])
		g.n = 0
	}
	var lenBlock [16]byte
	// [len(AAD) in bits = 0][len(C) in bits]
	binary.BigEndian.PutUint64(lenBlock[8:16], g.len*8)
	g.absorb(lenBlock[:])

	var out [16]byte
	binary.BigEndian.PutUint64(out[0:8], g.y.hi)
	binary.BigEndian.PutUint64(out[8:16], g.y.lo)
	return out
}
