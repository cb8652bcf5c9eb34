// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ebg provides the entropy sources consumed by the trust subsystem.
package ebg

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"io"
	"math/bits"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Source represents a random bit generator.
type Source interface {
	// Random fills buf with random bytes.
	Random(buf []byte) error
}

// ReaderSource wraps an io.Reader (e.g. crypto/rand.Reader) as Source.
type ReaderSource struct {
	io.Reader
}

// Random implements Source.
func (r ReaderSource) Random(buf []byte) (err error) {
	_, err = io.ReadFull(r.Reader, buf)
	return
}

// HKDFSource is a deterministic Source expanding a seed with HKDF-SHA512, it
// is meant for emulation and testing only.
type HKDFSource struct {
	sync.Mutex

	seed    []byte
	counter uint64
	r       io.Reader
}

// NewHKDFSource returns a deterministic source for the argument seed.
func NewHKDFSource(seed []byte) *HKDFSource {
	return &HKDFSource{
		seed: append([]byte{}, seed...),
	}
}

func (h *HKDFSource) rekey() {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, h.counter)
	h.counter++

	h.r = hkdf.New(sha512.New, h.seed, salt, []byte("ebg"))
}

// Random implements Source.
func (h *HKDFSource) Random(buf []byte) error {
	h.Lock()
	defer h.Unlock()

	for len(buf) > 0 {
		if h.r == nil {
			h.rekey()
		}

		n, err := h.r.Read(buf[:min(len(buf), sha512.Size)])
		buf = buf[n:]

		// HKDF output is bounded, continue on the next expansion
		if err != nil {
			h.r = nil
		}
	}

	return nil
}

const (
	// RAW_SIZE is the raw entropy consumed for each paranoid block
	RAW_SIZE = 512
	// BLOCK_SIZE is the output size of each paranoid block
	BLOCK_SIZE = sha512.Size
)

// ErrShortRead is returned when the underlying source fails.
var ErrShortRead = errors.New("entropy source failure")

// Paranoid is a Source whitening raw entropy with SHA-512. Each output block
// is the digest of 512 raw bytes, folded again with the same raw bytes
// through a carry chain kept across blocks.
type Paranoid struct {
	sync.Mutex

	Source Source

	c uint32
}

func words(b []byte) []uint32 {
	w := make([]uint32, len(b)/4)

	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*4:])
	}

	return w
}

func (p *Paranoid) block(out []byte) (err error) {
	raw := make([]byte, RAW_SIZE)

	if err = p.Source.Random(raw); err != nil {
		return ErrShortRead
	}

	sum := sha512.Sum512(raw)
	dgst := words(sum[:])
	ebg := words(raw)

	for i := 0; i < len(ebg); i += len(dgst) {
		chunk := ebg[i : i+len(dgst)]

		if p.c != 0 {
			for j := range dgst {
				dgst[j] ^= chunk[j]
			}
		} else {
			var carry uint32

			for j := range dgst {
				dgst[j], carry = bits.Add32(dgst[j], chunk[j], carry)
			}

			p.c ^= carry
		}

		p.c ^= (dgst[0] >> (i / len(dgst))) & 1
	}

	for i, w := range dgst {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}

	for i := range raw {
		raw[i] = 0
	}

	return
}

// Random implements Source.
func (p *Paranoid) Random(buf []byte) (err error) {
	p.Lock()
	defer p.Unlock()

	tmp := make([]byte, BLOCK_SIZE)

	for len(buf) > 0 {
		if err = p.block(tmp); err != nil {
			return
		}

		n := copy(buf, tmp)
		buf = buf[n:]
	}

	return
}
