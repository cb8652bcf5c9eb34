// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bn implements the fixed size big integers exchanged with the
// bignum engines.
//
// Arithmetic is limited to what software needs around the hardware units
// (comparison, modular addition, reduction by repeated subtraction), all
// multiplicative operations are performed by the engines.
package bn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"math/bits"
	"strings"

	"github.com/f-secure-foundry/crucible/util"
)

const (
	// WORDS is the number of 32-bit words of an Int
	WORDS = 17
	// BITS is the curve field size
	BITS = 521
	// SIZE is the byte size of an Int
	SIZE = WORDS * 4
	// TOP_MASK masks the significant bits of the most significant word
	TOP_MASK = 1<<(BITS%32) - 1
)

// ErrOverflow is returned when a value does not fit an Int.
var ErrOverflow = errors.New("value exceeds bignum size")

// Int is a 544-bit unsigned integer stored as little endian 32-bit words.
// Values exchanged with the curve engines use only the low 521 bits.
type Int [WORDS]uint32

// FromUint32 returns an Int holding v.
func FromUint32(v uint32) (x Int) {
	x[0] = v
	return
}

// IsZero returns whether x is zero.
func (x *Int) IsZero() bool {
	var acc uint32

	for _, w := range x {
		acc |= w
	}

	return acc == 0
}

// Cmp compares x and y and returns -1, 0 or +1.
func (x *Int) Cmp(y *Int) int {
	for i := WORDS - 1; i >= 0; i-- {
		switch {
		case x[i] < y[i]:
			return -1
		case x[i] > y[i]:
			return 1
		}
	}

	return 0
}

// Add sets x = x + y and returns the carry out of the most significant word.
func (x *Int) Add(y *Int) (carry uint32) {
	for i := 0; i < WORDS; i++ {
		x[i], carry = bits.Add32(x[i], y[i], carry)
	}

	return
}

// Sub sets x = x - y and returns the borrow out of the most significant word.
func (x *Int) Sub(y *Int) (borrow uint32) {
	for i := 0; i < WORDS; i++ {
		x[i], borrow = bits.Sub32(x[i], y[i], borrow)
	}

	return
}

// Mod reduces x modulo m by repeated subtraction, m must not be zero.
func (x *Int) Mod(m *Int) {
	for x.Cmp(m) >= 0 {
		x.Sub(m)
	}
}

// AddMod sets x = (x + y) mod m.
func (x *Int) AddMod(y *Int, m *Int) {
	x.Add(y)
	x.Mod(m)
}

// InRange returns whether 0 < x < max.
func (x *Int) InRange(max *Int) bool {
	return !x.IsZero() && x.Cmp(max) < 0
}

// Bit returns the value of bit i.
func (x *Int) Bit(i int) uint32 {
	return (x[i/32] >> (i % 32)) & 1
}

// Truncate clears all bits above BITS.
func (x *Int) Truncate() {
	x[WORDS-1] &= TOP_MASK
}

// Wipe zeroes x.
func (x *Int) Wipe() {
	for i := range x {
		x[i] = 0
	}
}

// Bytes returns the big endian encoding of x.
func (x *Int) Bytes() []byte {
	buf := make([]byte, SIZE)

	for i, w := range x {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	return util.SwitchEndianness(buf)
}

// SetBytes sets x to the big endian encoded value b.
func (x *Int) SetBytes(b []byte) error {
	if len(b) > SIZE {
		for _, c := range b[:len(b)-SIZE] {
			if c != 0 {
				return ErrOverflow
			}
		}

		b = b[len(b)-SIZE:]
	}

	buf := make([]byte, SIZE)
	copy(buf[SIZE-len(b):], b)
	util.SwitchEndianness(buf)

	for i := range x {
		x[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}

	return nil
}

// FromBytes returns the Int encoded in big endian order by b.
func FromBytes(b []byte) (x Int, err error) {
	err = x.SetBytes(b)
	return
}

// Big returns x as a math/big integer.
func (x *Int) Big() *big.Int {
	return new(big.Int).SetBytes(x.Bytes())
}

// FromBig returns v as an Int.
func FromBig(v *big.Int) (x Int, err error) {
	if v.Sign() < 0 || v.BitLen() > WORDS*32 {
		return x, ErrOverflow
	}

	err = x.SetBytes(v.Bytes())

	return
}

// String returns x as hexadecimal words, most significant first.
func (x Int) String() string {
	var s strings.Builder

	for i := WORDS - 1; i >= 0; i-- {
		fmt.Fprintf(&s, "%08x", x[i])
	}

	return s.String()
}
