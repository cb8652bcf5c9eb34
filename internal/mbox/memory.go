// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mbox

import (
	"encoding/binary"
)

// Memory represents the application processor RAM window, addresses are
// relative to its base.
type Memory interface {
	Size() uint32
	Read32(addr uint32) uint32
	Write32(addr uint32, val uint32)
	Slice(addr uint32, n uint32) []byte
}

// RAM implements Memory over a byte slice.
type RAM []byte

// Size implements Memory.
func (r RAM) Size() uint32 {
	return uint32(len(r))
}

// Read32 implements Memory.
func (r RAM) Read32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(r[addr:])
}

// Write32 implements Memory.
func (r RAM) Write32(addr uint32, val uint32) {
	binary.LittleEndian.PutUint32(r[addr:], val)
}

// Slice implements Memory.
func (r RAM) Slice(addr uint32, n uint32) []byte {
	return r[addr : addr+n]
}

// checkAddr validates an AP buffer location.
func checkAddr(mem Memory, addr uint32, n uint32, align uint32) bool {
	if mem == nil || addr%align != 0 {
		return false
	}

	return uint64(addr)+uint64(n) <= uint64(mem.Size())
}
