// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package provision

import (
	"bufio"
	"io"

	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

// row bit markers, as read on the manufacturing station
const (
	BIT_SET   = 'U'
	BIT_CLEAR = '?'
)

func marker(set bool) byte {
	if set {
		return BIT_SET
	}

	return BIT_CLEAR
}

// Dump writes the raw state of all fuse rows, one line per row with the
// lock bit followed by the value bits, most significant first.
func (p *Provisioner) Dump(w io.Writer) (err error) {
	out := bufio.NewWriter(w)

	out.WriteString("OTP\n")

	for row := 0; row < soc.EFUSE_ROWS; row++ {
		val, locked, err := p.Store.ReadRowNoECC(row)

		if err != nil {
			out.WriteString("FAIL\n")
			out.Flush()
			return err
		}

		out.WriteByte(marker(locked))
		out.WriteByte(' ')

		for i := 63; i >= 0; i-- {
			out.WriteByte(marker((val>>i)&1 == 1))

			if i == 32 {
				out.WriteByte(' ')
			}
		}

		out.WriteByte('\n')
	}

	return out.Flush()
}

// Memory represents the application processor RAM.
type Memory interface {
	Size() uint32
	Read32(addr uint32) uint32
	Write32(addr uint32, val uint32)
}

const (
	PATTERN_1 = 0x0acc55aa
	PATTERN_2 = 0xdeadbeef
)

// probe addresses wrap around the memory size, as the upper address line
// is not decoded on 512 MiB boards
func probeAddr(mem Memory, mb int, i int) uint32 {
	return uint32((uint64(mb)<<20 + uint64(4*i)) % uint64(mem.Size()))
}

func writePattern(mem Memory, mb int, pattern uint32) {
	for i := 0; i < 32; i++ {
		mem.Write32(probeAddr(mem, mb, i), pattern)
		pattern = pattern<<1 | pattern>>31
	}
}

func checkPattern(mem Memory, mb int, pattern uint32) bool {
	for i := 0; i < 32; i++ {
		if mem.Read32(probeAddr(mem, mb, i)) != pattern {
			return false
		}

		pattern = pattern<<1 | pattern>>31
	}

	return true
}

// ProbeRAMSize returns the AP memory size in MiB by testing for aliasing
// above 512 MiB.
func ProbeRAMSize(mem Memory) (int, error) {
	if mem.Size() < 4<<20 {
		return 0, ErrRAMSize
	}

	writePattern(mem, 3, PATTERN_1)
	writePattern(mem, 515, PATTERN_2)

	if checkPattern(mem, 3, PATTERN_2) {
		return 512, nil
	}

	if checkPattern(mem, 3, PATTERN_1) && checkPattern(mem, 515, PATTERN_2) {
		return 1024, nil
	}

	return 0, ErrRAMSize
}
