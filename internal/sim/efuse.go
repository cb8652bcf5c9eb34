// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"github.com/f-secure-foundry/tamago/bits"

	"github.com/f-secure-foundry/wtmi-trust/internal/secded"
	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

const weLength = soc.WE_ROUNDS * soc.WE_BITS

type efuseState struct {
	// MASTER_CTRL unlocked
	unlocked bool
	// write enable sequence accepted
	enabled bool

	// write enable sequence sampling
	seq   uint64
	count int

	// last primed ECC row value
	ecc uint64
}

func weSequence() (seq uint64) {
	for i := 0; i < weLength; i++ {
		seq |= uint64((soc.WE_PATTERN>>(i%soc.WE_BITS))&1) << i
	}

	return
}

func (s *SoC) efuseMaster(val uint32) {
	s.regs[soc.EFUSE_MASTER_CTRL] = val

	e := &s.efuse
	e.unlocked = val == soc.MASTER_UNLOCK
	e.seq = 0
	e.count = 0

	if !e.unlocked {
		e.enabled = false
		s.regs[soc.EFUSE_AUX] &^= 1 << soc.AUX_PROG_READY
	}
}

func rising(prev uint32, val uint32, pos int) bool {
	return bits.Get(&prev, pos, 1) == 0 && bits.Get(&val, pos, 1) == 1
}

func (s *SoC) efuseCtrl(val uint32) {
	e := &s.efuse
	prev := s.regs[soc.EFUSE_CTRL]
	s.regs[soc.EFUSE_CTRL] = val

	if e.unlocked && !e.enabled {
		switch {
		case rising(prev, val, soc.CTRL_CLK):
			if e.count < 64 {
				e.seq |= uint64(bits.Get(&val, soc.CTRL_SDATA, 1)) << e.count
			}
			e.count++
		case val == 0 && e.count > 0:
			if e.count == weLength && e.seq == weSequence() {
				e.enabled = true
				s.regs[soc.EFUSE_AUX] |= 1 << soc.AUX_PROG_READY
			}

			e.seq = 0
			e.count = 0
		}
	}

	if !rising(prev, val, soc.CTRL_SCLK) || bits.Get(&val, soc.CTRL_CSB, 1) == 0 {
		return
	}

	rw := s.regs[soc.EFUSE_RW]
	row := int(bits.Get(&rw, soc.RW_ROW, soc.RW_ROW_MASK))
	col := int(bits.Get(&rw, soc.RW_COL, soc.RW_COL_MASK))

	if row >= soc.EFUSE_ROWS {
		return
	}

	switch bits.Get(&val, soc.CTRL_MODE, soc.CTRL_MODE_MASK) {
	case soc.CTRL_MODE_READ:
		s.efuseRead(row, rw, bits.Get(&val, soc.CTRL_ECC_POS, soc.CTRL_ECC_MASK))
	case soc.CTRL_MODE_PROG:
		if e.enabled && !s.state.Fuses[row].Locked && col < 64 {
			s.state.Fuses[row].Value |= 1 << col
		}
	case soc.CTRL_MODE_LOCK:
		if e.enabled {
			s.state.Fuses[row].Locked = true
		}
	}
}

func (s *SoC) masked(row int) bool {
	if !s.state.SecureMode {
		return false
	}

	if row < 32 {
		return (s.regs[soc.EFUSE_ROW_MASK0]>>row)&1 == 1
	}

	return (s.regs[soc.EFUSE_ROW_MASK1]>>(row-32))&1 == 1
}

func (s *SoC) efuseRead(row int, rw uint32, pos uint32) {
	if s.stallReads {
		return
	}

	fuse := s.state.Fuses[row]
	val := fuse.Value
	errs := 0

	if bits.Get(&rw, soc.RW_ECC_PRIME, 1) == 1 {
		s.efuse.ecc = val
	}

	if pos >= 1 && pos <= 8 {
		val, errs = secded.Decode(val, uint8(s.efuse.ecc>>(8*(pos-1))))
	}

	aux := s.regs[soc.EFUSE_AUX]
	bits.SetN(&aux, soc.AUX_ECC_ERR, soc.AUX_ECC_ERR_MSK, uint32(errs))

	if fuse.Locked {
		bits.Set(&aux, soc.AUX_LOCK)
	} else {
		bits.Clear(&aux, soc.AUX_LOCK)
	}

	bits.Set(&aux, soc.AUX_VALID)
	s.regs[soc.EFUSE_AUX] = aux

	if bits.Get(&rw, soc.RW_SB_LOAD, 1) == 1 {
		s.loadSecureBuffer(row, val)
		val = 0
	}

	if s.masked(row) {
		val = 0
	}

	s.regs[soc.EFUSE_D0] = uint32(val)
	s.regs[soc.EFUSE_D1] = uint32(val >> 32)
}

func (s *SoC) loadSecureBuffer(row int, val uint64) {
	for i, r := range soc.SecureBufferRows {
		if r != row {
			continue
		}

		if i < len(soc.SecureBufferRows)-1 {
			s.sb[2*i] = uint32(val)
			s.sb[2*i+1] = uint32(val >> 32)
		} else {
			s.sb[len(s.sb)-1] = uint32(val)
		}

		s.sbLoaded |= 1 << i
	}
}

func (s *SoC) secureBufferReady() bool {
	return s.sbLoaded == 1<<len(soc.SecureBufferRows)-1
}
