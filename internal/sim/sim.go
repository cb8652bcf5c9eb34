// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sim implements a register level model of the secure processor
// peripherals used by the trust subsystem: the eFuse controller, the ZMODP
// modular arithmetic unit and the ECP elliptic curve point unit.
//
// The model follows the register protocol expected by the drivers, fuse
// programming only succeeds after the write enable sequence and engine
// results are only available through the output registers.
package sim

import (
	"sync"
	"time"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

// Row represents the physical state of an eFuse row.
type Row struct {
	Value  uint64
	Locked bool
}

// State holds the non-volatile part of the simulated SoC.
type State struct {
	Fuses      [soc.EFUSE_ROWS]Row
	SecureMode bool
}

// SoC represents the simulated secure processor, it implements soc.Bus.
type SoC struct {
	sync.Mutex

	regs  map[uint32]uint32
	state State

	efuse efuseState
	zmodp zmodpState

	// hardware secure buffer, filled by secure buffer loads
	sb       bn.Int
	sbLoaded uint32

	stallReads   bool
	stallEngines bool

	elapsed time.Duration
}

// New returns a simulated SoC with a blank OTP array.
func New() *SoC {
	return &SoC{
		regs: make(map[uint32]uint32),
	}
}

// Read implements soc.Bus.
func (s *SoC) Read(addr uint32) uint32 {
	s.Lock()
	defer s.Unlock()

	switch addr {
	case soc.SECURE_STATUS:
		if s.state.SecureMode {
			return 1 << soc.SECURE_MODE
		}

		return 0
	case soc.ZMODP_Z:
		return s.zmodp.pop()
	}

	return s.regs[addr]
}

// Write implements soc.Bus.
func (s *SoC) Write(addr uint32, val uint32) {
	s.Lock()
	defer s.Unlock()

	switch addr {
	case soc.SECURE_STATUS, soc.EFUSE_D0, soc.EFUSE_D1, soc.EFUSE_AUX:
		// read-only
	case soc.EFUSE_CTRL:
		s.efuseCtrl(val)
	case soc.EFUSE_RW:
		s.regs[addr] = val
		s.regs[soc.EFUSE_AUX] &^= 1 << soc.AUX_VALID
	case soc.EFUSE_MASTER_CTRL:
		s.efuseMaster(val)
	case soc.EFUSE_ROW_MASK0, soc.EFUSE_ROW_MASK1:
		// sticky until reset
		s.regs[addr] |= val
	case soc.ZMODP_MODULI:
		s.zmodp.moduli = append(s.zmodp.moduli, val)
	case soc.ZMODP_Y:
		s.zmodp.y = append(s.zmodp.y, val)
	case soc.ZMODP_CMD:
		s.zmodpCmd(val)
	case soc.ECP_CMD:
		s.ecpCmd(val)
	case soc.ZMODP_INT, soc.ECP_INT:
		// write one to clear
		s.regs[addr] &^= val
	default:
		s.regs[addr] = val
	}
}

// Wait implements soc.Bus, it only accounts for the simulated elapsed time.
func (s *SoC) Wait(d time.Duration) {
	s.Lock()
	defer s.Unlock()

	s.elapsed += d
}

// Elapsed returns the total time spent waiting by drivers.
func (s *SoC) Elapsed() time.Duration {
	s.Lock()
	defer s.Unlock()

	return s.elapsed
}

// Reset models a board reset: volatile registers, row masks, engine state
// and the hardware secure buffer are cleared while fuses are retained.
func (s *SoC) Reset() {
	s.Lock()
	defer s.Unlock()

	s.regs = make(map[uint32]uint32)
	s.efuse = efuseState{}
	s.zmodp = zmodpState{}
	s.sb.Wipe()
	s.sbLoaded = 0
}

// SetSecureMode sets the secure mode status bit.
func (s *SoC) SetSecureMode(on bool) {
	s.Lock()
	defer s.Unlock()

	s.state.SecureMode = on
}

// StallReads prevents the eFuse controller from completing reads.
func (s *SoC) StallReads(on bool) {
	s.Lock()
	defer s.Unlock()

	s.stallReads = on
}

// StallEngines prevents the bignum engines from raising interrupts.
func (s *SoC) StallEngines(on bool) {
	s.Lock()
	defer s.Unlock()

	s.stallEngines = on
}

// Fuse returns the physical state of a row.
func (s *SoC) Fuse(row int) Row {
	s.Lock()
	defer s.Unlock()

	return s.state.Fuses[row]
}

// FlipBit inverts a stored fuse bit, modeling a defective cell.
func (s *SoC) FlipBit(row int, bit int) {
	s.Lock()
	defer s.Unlock()

	s.state.Fuses[row].Value ^= 1 << bit
}

// State returns a copy of the non-volatile state.
func (s *SoC) State() State {
	s.Lock()
	defer s.Unlock()

	return s.state
}

// Restore replaces the non-volatile state and resets the SoC.
func (s *SoC) Restore(st State) {
	s.Lock()
	s.state = st
	s.Unlock()

	s.Reset()
}
