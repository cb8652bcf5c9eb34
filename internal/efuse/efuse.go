// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package efuse implements a driver for the secure processor eFuse (OTP)
// controller.
//
// The OTP array holds 44 rows of 64 bits. Fuses can only ever be blown (bits
// go from 0 to 1), each row has a separate lock fuse which prevents further
// programming. Most rows are protected by a SECDED code stored, one byte per
// data row, in a companion ECC row.
package efuse

import (
	"errors"
	"time"

	"github.com/f-secure-foundry/tamago/bits"

	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

const (
	// READ_TRIES bounds the read valid poll (~10ms)
	READ_TRIES = 100000
	// WRITE_TRIES bounds write and lock verification
	WRITE_TRIES = 5

	POLL_INTERVAL  = 100 * time.Nanosecond
	SETUP_TIME     = 300 * time.Nanosecond
	STROBE_TIME    = 200 * time.Nanosecond
	PROGRAM_SETUP  = 500 * time.Nanosecond
	PROGRAM_PULSE  = 13 * time.Microsecond
	PROGRAM_SETTLE = 1 * time.Millisecond
)

var (
	ErrInvalidRow       = errors.New("invalid eFuse row")
	ErrAccessDenied     = errors.New("eFuse row access denied")
	ErrUncorrectableECC = errors.New("eFuse uncorrectable ECC error")
	ErrIO               = errors.New("eFuse readback mismatch")
	ErrTimeout          = errors.New("eFuse controller timeout")
	ErrNotPrimed        = errors.New("secure buffer not loaded")
)

type eccSlot struct {
	row int
	pos uint32
}

// companion ECC row and 1-based byte slot for each row, -1 for none
var eccSlots = [soc.EFUSE_ROWS]eccSlot{
	{7, 1}, {7, 2}, {7, 3}, {-1, 0}, {7, 5}, {7, 6}, {7, 7}, {-1, 0},
	{24, 1}, {24, 2}, {24, 3}, {24, 4}, {24, 5}, {24, 6}, {24, 7}, {24, 8},
	{25, 1}, {25, 2}, {25, 3}, {25, 4}, {25, 5}, {25, 6}, {25, 7}, {25, 8},
	{-1, 0}, {-1, 0},
	{38, 1}, {38, 2}, {38, 3}, {38, 4}, {38, 5}, {38, 6}, {38, 7}, {38, 8},
	{39, 1}, {39, 2}, {39, 3}, {39, 4},
	{-1, 0}, {-1, 0},
	{39, 5}, {39, 6}, {39, 7}, {39, 8},
}

// ECCSlot returns the companion ECC row and its byte slot (1-8) for the
// argument row, ok is false for rows without ECC protection.
func ECCSlot(row int) (eccRow int, pos int, ok bool) {
	if row < 0 || row >= soc.EFUSE_ROWS || eccSlots[row].row < 0 {
		return -1, 0, false
	}

	return eccSlots[row].row, int(eccSlots[row].pos), true
}

// Store represents the eFuse controller.
//
// The controller is a singleton peripheral, its methods must not be called
// concurrently and fuse programming sequences should not be interleaved with
// other accesses to the same register space.
type Store struct {
	Bus soc.Bus

	// secure buffer state, gen is bumped at every Reset
	primed bool
	gen    uint64
}

// SecureBuffer is the capability to use the OTP private scalar, loaded in
// hardware by ReadSecureBuffer, as an engine operand. It does not carry the
// scalar value.
type SecureBuffer struct {
	store *Store
	gen   uint64
}

// Valid returns whether the secure buffer is loaded in hardware for the
// current board power cycle.
func (sb SecureBuffer) Valid() bool {
	return sb.store != nil && sb.store.primed && sb.gen == sb.store.gen
}

func rc(row int, col int) (rw uint32) {
	bits.SetN(&rw, soc.RW_ROW, soc.RW_ROW_MASK, uint32(row))
	bits.SetN(&rw, soc.RW_COL, soc.RW_COL_MASK, uint32(col))
	return
}

func (s *Store) checkRow(row int) error {
	if row < 0 || row >= soc.EFUSE_ROWS {
		return ErrInvalidRow
	}

	return nil
}

// Masked returns whether the row is hidden from software reads, which
// happens when the processor runs in secure mode and the row bit is set in
// the row mask registers.
func (s *Store) Masked(row int) (masked bool, err error) {
	if err = s.checkRow(row); err != nil {
		return
	}

	return s.masked(row), nil
}

func (s *Store) masked(row int) bool {
	if !soc.IsSet(s.Bus, soc.SECURE_STATUS, soc.SECURE_MODE) {
		return false
	}

	if row < 32 {
		return soc.IsSet(s.Bus, soc.EFUSE_ROW_MASK0, row)
	}

	return soc.IsSet(s.Bus, soc.EFUSE_ROW_MASK1, row-32)
}

// Mask sets the row bit in the row mask registers, masks are cleared only
// by a board reset.
func (s *Store) Mask(row int) (err error) {
	if err = s.checkRow(row); err != nil {
		return
	}

	if row < 32 {
		soc.Set(s.Bus, soc.EFUSE_ROW_MASK0, row)
	} else {
		soc.Set(s.Bus, soc.EFUSE_ROW_MASK1, row-32)
	}

	return
}

func (s *Store) rawRead(rw uint32, pos uint32) (val uint64, locked bool, err error) {
	b := s.Bus

	b.Write(soc.EFUSE_CTRL, soc.CTRL_READ_DONE)
	soc.Set(b, soc.EFUSE_CTRL, soc.CTRL_CSB)
	soc.SetN(b, soc.EFUSE_CTRL, soc.CTRL_MODE, soc.CTRL_MODE_MASK, soc.CTRL_MODE_READ)
	b.Wait(SETUP_TIME)

	b.Write(soc.EFUSE_RW, rw)

	if pos != 0 {
		soc.SetN(b, soc.EFUSE_CTRL, soc.CTRL_ECC_POS, soc.CTRL_ECC_MASK, pos)
	}

	b.Wait(SETUP_TIME)
	soc.Set(b, soc.EFUSE_CTRL, soc.CTRL_SCLK)
	b.Wait(STROBE_TIME)
	soc.Clear(b, soc.EFUSE_CTRL, soc.CTRL_SCLK)

	defer soc.Modify(b, soc.EFUSE_CTRL, soc.CTRL_READ_DONE, 0x6)

	if !soc.Poll(b, soc.EFUSE_AUX, soc.AUX_VALID, 1, 1, READ_TRIES, POLL_INTERVAL) {
		return 0, false, ErrTimeout
	}

	val = uint64(b.Read(soc.EFUSE_D1))<<32 | uint64(b.Read(soc.EFUSE_D0))
	locked = soc.IsSet(b, soc.EFUSE_AUX, soc.AUX_LOCK)

	return
}

func (s *Store) readRow(row int, checkECC bool, sb bool) (val uint64, locked bool, err error) {
	if err = s.checkRow(row); err != nil {
		return
	}

	slot := eccSlots[row]

	if slot.row < 0 {
		checkECC = false
	}

	rw := rc(row, 0)

	if sb {
		bits.Set(&rw, soc.RW_SB_LOAD)
	}

	if !checkECC {
		return s.rawRead(rw, 0)
	}

	// prime the hardware correction state with the ECC row
	prime := rc(slot.row, 0)
	bits.Set(&prime, soc.RW_ECC_PRIME)

	if _, _, err = s.rawRead(prime, 0); err != nil {
		return
	}

	if val, locked, err = s.rawRead(rw, slot.pos); err != nil {
		return
	}

	if soc.Get(s.Bus, soc.EFUSE_AUX, soc.AUX_ECC_ERR, soc.AUX_ECC_ERR_MSK) >= 2 {
		return 0, false, ErrUncorrectableECC
	}

	return
}

// ReadRow returns the ECC corrected value and lock state of a row. Rows
// without ECC protection are read as is.
func (s *Store) ReadRow(row int) (val uint64, locked bool, err error) {
	return s.read(row, true)
}

// ReadRowNoECC returns the raw value and lock state of a row.
func (s *Store) ReadRowNoECC(row int) (val uint64, locked bool, err error) {
	return s.read(row, false)
}

func (s *Store) read(row int, checkECC bool) (val uint64, locked bool, err error) {
	val, locked, err = s.readRow(row, checkECC, false)

	if errors.Is(err, ErrInvalidRow) {
		return
	}

	if s.masked(row) {
		return 0, false, ErrAccessDenied
	}

	return
}

// ReadSecureBuffer loads the private scalar rows into the hardware secure
// buffer and returns the capability to use it. The rows are read only once
// per board reset.
func (s *Store) ReadSecureBuffer() (sb SecureBuffer, err error) {
	if !s.primed {
		rows := soc.SecureBufferRows

		// the last row holds the most significant word and goes first
		for i := len(rows) - 1; i >= 0; i-- {
			if _, _, err = s.readRow(rows[i], true, true); err != nil {
				return
			}
		}

		s.primed = true
	}

	return SecureBuffer{store: s, gen: s.gen}, nil
}

// Reset must be called whenever the board is reset or the secure buffer rows
// are programmed, it invalidates the hardware secure buffer state and any
// capability obtained before.
func (s *Store) Reset() {
	s.primed = false
	s.gen++
}
