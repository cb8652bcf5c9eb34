// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efuse

import (
	"fmt"

	"github.com/f-secure-foundry/tamago/bits"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/secded"
	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

// writeEnable performs the controller programming unlock sequence.
func (s *Store) writeEnable() error {
	b := s.Bus

	b.Write(soc.EFUSE_CTRL, 0)
	b.Wait(SETUP_TIME)
	b.Write(soc.EFUSE_MASTER_CTRL, soc.MASTER_UNLOCK)
	b.Write(soc.EFUSE_CTRL, 1<<soc.CTRL_SCLK)

	for i := 0; i < soc.WE_ROUNDS; i++ {
		seq := uint32(soc.WE_PATTERN)

		for j := 0; j < soc.WE_BITS; j++ {
			var ctrl uint32

			bits.Set(&ctrl, soc.CTRL_SCLK)

			if seq&1 == 1 {
				bits.Set(&ctrl, soc.CTRL_SDATA)
			}

			b.Write(soc.EFUSE_CTRL, ctrl)
			bits.Set(&ctrl, soc.CTRL_CLK)
			b.Write(soc.EFUSE_CTRL, ctrl)

			seq >>= 1
		}
	}

	b.Write(soc.EFUSE_CTRL, 0)

	if !soc.Poll(b, soc.EFUSE_AUX, soc.AUX_PROG_READY, 1, 1, READ_TRIES, POLL_INTERVAL) {
		return ErrTimeout
	}

	return nil
}

func (s *Store) writeDisable() {
	b := s.Bus

	b.Write(soc.EFUSE_CTRL, soc.CTRL_POWER_DOWN)
	b.Write(soc.EFUSE_CTRL, soc.CTRL_POWER_DOWN|1<<soc.CTRL_CLK)
	b.Write(soc.EFUSE_CTRL, soc.CTRL_POWER_DOWN)
	b.Write(soc.EFUSE_MASTER_CTRL, 0)
}

func (s *Store) pulse(rw uint32) {
	b := s.Bus

	b.Write(soc.EFUSE_RW, rw)
	soc.Set(b, soc.EFUSE_CTRL, soc.CTRL_SCLK)
	b.Wait(PROGRAM_PULSE)
	soc.Clear(b, soc.EFUSE_CTRL, soc.CTRL_SCLK)
}

func (s *Store) program(mode uint32, prepare func() error, pulses func()) (err error) {
	b := s.Bus

	if err = s.writeEnable(); err != nil {
		return
	}
	defer s.writeDisable()

	if prepare != nil {
		if err = prepare(); err != nil {
			return
		}
	}

	soc.Set(b, soc.EFUSE_CTRL, soc.CTRL_CSB)
	soc.SetN(b, soc.EFUSE_CTRL, soc.CTRL_MODE, soc.CTRL_MODE_MASK, mode)
	b.Wait(PROGRAM_SETUP)

	pulses()

	soc.Modify(b, soc.EFUSE_CTRL, soc.CTRL_READ_DONE, soc.CTRL_READ_DONE)
	soc.Modify(b, soc.EFUSE_CTRL, soc.CTRL_PROG_DONE, 0x3)
	b.Wait(PROGRAM_SETTLE)

	return
}

func (s *Store) rawWrite(row int, val uint64) error {
	// the row must be read before programming, otherwise writing fails
	prepare := func() (err error) {
		old, _, err := s.readRow(row, false, false)
		val |= old
		return
	}

	return s.program(soc.CTRL_MODE_PROG, prepare, func() {
		for i := 0; i < 64; i++ {
			if (val>>i)&1 == 1 {
				s.pulse(rc(row, i))
			}
		}
	})
}

func (s *Store) rawLock(row int) error {
	return s.program(soc.CTRL_MODE_LOCK, nil, func() {
		s.pulse(rc(row, 0))
	})
}

// WriteRow programs the argument bits in a row and optionally locks it.
//
// Fuses can only be blown, the resulting row value is therefore the OR of
// the previous value and val. Writing a non-zero value to a locked row
// returns ErrAccessDenied while writing zero is a no-op. Masked rows cannot
// be read back and their programming is not verified.
func (s *Store) WriteRow(row int, val uint64, lock bool) (err error) {
	var locked bool
	var old uint64

	if err = s.checkRow(row); err != nil {
		return
	}

	masked := s.masked(row)

	if old, locked, err = s.readRow(row, false, false); err != nil {
		return
	}

	if locked {
		if val != 0 {
			return ErrAccessDenied
		}

		return
	}

	if val != 0 {
		var cur uint64

		if !masked {
			val |= old
		}

		for try := 0; try < WRITE_TRIES; try++ {
			if err = s.rawWrite(row, val); err != nil {
				return
			}

			if masked {
				break
			}

			if cur, _, err = s.readRow(row, false, false); err != nil {
				return
			}

			if cur == val {
				break
			}
		}

		if !masked && cur != val {
			return ErrIO
		}
	}

	if !lock {
		return
	}

	for try := 0; try < WRITE_TRIES; try++ {
		if err = s.rawLock(row); err != nil {
			return
		}

		if _, locked, err = s.readRow(row, false, false); err != nil {
			return
		}

		if locked {
			return
		}
	}

	return ErrIO
}

// WriteRowWithECCAndLock programs and locks a row together with its SECDED
// check byte in the companion ECC row. The ECC row is locked once all the
// data rows it protects are locked.
func (s *Store) WriteRowWithECCAndLock(row int, val uint64) (err error) {
	eccRow, pos, ok := ECCSlot(row)

	if !ok {
		return ErrInvalidRow
	}

	if _, locked, err := s.readRow(row, false, false); err != nil || locked {
		if err == nil {
			err = ErrAccessDenied
		}

		return err
	}

	ecc := uint64(secded.Encode(val)) << (8 * (pos - 1))
	lockECC := true

	for r := range eccSlots {
		if r == row || eccSlots[r].row != eccRow {
			continue
		}

		_, locked, err := s.readRow(r, false, false)

		if err != nil {
			return err
		}

		if !locked {
			lockECC = false
			break
		}
	}

	if err = s.WriteRow(eccRow, ecc, lockECC); err != nil {
		return fmt.Errorf("ECC row %d, %w", eccRow, err)
	}

	if err = s.WriteRow(row, val, true); err != nil {
		return
	}

	if s.masked(row) {
		return
	}

	res, _, err := s.ReadRow(row)

	if err != nil {
		return
	}

	if res != val {
		return ErrIO
	}

	return
}

// WriteSecureBuffer programs the argument private scalar in the secure buffer
// rows, each row is protected with ECC and locked. Any secure buffer
// capability obtained before is invalidated, even on failure.
func (s *Store) WriteSecureBuffer(key *bn.Int) (err error) {
	rows := soc.SecureBufferRows

	// the hardware buffer still holds the scalar loaded before programming
	defer s.Reset()

	for i, row := range rows {
		var val uint64

		if i < len(rows)-1 {
			val = uint64(key[2*i+1])<<32 | uint64(key[2*i])
		} else {
			val = uint64(key[bn.WORDS-1])
		}

		if err = s.WriteRowWithECCAndLock(row, val); err != nil {
			return fmt.Errorf("secure buffer row %d, %w", row, err)
		}
	}

	return
}
