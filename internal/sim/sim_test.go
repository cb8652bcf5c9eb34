// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

func strobe(s *SoC, mode uint32, row int, col int) {
	s.Write(soc.EFUSE_RW, uint32(row)<<soc.RW_ROW|uint32(col)<<soc.RW_COL)
	s.Write(soc.EFUSE_CTRL, 1<<soc.CTRL_CSB|mode<<soc.CTRL_MODE)
	s.Write(soc.EFUSE_CTRL, 1<<soc.CTRL_CSB|mode<<soc.CTRL_MODE|1<<soc.CTRL_SCLK)
}

func TestProgramRequiresWriteEnable(t *testing.T) {
	s := New()

	strobe(s, soc.CTRL_MODE_PROG, 3, 0)
	assert.Equal(t, uint64(0), s.Fuse(3).Value)

	// unlocked but without the enable sequence
	s.Write(soc.EFUSE_MASTER_CTRL, soc.MASTER_UNLOCK)
	strobe(s, soc.CTRL_MODE_PROG, 3, 0)
	strobe(s, soc.CTRL_MODE_LOCK, 3, 0)
	assert.Equal(t, Row{}, s.Fuse(3))
}

func TestReadStrobe(t *testing.T) {
	s := New()
	s.state.Fuses[5] = Row{Value: 0x1122334455667788, Locked: true}

	strobe(s, soc.CTRL_MODE_READ, 5, 0)

	assert.Equal(t, uint32(0x55667788), s.Read(soc.EFUSE_D0))
	assert.Equal(t, uint32(0x11223344), s.Read(soc.EFUSE_D1))
	assert.True(t, soc.IsSet(s, soc.EFUSE_AUX, soc.AUX_VALID))
	assert.True(t, soc.IsSet(s, soc.EFUSE_AUX, soc.AUX_LOCK))

	// a new row address invalidates the data registers
	s.Write(soc.EFUSE_RW, 0)
	assert.False(t, soc.IsSet(s, soc.EFUSE_AUX, soc.AUX_VALID))

	s.Write(soc.EFUSE_D0, 0)
	assert.Equal(t, uint32(0x55667788), s.Read(soc.EFUSE_D0))
}

func TestRowMasks(t *testing.T) {
	s := New()

	s.Write(soc.EFUSE_ROW_MASK1, 1<<8)
	s.Write(soc.EFUSE_ROW_MASK1, 0)
	assert.Equal(t, uint32(1<<8), s.Read(soc.EFUSE_ROW_MASK1))

	assert.False(t, s.masked(40))

	s.SetSecureMode(true)
	assert.True(t, s.masked(40))
	assert.Equal(t, uint32(1<<soc.SECURE_MODE), s.Read(soc.SECURE_STATUS))

	s.Reset()
	assert.False(t, s.masked(40))
}

func TestStateRestore(t *testing.T) {
	s := New()
	s.state.Fuses[42] = Row{Value: 42, Locked: true}
	s.SetSecureMode(true)

	st := s.State()

	r := New()
	r.Restore(st)

	assert.Equal(t, Row{Value: 42, Locked: true}, r.Fuse(42))
	assert.Equal(t, uint32(1<<soc.SECURE_MODE), r.Read(soc.SECURE_STATUS))

	r.FlipBit(42, 0)
	assert.Equal(t, uint64(43), r.Fuse(42).Value)
	assert.Equal(t, uint64(42), s.Fuse(42).Value)
}

func TestWeSequence(t *testing.T) {
	seq := weSequence()

	for i := 0; i < weLength; i++ {
		assert.Equal(t, uint64(soc.WE_PATTERN>>(i%soc.WE_BITS))&1, (seq>>i)&1)
	}
}
