// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package soc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type regs struct {
	m     map[uint32]uint32
	waits int
}

func (r *regs) Read(addr uint32) uint32       { return r.m[addr] }
func (r *regs) Write(addr uint32, val uint32) { r.m[addr] = val }
func (r *regs) Wait(time.Duration)            { r.waits++ }

func newRegs() *regs {
	return &regs{m: make(map[uint32]uint32)}
}

func TestFieldHelpers(t *testing.T) {
	b := newRegs()

	Set(b, EFUSE_CTRL, CTRL_SCLK)
	assert.Equal(t, uint32(0x100), b.Read(EFUSE_CTRL))
	assert.True(t, IsSet(b, EFUSE_CTRL, CTRL_SCLK))

	SetN(b, EFUSE_CTRL, CTRL_MODE, CTRL_MODE_MASK, CTRL_MODE_READ)
	assert.Equal(t, uint32(0x103), b.Read(EFUSE_CTRL))

	SetN(b, EFUSE_CTRL, CTRL_ECC_POS, CTRL_ECC_MASK, 5)
	assert.Equal(t, uint32(5), Get(b, EFUSE_CTRL, CTRL_ECC_POS, CTRL_ECC_MASK))

	Clear(b, EFUSE_CTRL, CTRL_SCLK)
	assert.False(t, IsSet(b, EFUSE_CTRL, CTRL_SCLK))

	// value bits outside of the mask are ignored
	Modify(b, EFUSE_CTRL, 0xfff4, 0x6)
	assert.Equal(t, uint32(0x05000005), b.Read(EFUSE_CTRL))
}

func TestPoll(t *testing.T) {
	t.Run("match", func(t *testing.T) {
		b := newRegs()
		b.m[EFUSE_AUX] = 1 << AUX_VALID

		require.True(t, Poll(b, EFUSE_AUX, AUX_VALID, 1, 1, 10, time.Microsecond))
		assert.Equal(t, 0, b.waits)
	})

	t.Run("timeout", func(t *testing.T) {
		b := newRegs()

		require.False(t, Poll(b, EFUSE_AUX, AUX_VALID, 1, 1, 10, time.Microsecond))
		assert.Equal(t, 10, b.waits)
	})
}

func TestWaitInterrupt(t *testing.T) {
	b := newRegs()
	assert.Zero(t, WaitInterrupt(b, ECP_INT, 3, time.Microsecond))

	b.m[ECP_INT] = 1<<ECP_INT_DONE | 1<<ECP_INT_ZERO_KEY
	assert.Equal(t, uint32(0x5), WaitInterrupt(b, ECP_INT, 3, time.Microsecond))
}
