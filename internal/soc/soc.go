// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package soc describes the secure co-processor register map and provides
// register access helpers shared by the eFuse and bignum engine drivers.
package soc

import (
	"time"

	"github.com/f-secure-foundry/tamago/bits"
)

// Bus represents the secure processor register file. On target it is backed
// by memory mapped I/O, on the host by the simulator.
type Bus interface {
	Read(addr uint32) uint32
	Write(addr uint32, val uint32)
	Wait(d time.Duration)
}

// Secure processor control
const (
	SECURE_STATUS = 0x40000104
	SECURE_MODE   = 0

	AIB_CTRL  = 0x40000c00
	SP_CTRL   = 0x40001c00
	SP_STATUS = 0x40001c04

	AIB_ZMODP = 0x260
	AIB_ECP   = 0x250
)

// eFuse controller
const (
	EFUSE_CTRL        = 0x40003430
	EFUSE_RW          = 0x40003434
	EFUSE_D0          = 0x40003438
	EFUSE_D1          = 0x4000343c
	EFUSE_AUX         = 0x40003440
	EFUSE_ROW_MASK0   = 0x40003450
	EFUSE_ROW_MASK1   = 0x40003454
	EFUSE_MASTER_CTRL = 0x400037f4

	// EFUSE_CTRL fields
	CTRL_MODE       = 0
	CTRL_MODE_MASK  = 0x7
	CTRL_MODE_READ  = 0x3
	CTRL_MODE_PROG  = 0x0
	CTRL_MODE_LOCK  = 0x2
	CTRL_CSB        = 3
	CTRL_SCLK       = 8
	CTRL_SDATA      = 9
	CTRL_CLK        = 10
	CTRL_ECC_POS    = 24
	CTRL_ECC_MASK   = 0xff
	CTRL_READ_DONE  = 0x4
	CTRL_PROG_DONE  = 0x1
	CTRL_POWER_DOWN = 0x5

	// EFUSE_RW fields
	RW_COL       = 0
	RW_COL_MASK  = 0x7f
	RW_ROW       = 7
	RW_ROW_MASK  = 0x3f
	RW_SB_LOAD   = 28
	RW_ECC_PRIME = 31

	// EFUSE_AUX fields
	AUX_LOCK        = 4
	AUX_ECC_ERR     = 16
	AUX_ECC_ERR_MSK = 0x3
	AUX_PROG_READY  = 29
	AUX_VALID       = 31

	// EFUSE_MASTER_CTRL unlock value
	MASTER_UNLOCK = 0x5a

	// write enable dance
	WE_PATTERN = 0x18d
	WE_BITS    = 10
	WE_ROUNDS  = 6

	EFUSE_ROWS = 44
)

// SecureBufferRows lists the fuse rows assembled by the hardware into the
// 17 word secure buffer. Rows 30-37 fill words 0-15 (low half first), row 40
// fills word 16.
var SecureBufferRows = []int{30, 31, 32, 33, 34, 35, 36, 37, 40}

// ZMODP modular arithmetic unit
const (
	ZMODP_CONF    = 0x40002000
	ZMODP_CTRL    = 0x40002004
	ZMODP_CMD     = 0x40002008
	ZMODP_STATUS  = 0x4000200c
	ZMODP_INT     = 0x40002010
	ZMODP_INTMASK = 0x40002014
	ZMODP_X       = 0x40002018
	ZMODP_X1      = 0x40002118
	ZMODP_EXP     = 0x40002218
	ZMODP_MODULI  = 0x40002318
	ZMODP_Y       = 0x4000231c
	ZMODP_Z       = 0x40002320

	// ZMODP_CONF fields
	CONF_OP         = 0
	CONF_OP_MASK    = 0x7
	CONF_SZ         = 3
	CONF_SZ_MASK    = 0x7
	CONF_COEFS      = 6
	CONF_COEFS_MASK = 0x7f
	CONF_SECURE     = 13
	CONF_X_FROM_OTP = 15
	ZMODP_CMD_ZERO  = 0
	ZMODP_CMD_START = 1
	ZMODP_REG_WORDS = 64
	ZMODP_MIN_BITS  = 128
	ZMODP_MAX_BITS  = 2048
)

// ZMODPWord returns the address of operand word i within an indexed register
// array.
func ZMODPWord(base uint32, i int) uint32 {
	return base + uint32(4*i)
}

// ECP elliptic curve point unit
const (
	ECP_CONF    = 0x40001400
	ECP_CTRL    = 0x40001404
	ECP_CMD     = 0x40001408
	ECP_INT     = 0x4000140c
	ECP_STATUS  = 0x40001410
	ECP_INTMASK = 0x40001414
	ECP_PARAM_A = 0x40001418
	ECP_PARAM_B = 0x4000145c
	ECP_OP1_X   = 0x400014a0
	ECP_OP1_Y   = 0x400014e4
	ECP_OP2_X   = 0x40001528
	ECP_OP2_Y   = 0x4000156c
	ECP_RES_X   = 0x400015b0
	ECP_RES_Y   = 0x400015f4

	// ECP_CONF fields
	ECP_FLD          = 0
	ECP_FLD_MASK     = 0x3
	ECP_FLD_521      = 0x3
	ECP_OP           = 2
	ECP_OP_MASK      = 0x7
	ECP_KEY_FROM_OTP = 5

	// ECP_INT flags
	ECP_INT_DONE         = 0
	ECP_INT_INVALID      = 1
	ECP_INT_ZERO_KEY     = 2
	ECP_INT_ZERO_OUTPUT  = 3
	ECP_INT_CAL_ZERO_INV = 4

	ECP_WORDS = 17
)

// Get returns a register field.
func Get(b Bus, addr uint32, pos int, mask int) uint32 {
	r := b.Read(addr)
	return bits.Get(&r, pos, mask)
}

// IsSet returns whether a register bit is set.
func IsSet(b Bus, addr uint32, pos int) bool {
	return Get(b, addr, pos, 1) == 1
}

// Set sets a register bit.
func Set(b Bus, addr uint32, pos int) {
	r := b.Read(addr)
	bits.Set(&r, pos)
	b.Write(addr, r)
}

// Clear clears a register bit.
func Clear(b Bus, addr uint32, pos int) {
	r := b.Read(addr)
	bits.Clear(&r, pos)
	b.Write(addr, r)
}

// SetN sets a register field.
func SetN(b Bus, addr uint32, pos int, mask int, val uint32) {
	r := b.Read(addr)
	bits.SetN(&r, pos, mask, val&uint32(mask))
	b.Write(addr, r)
}

// Modify replaces the register bits selected by mask with the ones in val.
func Modify(b Bus, addr uint32, val uint32, mask uint32) {
	SetN(b, addr, 0, int(mask), val)
}

// Poll waits for a register field to match val, it returns false if the
// field did not match within the given number of tries.
func Poll(b Bus, addr uint32, pos int, mask int, val uint32, tries int, interval time.Duration) bool {
	for i := 0; i < tries; i++ {
		if Get(b, addr, pos, mask) == val {
			return true
		}

		b.Wait(interval)
	}

	return false
}

// WaitInterrupt polls a write-one-to-clear interrupt register until any flag
// is raised, acknowledges it and returns the raised flags. It returns zero if
// no flag was raised within the given number of tries.
func WaitInterrupt(b Bus, addr uint32, tries int, interval time.Duration) (val uint32) {
	for i := 0; i < tries; i++ {
		if val = b.Read(addr); val != 0 {
			b.Write(addr, val)
			return
		}

		b.Wait(interval)
	}

	return 0
}
