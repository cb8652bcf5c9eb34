// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package zmodp implements a driver for the ZMODP modular arithmetic unit.
//
// Operands are transferred in Montgomery friendly form: the unit is given the
// modulus P together with R^2 mod P (R = 2^(32*words)) and performs the
// domain conversions internally.
package zmodp

import (
	"errors"
	"time"

	"github.com/f-secure-foundry/tamago/bits"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

// Op represents a ZMODP operation.
type Op uint32

// ZMODP operations
const (
	MONT Op = iota
	MUL
	EXP
	INV
	PRE
)

const (
	WAIT_TRIES    = 1000000
	POLL_INTERVAL = 100 * time.Nanosecond
)

var (
	ErrInvalidArgument = errors.New("invalid ZMODP argument")
	ErrTimeout         = errors.New("ZMODP timeout")
)

// Modulus represents a modulus and its Montgomery helper R^2 mod P.
type Modulus struct {
	P bn.Int
	R bn.Int
}

// Engine represents the ZMODP unit, only one instance must exist and its
// methods must not be called concurrently.
type Engine struct {
	Bus soc.Bus

	longs int
	pad   int
	mod   *Modulus
}

// Configure sets the operand size, operands are zero padded to the size
// bucket (128, 256, 512, 1024 or 2048 bits) selected for the argument
// modulus bit length.
func (e *Engine) Configure(nbits int) error {
	if nbits <= 0 || nbits > bn.WORDS*32 {
		return ErrInvalidArgument
	}

	e.longs = (nbits + 31) / 32

	if nbits < soc.ZMODP_MIN_BITS {
		nbits = soc.ZMODP_MIN_BITS
	}

	sz := 0

	for soc.ZMODP_MIN_BITS<<sz < nbits {
		sz++
	}

	e.pad = soc.ZMODP_MIN_BITS << sz / 32

	soc.SetN(e.Bus, soc.ZMODP_CONF, soc.CONF_SZ, soc.CONF_SZ_MASK, uint32(sz))
	soc.SetN(e.Bus, soc.ZMODP_CONF, soc.CONF_COEFS, soc.CONF_COEFS_MASK, uint32(e.longs))

	return nil
}

// SetModulus sets the modulus used by the following operations.
func (e *Engine) SetModulus(m *Modulus) {
	e.mod = m
}

func (e *Engine) fifo(addr uint32, v *bn.Int) {
	i := 0

	for ; i < e.longs; i++ {
		e.Bus.Write(addr, v[i])
	}

	for ; i < e.pad; i++ {
		e.Bus.Write(addr, 0)
	}
}

func (e *Engine) array(base uint32, v *bn.Int) {
	i := 0

	for ; i < e.longs; i++ {
		e.Bus.Write(soc.ZMODPWord(base, i), v[i])
	}

	for ; i < e.pad; i++ {
		e.Bus.Write(soc.ZMODPWord(base, i), 0)
	}
}

func (e *Engine) execute(op Op, x *bn.Int, y *bn.Int, clearX bool, otp bool) (res bn.Int, err error) {
	var conf uint32
	var mask uint32

	b := e.Bus

	if e.mod == nil || e.pad == 0 {
		return res, ErrInvalidArgument
	}

	if x == nil {
		x = &bn.Int{}
	}

	if y == nil {
		y = &bn.Int{}
	}

	bits.SetN(&conf, soc.CONF_OP, soc.CONF_OP_MASK, uint32(op))
	bits.Set(&conf, soc.CONF_SECURE)

	bits.SetN(&mask, soc.CONF_OP, soc.CONF_OP_MASK, soc.CONF_OP_MASK)
	bits.Set(&mask, soc.CONF_SECURE)
	bits.Set(&mask, soc.CONF_X_FROM_OTP)

	if otp {
		bits.Set(&conf, soc.CONF_X_FROM_OTP)
	}

	b.Write(soc.AIB_CTRL, soc.AIB_ZMODP)
	soc.Modify(b, soc.SP_CTRL, 0x10, 0x30)
	soc.Modify(b, soc.ZMODP_CONF, conf, mask)

	e.fifo(soc.ZMODP_MODULI, &e.mod.P)

	if op != PRE {
		if !otp {
			e.array(soc.ZMODP_X, x)
		}

		if op == EXP || op == INV {
			e.fifo(soc.ZMODP_Y, &e.mod.R)
		} else {
			e.array(soc.ZMODP_X1, &e.mod.R)
			e.fifo(soc.ZMODP_Y, y)
		}

		if op == EXP {
			e.array(soc.ZMODP_EXP, y)
		}
	}

	b.Write(soc.ZMODP_CMD, 1<<soc.ZMODP_CMD_START)

	if soc.WaitInterrupt(b, soc.ZMODP_INT, WAIT_TRIES, POLL_INTERVAL) == 0 {
		return res, ErrTimeout
	}

	if clearX {
		for i := 0; i < e.longs; i++ {
			b.Write(soc.ZMODPWord(soc.ZMODP_X, i), 0)
		}
	}

	for i := 0; i < e.pad; i++ {
		w := b.Read(soc.ZMODP_Z)

		if i < e.longs {
			res[i] = w
		}
	}

	return
}

// Execute performs an operation on software supplied operands, for EXP y is
// the exponent. When clearX is set the x operand registers are cleared once
// the operation completes.
func (e *Engine) Execute(op Op, x *bn.Int, y *bn.Int, clearX bool) (bn.Int, error) {
	return e.execute(op, x, y, clearX, false)
}

// ExecuteSecure performs an operation whose x operand is the OTP private
// scalar, loaded by the hardware from the secure buffer. Only MUL and MONT
// are supported.
func (e *Engine) ExecuteSecure(op Op, sb efuse.SecureBuffer, y *bn.Int) (bn.Int, error) {
	if op != MUL && op != MONT {
		return bn.Int{}, ErrInvalidArgument
	}

	if !sb.Valid() {
		return bn.Int{}, efuse.ErrNotPrimed
	}

	return e.execute(op, nil, y, false, true)
}

// Mul returns x * y mod P.
func (e *Engine) Mul(x *bn.Int, y *bn.Int) (bn.Int, error) {
	return e.Execute(MUL, x, y, false)
}

// MulSecure returns d * y mod P, where d is the OTP private scalar.
func (e *Engine) MulSecure(sb efuse.SecureBuffer, y *bn.Int) (bn.Int, error) {
	return e.ExecuteSecure(MUL, sb, y)
}

// Exp returns x^y mod P.
func (e *Engine) Exp(x *bn.Int, y *bn.Int) (bn.Int, error) {
	return e.Execute(EXP, x, y, false)
}

// Inv returns x^-1 mod P, or zero when x is not invertible.
func (e *Engine) Inv(x *bn.Int, clearX bool) (bn.Int, error) {
	return e.Execute(INV, x, nil, clearX)
}

// Precompute returns the Montgomery helper R^2 mod P for the configured
// modulus.
func (e *Engine) Precompute() (bn.Int, error) {
	return e.Execute(PRE, nil, nil, false)
}

// Zeroize clears the unit internal state.
func (e *Engine) Zeroize() error {
	e.Bus.Write(soc.ZMODP_CMD, 1<<soc.ZMODP_CMD_ZERO)

	if soc.WaitInterrupt(e.Bus, soc.ZMODP_INT, WAIT_TRIES, POLL_INTERVAL) == 0 {
		return ErrTimeout
	}

	return nil
}
