// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ecp implements a driver for the ECP elliptic curve point unit,
// configured for its 521-bit prime field.
package ecp

import (
	"errors"
	"time"

	"github.com/f-secure-foundry/tamago/bits"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

// Op represents an ECP operation.
type Op uint32

// ECP operations
const (
	MUL Op = iota
	ADD
	SUB
	DBL
	INV
	ZERO
)

const (
	WAIT_TRIES    = 10000000
	POLL_INTERVAL = 100 * time.Nanosecond
)

var (
	// ErrZeroResult is returned when the unit flags a zero output or a zero
	// inversion during computation, the meaning of this condition is left to
	// the caller.
	ErrZeroResult   = errors.New("ECP zero result")
	ErrInvalidPoint = errors.New("ECP invalid operand")
	ErrTimeout      = errors.New("ECP timeout")
)

// Point represents an affine curve point, (0, 0) is returned for the point
// at infinity when a zero scalar is used.
type Point struct {
	X bn.Int
	Y bn.Int
}

// IsZero returns whether both coordinates are zero.
func (p *Point) IsZero() bool {
	return p.X.IsZero() && p.Y.IsZero()
}

// Wipe zeroes both coordinates.
func (p *Point) Wipe() {
	p.X.Wipe()
	p.Y.Wipe()
}

// Engine represents the ECP unit, only one instance must exist and its
// methods must not be called concurrently.
type Engine struct {
	Bus soc.Bus

	a bn.Int
	b bn.Int
}

func (e *Engine) write(base uint32, v *bn.Int) {
	for i := 0; i < soc.ECP_WORDS; i++ {
		e.Bus.Write(soc.ZMODPWord(base, i), v[i])
	}
}

func (e *Engine) read(base uint32) (v bn.Int) {
	for i := 0; i < soc.ECP_WORDS; i++ {
		v[i] = e.Bus.Read(soc.ZMODPWord(base, i))
	}

	return
}

func (e *Engine) command(op Op, key bool) (flags uint32, err error) {
	var conf uint32

	bits.SetN(&conf, soc.ECP_FLD, soc.ECP_FLD_MASK, soc.ECP_FLD_521)
	bits.SetN(&conf, soc.ECP_OP, soc.ECP_OP_MASK, uint32(op))

	if key {
		bits.Set(&conf, soc.ECP_KEY_FROM_OTP)
	}

	e.Bus.Write(soc.ECP_CONF, conf)
	e.Bus.Write(soc.ECP_CMD, 1)

	if flags = soc.WaitInterrupt(e.Bus, soc.ECP_INT, WAIT_TRIES, POLL_INTERVAL); flags == 0 {
		return 0, ErrTimeout
	}

	return
}

// Configure selects the 521-bit field and zeroes the unit.
func (e *Engine) Configure() (err error) {
	e.Bus.Write(soc.AIB_CTRL, soc.AIB_ECP)
	soc.Modify(e.Bus, soc.SP_CTRL, 0x10, 0x30)

	_, err = e.command(ZERO, false)

	return
}

// SetCurve sets the curve coefficients loaded at every operation.
func (e *Engine) SetCurve(a *bn.Int, b *bn.Int) {
	e.a = *a
	e.b = *b
}

func (e *Engine) execute(op Op, p1 *Point, p2 *Point, key bool) (r Point, err error) {
	var flags uint32

	if err = e.Configure(); err != nil {
		return
	}

	e.write(soc.ECP_PARAM_A, &e.a)
	e.write(soc.ECP_PARAM_B, &e.b)

	if p1 == nil {
		p1 = &Point{}
	}

	if p2 == nil {
		p2 = &Point{}
	}

	e.write(soc.ECP_OP1_X, &p1.X)
	e.write(soc.ECP_OP1_Y, &p1.Y)
	e.write(soc.ECP_OP2_X, &p2.X)
	e.write(soc.ECP_OP2_Y, &p2.Y)

	if flags, err = e.command(op, key); err != nil {
		return
	}

	switch {
	case flags&(1<<soc.ECP_INT_ZERO_OUTPUT|1<<soc.ECP_INT_CAL_ZERO_INV) != 0:
		return r, ErrZeroResult
	case flags&(1<<soc.ECP_INT_INVALID) != 0:
		return r, ErrInvalidPoint
	}

	r.X = e.read(soc.ECP_RES_X)
	r.Y = e.read(soc.ECP_RES_Y)

	return
}

// Execute performs an operation on software supplied operands.
func (e *Engine) Execute(op Op, p1 *Point, p2 *Point) (Point, error) {
	return e.execute(op, p1, p2, false)
}

// Add returns p + q.
func (e *Engine) Add(p *Point, q *Point) (Point, error) {
	return e.Execute(ADD, p, q)
}

// Sub returns p - q.
func (e *Engine) Sub(p *Point, q *Point) (Point, error) {
	return e.Execute(SUB, p, q)
}

// Double returns 2p.
func (e *Engine) Double(p *Point) (Point, error) {
	return e.Execute(DBL, p, nil)
}

// Negate returns -p.
func (e *Engine) Negate(p *Point) (Point, error) {
	return e.Execute(INV, p, nil)
}

// Zero clears the unit result registers.
func (e *Engine) Zero() (err error) {
	_, err = e.Execute(ZERO, nil, nil)
	return
}

// Mul returns k * p, a zero k yields (0, 0).
func (e *Engine) Mul(p *Point, k *bn.Int) (Point, error) {
	return e.execute(MUL, p, &Point{X: *k, Y: *k}, false)
}

// MulSecure returns d * p, where d is the OTP private scalar. The scalar
// operand registers are left at one, the unit substitutes the secure buffer
// value.
func (e *Engine) MulSecure(sb efuse.SecureBuffer, p *Point) (Point, error) {
	if !sb.Valid() {
		return Point{}, efuse.ErrNotPrimed
	}

	one := bn.FromUint32(1)

	return e.execute(MUL, p, &Point{X: one, Y: one}, true)
}

// MulByKey loads the secure buffer and returns d * p, where d is the OTP
// private scalar. This is the only path turning the private key into a
// public point.
func (e *Engine) MulByKey(store *efuse.Store, p *Point) (Point, error) {
	sb, err := store.ReadSecureBuffer()

	if err != nil {
		return Point{}, err
	}

	return e.MulSecure(sb, p)
}

// ClearOperands zeroes the operand registers, which may hold secrets after
// a multiplication.
func (e *Engine) ClearOperands() {
	var zero bn.Int

	e.write(soc.ECP_OP1_X, &zero)
	e.write(soc.ECP_OP1_Y, &zero)
	e.write(soc.ECP_OP2_X, &zero)
	e.write(soc.ECP_OP2_Y, &zero)
}
