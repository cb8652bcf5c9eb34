// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sim

import (
	"math/big"

	"github.com/f-secure-foundry/tamago/bits"

	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

// ECP operations
const (
	ecpMul = iota
	ecpAdd
	ecpSub
	ecpDbl
	ecpInv
	ecpZero
)

// p521 is the only field supported by the model, 2^521 - 1.
var p521 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 521), big.NewInt(1))

type curve struct {
	p *big.Int
	a *big.Int
	b *big.Int
}

// jacobian coordinates (X/Z^2, Y/Z^3), Z = 0 is the point at infinity
type jacobian struct {
	x, y, z *big.Int
}

func (c *curve) mod(v *big.Int) *big.Int {
	return v.Mod(v, c.p)
}

func (c *curve) mul(a, b *big.Int) *big.Int {
	return c.mod(new(big.Int).Mul(a, b))
}

func (c *curve) sub(a, b *big.Int) *big.Int {
	return c.mod(new(big.Int).Sub(a, b))
}

func infinity() *jacobian {
	return &jacobian{new(big.Int), new(big.Int), new(big.Int)}
}

func (j *jacobian) isInfinity() bool {
	return j.z.Sign() == 0
}

func (c *curve) toJacobian(x, y *big.Int) *jacobian {
	return &jacobian{new(big.Int).Set(x), new(big.Int).Set(y), big.NewInt(1)}
}

func (c *curve) toAffine(j *jacobian) (x, y *big.Int) {
	zinv := new(big.Int).ModInverse(j.z, c.p)
	zinv2 := c.mul(zinv, zinv)

	x = c.mul(j.x, zinv2)
	y = c.mul(j.y, c.mul(zinv2, zinv))

	return
}

func (c *curve) onCurve(x, y *big.Int) bool {
	if x.Cmp(c.p) >= 0 || y.Cmp(c.p) >= 0 {
		return false
	}

	// y^2 = x^3 + ax + b
	lhs := c.mul(y, y)
	rhs := c.mul(c.mul(x, x), x)
	rhs.Add(rhs, c.mul(c.a, x))
	rhs.Add(rhs, c.b)

	return lhs.Cmp(c.mod(rhs)) == 0
}

func (c *curve) double(p *jacobian) *jacobian {
	if p.isInfinity() || p.y.Sign() == 0 {
		return infinity()
	}

	xx := c.mul(p.x, p.x)
	yy := c.mul(p.y, p.y)
	zz := c.mul(p.z, p.z)

	// S = 4XY^2, M = 3X^2 + aZ^4
	s := c.mul(big.NewInt(4), c.mul(p.x, yy))
	m := c.mul(big.NewInt(3), xx)
	m.Add(m, c.mul(c.a, c.mul(zz, zz)))
	c.mod(m)

	x3 := c.sub(c.mul(m, m), c.mul(big.NewInt(2), s))
	y3 := c.sub(c.mul(m, c.sub(s, x3)), c.mul(big.NewInt(8), c.mul(yy, yy)))
	z3 := c.mul(big.NewInt(2), c.mul(p.y, p.z))

	return &jacobian{x3, y3, z3}
}

func (c *curve) add(p *jacobian, q *jacobian) *jacobian {
	switch {
	case p.isInfinity():
		return q
	case q.isInfinity():
		return p
	}

	z1z1 := c.mul(p.z, p.z)
	z2z2 := c.mul(q.z, q.z)
	u1 := c.mul(p.x, z2z2)
	u2 := c.mul(q.x, z1z1)
	s1 := c.mul(p.y, c.mul(q.z, z2z2))
	s2 := c.mul(q.y, c.mul(p.z, z1z1))

	h := c.sub(u2, u1)
	r := c.sub(s2, s1)

	if h.Sign() == 0 {
		if r.Sign() == 0 {
			return c.double(p)
		}

		return infinity()
	}

	hh := c.mul(h, h)
	hhh := c.mul(h, hh)
	v := c.mul(u1, hh)

	x3 := c.sub(c.sub(c.mul(r, r), hhh), c.mul(big.NewInt(2), v))
	y3 := c.sub(c.mul(r, c.sub(v, x3)), c.mul(s1, hhh))
	z3 := c.mul(c.mul(p.z, q.z), h)

	return &jacobian{x3, y3, z3}
}

func (c *curve) scalarMult(p *jacobian, k *big.Int) *jacobian {
	r := infinity()

	for i := k.BitLen() - 1; i >= 0; i-- {
		r = c.double(r)

		if k.Bit(i) == 1 {
			r = c.add(r, p)
		}
	}

	return r
}

func (s *SoC) ecpPoint(xreg uint32, yreg uint32) (x, y *big.Int) {
	return toBig(s.array(xreg, soc.ECP_WORDS)), toBig(s.array(yreg, soc.ECP_WORDS))
}

func (s *SoC) ecpResult(x, y *big.Int) {
	xw := fromBig(x, soc.ECP_WORDS)
	yw := fromBig(y, soc.ECP_WORDS)

	for i := 0; i < soc.ECP_WORDS; i++ {
		s.regs[soc.ZMODPWord(soc.ECP_RES_X, i)] = xw[i]
		s.regs[soc.ZMODPWord(soc.ECP_RES_Y, i)] = yw[i]
	}
}

func (s *SoC) ecpCmd(val uint32) {
	if val&1 == 0 {
		return
	}

	flags := s.ecpExecute()

	if !s.stallEngines {
		s.regs[soc.ECP_INT] |= flags | 1<<soc.ECP_INT_DONE
	}
}

func (s *SoC) ecpExecute() (flags uint32) {
	conf := s.regs[soc.ECP_CONF]
	op := bits.Get(&conf, soc.ECP_OP, soc.ECP_OP_MASK)
	zero := new(big.Int)

	if bits.Get(&conf, soc.ECP_FLD, soc.ECP_FLD_MASK) != soc.ECP_FLD_521 {
		return 1 << soc.ECP_INT_INVALID
	}

	if op == ecpZero {
		s.ecpResult(zero, zero)
		return
	}

	c := &curve{
		p: p521,
		a: toBig(s.array(soc.ECP_PARAM_A, soc.ECP_WORDS)),
		b: toBig(s.array(soc.ECP_PARAM_B, soc.ECP_WORDS)),
	}

	x1, y1 := s.ecpPoint(soc.ECP_OP1_X, soc.ECP_OP1_Y)
	x2, y2 := s.ecpPoint(soc.ECP_OP2_X, soc.ECP_OP2_Y)

	// (0, 0) encodes the point at infinity, which the unit cannot invert
	if x1.Sign() == 0 && y1.Sign() == 0 {
		s.ecpResult(zero, zero)
		return 1 << soc.ECP_INT_CAL_ZERO_INV
	}

	if !c.onCurve(x1, y1) {
		s.ecpResult(zero, zero)
		return 1 << soc.ECP_INT_INVALID
	}

	var r *jacobian

	switch op {
	case ecpMul:
		k := x2

		if bits.Get(&conf, soc.ECP_KEY_FROM_OTP, 1) == 1 {
			k = new(big.Int)

			if s.secureBufferReady() {
				k = toBig(s.sb[:])
			}
		}

		if k.Sign() == 0 {
			s.ecpResult(zero, zero)
			return 1 << soc.ECP_INT_ZERO_KEY
		}

		r = c.scalarMult(c.toJacobian(x1, y1), k)
	case ecpAdd, ecpSub:
		if x2.Sign() == 0 && y2.Sign() == 0 {
			s.ecpResult(zero, zero)
			return 1 << soc.ECP_INT_CAL_ZERO_INV
		}

		if !c.onCurve(x2, y2) {
			s.ecpResult(zero, zero)
			return 1 << soc.ECP_INT_INVALID
		}

		if op == ecpSub {
			y2 = c.sub(zero, y2)
		}

		// the affine addition formula has no doubling case
		if x1.Cmp(x2) == 0 && y1.Cmp(y2) == 0 {
			s.ecpResult(zero, zero)
			return 1 << soc.ECP_INT_CAL_ZERO_INV
		}

		r = c.add(c.toJacobian(x1, y1), c.toJacobian(x2, y2))
	case ecpDbl:
		r = c.double(c.toJacobian(x1, y1))
	case ecpInv:
		s.ecpResult(x1, c.sub(zero, y1))
		return
	default:
		return 1 << soc.ECP_INT_INVALID
	}

	if r.isInfinity() {
		s.ecpResult(zero, zero)
		return 1 << soc.ECP_INT_ZERO_OUTPUT
	}

	s.ecpResult(c.toAffine(r))

	return
}
