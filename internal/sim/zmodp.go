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

// ZMODP operations
const (
	opMont = iota
	opMul
	opExp
	opInv
	opPre
)

type zmodpState struct {
	moduli []uint32
	y      []uint32
	z      []uint32
}

func (z *zmodpState) pop() (val uint32) {
	if len(z.z) == 0 {
		return
	}

	val = z.z[0]
	z.z = z.z[1:]

	return
}

// toBig converts little endian words to a math/big integer.
func toBig(words []uint32) *big.Int {
	v := new(big.Int)

	for i := len(words) - 1; i >= 0; i-- {
		v.Lsh(v, 32)
		v.Or(v, new(big.Int).SetUint64(uint64(words[i])))
	}

	return v
}

// fromBig converts a math/big integer to n little endian words.
func fromBig(v *big.Int, n int) []uint32 {
	words := make([]uint32, n)
	t := new(big.Int).Set(v)
	mask := new(big.Int).SetUint64(0xffffffff)

	for i := 0; i < n; i++ {
		words[i] = uint32(new(big.Int).And(t, mask).Uint64())
		t.Rsh(t, 32)
	}

	return words
}

func (s *SoC) array(base uint32, n int) []uint32 {
	words := make([]uint32, n)

	for i := range words {
		words[i] = s.regs[soc.ZMODPWord(base, i)]
	}

	return words
}

func fifo(words []uint32, n int) []uint32 {
	out := make([]uint32, n)
	copy(out, words)
	return out
}

func (s *SoC) zmodpCmd(val uint32) {
	if bits.Get(&val, soc.ZMODP_CMD_ZERO, 1) == 1 {
		for i := 0; i < soc.ZMODP_REG_WORDS; i++ {
			delete(s.regs, soc.ZMODPWord(soc.ZMODP_X, i))
			delete(s.regs, soc.ZMODPWord(soc.ZMODP_X1, i))
			delete(s.regs, soc.ZMODPWord(soc.ZMODP_EXP, i))
		}

		s.zmodp = zmodpState{}
	}

	if bits.Get(&val, soc.ZMODP_CMD_START, 1) == 1 {
		s.zmodpStart()
	}

	if !s.stallEngines {
		s.regs[soc.ZMODP_INT] |= 1
	}
}

func (s *SoC) zmodpStart() {
	conf := s.regs[soc.ZMODP_CONF]
	op := bits.Get(&conf, soc.CONF_OP, soc.CONF_OP_MASK)
	longs := int(bits.Get(&conf, soc.CONF_COEFS, soc.CONF_COEFS_MASK))
	pad := 4 << bits.Get(&conf, soc.CONF_SZ, soc.CONF_SZ_MASK)

	if pad > soc.ZMODP_REG_WORDS {
		pad = soc.ZMODP_REG_WORDS
	}

	m := toBig(fifo(s.zmodp.moduli, pad))
	y := toBig(fifo(s.zmodp.y, pad))
	s.zmodp.moduli = nil
	s.zmodp.y = nil

	res := new(big.Int)

	defer func() {
		s.zmodp.z = fromBig(res, pad)
	}()

	if m.Sign() == 0 {
		return
	}

	R := new(big.Int).Lsh(big.NewInt(1), uint(32*longs))
	Rinv := new(big.Int).ModInverse(R, m)

	if Rinv == nil {
		return
	}

	var x *big.Int

	if bits.Get(&conf, soc.CONF_X_FROM_OTP, 1) == 1 {
		if op != opMul && op != opMont {
			return
		}

		// an empty secure buffer reads as zero
		x = new(big.Int)

		if s.secureBufferReady() {
			x = toBig(s.sb[:])
		}
	} else {
		x = toBig(s.array(soc.ZMODP_X, pad))
	}

	x1 := toBig(s.array(soc.ZMODP_X1, pad))
	e := toBig(s.array(soc.ZMODP_EXP, pad))

	// a * b * R^-2, operand conversion through the Montgomery domain
	mont2 := func(a, b *big.Int) *big.Int {
		t := new(big.Int).Mul(a, b)
		t.Mul(t, Rinv)
		t.Mul(t, Rinv)
		return t.Mod(t, m)
	}

	switch op {
	case opMont:
		res.Mul(x, y)
		res.Mul(res, Rinv)
		res.Mod(res, m)
	case opMul:
		res.Mul(x, x1)
		res.Mul(res, y)
		res.Mul(res, Rinv)
		res.Mul(res, Rinv)
		res.Mod(res, m)
	case opExp:
		res.Exp(mont2(x, y), e, m)
	case opInv:
		if inv := new(big.Int).ModInverse(mont2(x, y), m); inv != nil {
			res = inv
		}
	case opPre:
		res.Exp(R, big.NewInt(2), m)
	}
}
