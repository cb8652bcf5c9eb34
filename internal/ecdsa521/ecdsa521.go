// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ecdsa521 implements ECDSA over NIST P-521 on top of the ZMODP and
// ECP units, with the private scalar held in the OTP secure buffer.
//
// Message representatives are 521-bit integers derived by the caller from a
// message digest, see HashToInt.
package ecdsa521

import (
	"encoding/binary"
	"errors"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ebg"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/zmodp"
)

// MAX_DRAWS bounds the random scalar rejection sampling and signature
// retries.
const MAX_DRAWS = 1024

var (
	ErrEntropy = errors.New("could not draw random scalar")
	ErrNoKey   = errors.New("no private key")
	ErrMessage = errors.New("message representative exceeds 521 bits")
)

// P-521 domain parameters, little endian words
var (
	P = bn.Int{
		0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
		0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
		0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0x000001ff,
	}

	// R^2 mod P
	PR = bn.Int{0x00000000, 0x00004000}

	A = bn.Int{
		0xfffffffc, 0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
		0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
		0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0x000001ff,
	}

	B = bn.Int{
		0x6b503f00, 0xef451fd4, 0x3d2c34f1, 0x3573df88, 0x3bb1bf07, 0x1652c0bd,
		0xec7e937b, 0x56193951, 0x8ef109e1, 0xb8b48991, 0x99b315f3, 0xa2da725b,
		0xb68540ee, 0x929a21a0, 0x8e1c9a1f, 0x953eb961, 0x00000051,
	}

	G = ecp.Point{
		X: bn.Int{
			0xc2e5bd66, 0xf97e7e31, 0x856a429b, 0x3348b3c1, 0xa2ffa8de, 0xfe1dc127,
			0xefe75928, 0xa14b5e77, 0x6b4d3dba, 0xf828af60, 0x053fb521, 0x9c648139,
			0x2395b442, 0x9e3ecb66, 0x0404e9cd, 0x858e06b7, 0x000000c6,
		},
		Y: bn.Int{
			0x9fd16650, 0x88be9476, 0xa272c240, 0x353c7086, 0x3fad0761, 0xc550b901,
			0x5ef42640, 0x97ee7299, 0x273e662c, 0x17afbd17, 0x579b4468, 0x98f54449,
			0x2c7d1bd9, 0x5c8a5fb4, 0x9a3bc004, 0x39296a78, 0x00000118,
		},
	}

	N = bn.Int{
		0x91386409, 0xbb6fb71e, 0x899c47ae, 0x3bb5c9b8, 0xf709a5d0, 0x7fcc0148,
		0xbf2f966b, 0x51868783, 0xfffffffa, 0xffffffff, 0xffffffff, 0xffffffff,
		0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff, 0x000001ff,
	}

	// R^2 mod N
	NR = bn.Int{
		0x61c64ca7, 0x1163115a, 0x4374a642, 0x18354a56, 0x0791d9dc, 0x5d4dd6d3,
		0xd3402705, 0x4fb35b72, 0xb7756e3a, 0xcff3d142, 0xa8e567bc, 0x5bcc6d61,
		0x492d0d45, 0x2d8e03d1, 0x8c44383d, 0x5b5a3afe, 0x0000019a,
	}

	Prime = zmodp.Modulus{P: P, R: PR}
	Order = zmodp.Modulus{P: N, R: NR}
)

// Signature represents an ECDSA signature.
type Signature struct {
	R bn.Int
	S bn.Int
}

// ECDSA represents the signing service, bound to the hardware units and to a
// random source.
type ECDSA struct {
	Store *efuse.Store
	ZMODP *zmodp.Engine
	ECP   *ecp.Engine
	RNG   ebg.Source

	// a fused key cannot be removed, set once PublicKey succeeds
	keyed bool
}

// New returns the signing service for the argument units.
func New(store *efuse.Store, z *zmodp.Engine, p *ecp.Engine, rng ebg.Source) *ECDSA {
	return &ECDSA{
		Store: store,
		ZMODP: z,
		ECP:   p,
		RNG:   rng,
	}
}

// HashToInt converts a digest of at most 64 bytes to a message
// representative, interpreting it as a big endian integer.
func HashToInt(digest []byte) (z bn.Int, err error) {
	if len(digest) > 64 {
		return z, ErrMessage
	}

	return bn.FromBytes(digest)
}

// random returns a uniformly distributed scalar in [1, max).
func (e *ECDSA) random(max *bn.Int) (x bn.Int, err error) {
	buf := make([]byte, bn.SIZE)

	defer func() {
		for i := range buf {
			buf[i] = 0
		}
	}()

	for i := 0; i < MAX_DRAWS; i++ {
		if err = e.RNG.Random(buf); err != nil {
			return
		}

		for j := range x {
			x[j] = binary.LittleEndian.Uint32(buf[j*4:])
		}

		x.Truncate()

		if x.InRange(max) {
			return
		}
	}

	x.Wipe()

	return x, ErrEntropy
}

func (e *ECDSA) order() (err error) {
	if err = e.ZMODP.Configure(bn.BITS); err != nil {
		return
	}

	e.ZMODP.SetModulus(&Order)

	return
}

func (e *ECDSA) prime() (err error) {
	if err = e.ZMODP.Configure(bn.BITS); err != nil {
		return
	}

	e.ZMODP.SetModulus(&Prime)

	return
}

// GeneratePrivateKey draws a private scalar in [1, N) and programs it in
// the OTP secure buffer rows. The scalar never leaves this function.
func (e *ECDSA) GeneratePrivateKey() (err error) {
	d, err := e.random(&N)

	if err != nil {
		return
	}

	defer d.Wipe()

	return e.Store.WriteSecureBuffer(&d)
}

// PublicKey returns the public point of the OTP private scalar, ErrNoKey is
// returned when no key has been generated.
func (e *ECDSA) PublicKey() (pub ecp.Point, err error) {
	e.ECP.SetCurve(&A, &B)

	if pub, err = e.ECP.MulByKey(e.Store, &G); err != nil {
		return
	}

	if pub.X.IsZero() {
		return ecp.Point{}, ErrNoKey
	}

	e.keyed = true

	return
}

// CompressedPublicKey returns the public key in compressed form: the x
// coordinate as big endian words with the most significant word tagged with
// 0x20000 (even y) or 0x30000 (odd y).
func (e *ECDSA) CompressedPublicKey() (cp bn.Int, err error) {
	pub, err := e.PublicKey()

	if err != nil {
		return
	}

	return Compress(&pub), nil
}

// Compress returns the compressed form of a point, its byte encoding is a
// zero byte followed by the SEC 1 compressed point.
func Compress(pub *ecp.Point) (cp bn.Int) {
	for i := 0; i < bn.WORDS; i++ {
		cp[i] = pub.X[bn.WORDS-1-i]
	}

	if pub.Y.Bit(0) == 1 {
		cp[0] |= 0x30000
	} else {
		cp[0] |= 0x20000
	}

	return
}

// EncodeCompressed returns the byte encoding of a compressed public key.
func EncodeCompressed(cp *bn.Int) []byte {
	buf := make([]byte, bn.SIZE)

	for i, w := range cp {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}

	return buf
}

// Sign signs the message representative z with the OTP private scalar,
// ErrNoKey is returned when no key has been generated.
func (e *ECDSA) Sign(z *bn.Int) (sig Signature, err error) {
	var k bn.Int
	var kinv bn.Int
	var s bn.Int

	if z[bn.WORDS-1] > bn.TOP_MASK {
		return sig, ErrMessage
	}

	defer k.Wipe()
	defer kinv.Wipe()
	defer s.Wipe()

	if !e.keyed {
		if _, err = e.PublicKey(); err != nil {
			return
		}
	}

	e.ECP.SetCurve(&A, &B)

	sb, err := e.Store.ReadSecureBuffer()

	if err != nil {
		return
	}

	for i := 0; i < MAX_DRAWS; i++ {
		var R ecp.Point

		if k, err = e.random(&N); err != nil {
			return
		}

		R, err = e.ECP.Mul(&G, &k)
		e.ECP.ClearOperands()

		if errors.Is(err, ecp.ErrZeroResult) {
			continue
		}

		if err != nil {
			return
		}

		sig.R = R.X
		sig.R.Mod(&N)

		if sig.R.IsZero() {
			continue
		}

		if err = e.order(); err != nil {
			return
		}

		// s = k^-1 * (z + r * d) mod N
		if s, err = e.ZMODP.MulSecure(sb, &sig.R); err != nil {
			return
		}

		if kinv, err = e.ZMODP.Inv(&k, true); err != nil {
			return
		}

		if err = e.ZMODP.Zeroize(); err != nil {
			return
		}

		s.AddMod(z, &N)

		if sig.S, err = e.ZMODP.Execute(zmodp.MUL, &kinv, &s, true); err != nil {
			return
		}

		if err = e.ZMODP.Zeroize(); err != nil {
			return
		}

		if !sig.S.IsZero() {
			return
		}
	}

	return Signature{}, ErrEntropy
}

// OnCurve returns whether a point satisfies y^2 = x^3 + ax + b mod P, with
// both coordinates in [0, P).
func (e *ECDSA) OnCurve(pub *ecp.Point) bool {
	if pub.X.Cmp(&P) >= 0 || pub.Y.Cmp(&P) >= 0 {
		return false
	}

	if err := e.prime(); err != nil {
		return false
	}

	three := bn.FromUint32(3)

	r, err := e.ZMODP.Exp(&pub.X, &three)

	if err != nil {
		return false
	}

	t, err := e.ZMODP.Mul(&pub.X, &A)

	if err != nil {
		return false
	}

	r.AddMod(&t, &P)
	r.AddMod(&B, &P)

	if t, err = e.ZMODP.Mul(&pub.Y, &pub.Y); err != nil {
		return false
	}

	return r.Cmp(&t) == 0
}

// Verify returns whether sig is a valid signature of the message
// representative z under the argument public key. Any engine failure results
// in a failed verification.
func (e *ECDSA) Verify(pub *ecp.Point, sig *Signature, z *bn.Int) bool {
	var q ecp.Point

	if z[bn.WORDS-1] > bn.TOP_MASK {
		return false
	}

	if !e.OnCurve(pub) {
		return false
	}

	e.ECP.SetCurve(&A, &B)

	// the point must have order N
	if _, err := e.ECP.Mul(pub, &N); !errors.Is(err, ecp.ErrZeroResult) {
		return false
	}

	if !sig.R.InRange(&N) || !sig.S.InRange(&N) {
		return false
	}

	if err := e.order(); err != nil {
		return false
	}

	w, err := e.ZMODP.Inv(&sig.S, false)

	if err != nil {
		return false
	}

	u1, err := e.ZMODP.Mul(z, &w)

	if err != nil {
		return false
	}

	u2, err := e.ZMODP.Mul(&sig.R, &w)

	if err != nil {
		return false
	}

	if u1.IsZero() {
		if q, err = e.ECP.Mul(pub, &u2); err != nil {
			return false
		}
	} else {
		a, err := e.ECP.Mul(&G, &u1)

		if err != nil {
			return false
		}

		b, err := e.ECP.Mul(pub, &u2)

		if err != nil {
			return false
		}

		if q, err = e.ECP.Add(&a, &b); err != nil {
			return false
		}
	}

	x := q.X
	x.Mod(&N)

	return x.Cmp(&sig.R) == 0
}
