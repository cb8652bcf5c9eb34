// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ecdsa521

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ebg"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/sim"
	"github.com/f-secure-foundry/wtmi-trust/internal/zmodp"
)

type zeroSource struct{}

func (zeroSource) Random(buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}

	return nil
}

func newECDSA(rng ebg.Source) (*ECDSA, *sim.SoC) {
	s := sim.New()

	return &ECDSA{
		Store: &efuse.Store{Bus: s},
		ZMODP: &zmodp.Engine{Bus: s},
		ECP:   &ecp.Engine{Bus: s},
		RNG:   rng,
	}, s
}

func toInt(t *testing.T, v *big.Int) bn.Int {
	x, err := bn.FromBig(v)
	require.NoError(t, err)
	return x
}

func digest(t *testing.T, msg string) ([]byte, bn.Int) {
	sum := sha512.Sum512([]byte(msg))
	z, err := HashToInt(sum[:])
	require.NoError(t, err)

	return sum[:], z
}

func TestDomainParameters(t *testing.T) {
	params := elliptic.P521().Params()

	assert.Equal(t, toInt(t, params.P), P)
	assert.Equal(t, toInt(t, params.N), N)
	assert.Equal(t, toInt(t, params.B), B)
	assert.Equal(t, toInt(t, params.Gx), G.X)
	assert.Equal(t, toInt(t, params.Gy), G.Y)
	assert.Equal(t, toInt(t, new(big.Int).Sub(params.P, big.NewInt(3))), A)

	R2 := new(big.Int).Lsh(big.NewInt(1), 2*bn.WORDS*32)

	assert.Equal(t, new(big.Int).Mod(R2, params.P), PR.Big())
	assert.Equal(t, new(big.Int).Mod(R2, params.N), NR.Big())
}

func TestHashToInt(t *testing.T) {
	z, err := HashToInt([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, bn.FromUint32(0x0102), z)

	_, err = HashToInt(make([]byte, 65))
	assert.ErrorIs(t, err, ErrMessage)
}

func TestNoKey(t *testing.T) {
	e, _ := newECDSA(ebg.NewHKDFSource([]byte("no key")))

	_, err := e.PublicKey()
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = e.CompressedPublicKey()
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestSignNoKey(t *testing.T) {
	e, _ := newECDSA(ebg.NewHKDFSource([]byte("sign no key")))

	_, z := digest(t, "hello")

	_, err := e.Sign(&z)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestGenerateAfterPublicKey(t *testing.T) {
	e, _ := newECDSA(ebg.NewHKDFSource([]byte("stale")))

	// loads the blank secure buffer
	_, err := e.PublicKey()
	require.ErrorIs(t, err, ErrNoKey)

	require.NoError(t, e.GeneratePrivateKey())

	pub, err := e.PublicKey()
	require.NoError(t, err)
	assert.False(t, pub.X.IsZero())

	_, z := digest(t, "fresh key")

	sig, err := e.Sign(&z)
	require.NoError(t, err)
	assert.True(t, e.Verify(&pub, &sig, &z))

	e.Store.Reset()

	again, err := e.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub, again)
	assert.True(t, e.Verify(&again, &sig, &z))
}

func TestSignVerify(t *testing.T) {
	e, _ := newECDSA(&ebg.Paranoid{Source: ebg.NewHKDFSource([]byte("sign"))})

	require.NoError(t, e.GeneratePrivateKey())

	pub, err := e.PublicKey()
	require.NoError(t, err)
	require.True(t, elliptic.P521().IsOnCurve(pub.X.Big(), pub.Y.Big()))
	assert.True(t, e.OnCurve(&pub))

	hash, z := digest(t, "hello")

	sig, err := e.Sign(&z)
	require.NoError(t, err)

	assert.True(t, e.Verify(&pub, &sig, &z))

	key := &ecdsa.PublicKey{Curve: elliptic.P521(), X: pub.X.Big(), Y: pub.Y.Big()}
	assert.True(t, ecdsa.Verify(key, hash, sig.R.Big(), sig.S.Big()))

	_, other := digest(t, "hellO")
	assert.False(t, e.Verify(&pub, &sig, &other))

	for _, tc := range []struct {
		name string
		fn   func(sig *Signature, z *bn.Int)
	}{
		{"r", func(sig *Signature, _ *bn.Int) { sig.R[0] ^= 1 }},
		{"r msw", func(sig *Signature, _ *bn.Int) { sig.R[bn.WORDS-1] ^= 1 }},
		{"s", func(sig *Signature, _ *bn.Int) { sig.S[0] ^= 1 }},
		{"s middle", func(sig *Signature, _ *bn.Int) { sig.S[8] ^= 1 << 17 }},
		{"z", func(_ *Signature, z *bn.Int) { z[0] ^= 1 }},
		{"z top", func(_ *Signature, z *bn.Int) { z[bn.WORDS-2] ^= 1 << 31 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tampered, tz := sig, z
			tc.fn(&tampered, &tz)

			assert.False(t, e.Verify(&pub, &tampered, &tz))
		})
	}

	// signatures are randomized
	sig2, err := e.Sign(&z)
	require.NoError(t, err)
	assert.NotEqual(t, sig, sig2)
	assert.True(t, e.Verify(&pub, &sig2, &z))
}

func TestVerifyExternal(t *testing.T) {
	e, _ := newECDSA(ebg.ReaderSource{Reader: rand.Reader})

	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)

	hash, z := digest(t, "external")

	r, s, err := ecdsa.Sign(rand.Reader, key, hash)
	require.NoError(t, err)

	pub := ecp.Point{X: toInt(t, key.X), Y: toInt(t, key.Y)}
	sig := Signature{R: toInt(t, r), S: toInt(t, s)}

	assert.True(t, e.Verify(&pub, &sig, &z))

	for name, bad := range map[string]Signature{
		"zero r":  {S: sig.S},
		"zero s":  {R: sig.R},
		"r = N":   {R: N, S: sig.S},
		"s = N":   {R: sig.R, S: N},
		"swapped": {R: sig.S, S: sig.R},
	} {
		assert.False(t, e.Verify(&pub, &bad, &z), name)
	}

	off := pub
	off.Y[0] ^= 1
	assert.False(t, e.Verify(&off, &sig, &z))

	long := z
	long[bn.WORDS-1] = 0x200
	assert.False(t, e.Verify(&pub, &sig, &long))
}

func TestZeroMessage(t *testing.T) {
	e, _ := newECDSA(ebg.NewHKDFSource([]byte("zero")))
	require.NoError(t, e.GeneratePrivateKey())

	pub, err := e.PublicKey()
	require.NoError(t, err)

	var z bn.Int

	sig, err := e.Sign(&z)
	require.NoError(t, err)
	assert.True(t, e.Verify(&pub, &sig, &z))
}

func TestSignInvalidMessage(t *testing.T) {
	e, _ := newECDSA(ebg.NewHKDFSource([]byte("long")))

	var z bn.Int
	z[bn.WORDS-1] = 0x200

	_, err := e.Sign(&z)
	assert.ErrorIs(t, err, ErrMessage)
}

func TestEntropyFailure(t *testing.T) {
	e, _ := newECDSA(zeroSource{})

	assert.ErrorIs(t, e.GeneratePrivateKey(), ErrEntropy)
}

func TestCompressedPublicKey(t *testing.T) {
	e, _ := newECDSA(ebg.NewHKDFSource([]byte("compressed")))
	require.NoError(t, e.GeneratePrivateKey())

	pub, err := e.PublicKey()
	require.NoError(t, err)

	cp, err := e.CompressedPublicKey()
	require.NoError(t, err)

	tag := cp[0] >> 16
	assert.Equal(t, 2+pub.Y.Bit(0), tag)

	buf := EncodeCompressed(&cp)
	require.Len(t, buf, bn.SIZE)
	assert.Equal(t, byte(0), buf[0])

	x, y := elliptic.UnmarshalCompressed(elliptic.P521(), buf[1:])
	require.NotNil(t, x)
	assert.Equal(t, pub.X.Big(), x)
	assert.Equal(t, pub.Y.Big(), y)
}
