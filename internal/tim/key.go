// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tim

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"io"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
)

var errRepresentative = errors.New("message representative too large for software signing")

// representative returns z in the digest form expected by crypto/ecdsa,
// which truncates digests longer than the curve order.
func representative(z *bn.Int) ([]byte, error) {
	v := z.Big()

	if v.BitLen() > 520 {
		return nil, errRepresentative
	}

	return v.Bytes(), nil
}

// KeySigner implements Signer with a software P-521 key, for host tooling.
type KeySigner struct {
	Key  *ecdsa.PrivateKey
	Rand io.Reader
}

// PublicKey implements Signer.
func (k *KeySigner) PublicKey() (ecp.Point, error) {
	return PublicKeyFromCurve(&k.Key.PublicKey)
}

// Sign implements Signer.
func (k *KeySigner) Sign(z *bn.Int) (sig ecdsa521.Signature, err error) {
	digest, err := representative(z)

	if err != nil {
		return
	}

	rng := k.Rand

	if rng == nil {
		rng = rand.Reader
	}

	r, s, err := ecdsa.Sign(rng, k.Key, digest)

	if err != nil {
		return
	}

	if sig.R, err = bn.FromBig(r); err != nil {
		return
	}

	sig.S, err = bn.FromBig(s)

	return
}

// KeyVerifier implements Verifier with crypto/ecdsa, for host tooling.
type KeyVerifier struct{}

// Verify implements Verifier.
func (KeyVerifier) Verify(pub *ecp.Point, sig *ecdsa521.Signature, z *bn.Int) bool {
	digest, err := representative(z)

	if err != nil {
		return false
	}

	key := &ecdsa.PublicKey{
		Curve: elliptic.P521(),
		X:     pub.X.Big(),
		Y:     pub.Y.Big(),
	}

	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return false
	}

	return ecdsa.Verify(key, digest, sig.R.Big(), sig.S.Big())
}

// PublicKeyFromCurve converts a crypto/ecdsa public key.
func PublicKeyFromCurve(key *ecdsa.PublicKey) (pub ecp.Point, err error) {
	if key.Curve != elliptic.P521() {
		return pub, errors.New("key is not on P-521")
	}

	if pub.X, err = bn.FromBig(key.X); err != nil {
		return
	}

	pub.Y, err = bn.FromBig(key.Y)

	return
}
