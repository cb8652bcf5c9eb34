// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tim implements the secure boot verification chain of Trusted Image
// Metadata (TIM) structures.
//
// A platform header (TIMH) at the start of the boot flash describes the
// images and, on trusted boards, carries an ECDSA-521 signature by a key
// whose hash is fused in OTP. A trusted TIMH references a secondary header
// (TIMN) which is verified in the same way. Every operation re-reads and
// re-validates the structures, nothing is cached between calls.
package tim

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
)

const (
	// TRUST_ROW holds the board trust state
	TRUST_ROW = 1
	// ANCHOR_ROW is the first row of the trust anchor digest
	ANCHOR_ROW = 8
	// ANCHOR_ROWS is the number of trust anchor rows
	ANCHOR_ROWS = sha256.Size / 8
)

var (
	// ErrUntrusted is returned on any verification failure, the caller
	// must not fall back to unverified content.
	ErrUntrusted = errors.New("untrusted TIM")
	// ErrMalformed is returned on structurally invalid TIM content.
	ErrMalformed = fmt.Errorf("%w: malformed structure", ErrUntrusted)
	// ErrInvalidTrustState is returned when the trust fuses hold an
	// invalid state, the board must halt.
	ErrInvalidTrustState = errors.New("invalid board trust state")
	ErrImageNotFound     = errors.New("image not found")
	ErrUnsupported       = errors.New("unsupported image algorithm")
	ErrShortBuffer       = errors.New("destination buffer too small")
)

// Flash represents the boot flash.
type Flash interface {
	ReadFlash(offset uint32, buf []byte) error
}

// Fuses represents the ECC checked OTP read access.
type Fuses interface {
	ReadRow(row int) (val uint64, locked bool, err error)
}

// Verifier represents an ECDSA-521 signature verifier, ecdsa521.ECDSA
// implements it on the hardware units.
type Verifier interface {
	Verify(pub *ecp.Point, sig *ecdsa521.Signature, z *bn.Int) bool
}

// TrustState represents the board trust state fused at manufacturing.
type TrustState int

// Trust states
const (
	Untrusted TrustState = iota
	Trusted
	Invalid
)

func (t TrustState) String() string {
	switch t {
	case Untrusted:
		return "untrusted"
	case Trusted:
		return "trusted"
	default:
		return "invalid"
	}
}

func majority(x uint64) uint64 {
	x &= 7

	if x < 3 || x == 4 {
		return 0
	}

	return 1
}

// DetermineBoardTrust decodes the trust state row, made of two 3-bit
// majority encoded fields (bits 0-2 and 4-6).
func DetermineBoardTrust(fuses Fuses) (TrustState, error) {
	val, _, err := fuses.ReadRow(TRUST_ROW)

	if err != nil {
		return Invalid, err
	}

	switch majority(val) | majority(val>>4)<<1 {
	case 3:
		return Invalid, ErrInvalidTrustState
	case 2:
		return Trusted, nil
	default:
		return Untrusted, nil
	}
}

// State represents the boot chain state.
type State int

// Boot chain states
const (
	Reset State = iota
	LoadTIMH
	LoadTIMN
	Ready
	Halted
)

func (s State) String() string {
	return [...]string{"reset", "load TIMH", "load TIMN", "ready", "halted"}[s]
}

// Chain represents the secure boot verification chain.
type Chain struct {
	Flash    Flash
	Fuses    Fuses
	Verifier Verifier

	// Halt is invoked when Boot fails, on target it must never return.
	Halt func(err error)

	state State
}

// State returns the chain state after the last Boot call.
func (c *Chain) State() State {
	return c.state
}

func (c *Chain) anchor() (digest [sha256.Size]byte, err error) {
	var rows [ANCHOR_ROWS]uint64

	for i := range rows {
		if rows[i], _, err = c.Fuses.ReadRow(ANCHOR_ROW + i); err != nil {
			return
		}
	}

	for i, row := range rows {
		for j := 0; j < 8; j++ {
			digest[i*8+j] = byte(row >> (8 * j))
		}
	}

	return
}

func (c *Chain) check(img *Image, id uint32, trust TrustState) (err error) {
	hdr := &img.Header

	if hdr.Identifier != id {
		return fmt.Errorf("%w: identifier %#x", ErrUntrusted, hdr.Identifier)
	}

	if hdr.BootFlashSign != BOOTFS_SPINOR {
		return fmt.Errorf("%w: boot flash sign %#x", ErrUntrusted, hdr.BootFlashSign)
	}

	self := img.Find(hdr.Identifier)

	if self == nil || uint64(self.Size) != hdr.Size() {
		return fmt.Errorf("%w: size mismatch", ErrUntrusted)
	}

	if (hdr.Trusted != 0) != (trust == Trusted) {
		return fmt.Errorf("%w: trust mismatch, board is %s", ErrUntrusted, trust)
	}

	if hdr.Trusted == 0 {
		return
	}

	sig := img.Signature

	if sig.DSAlg != DSALG_ECDSA_521 || sig.HashAlg != HASHALG_SHA256 || sig.KeySize != KEYSIZE_521 {
		return fmt.Errorf("%w: unsupported signature scheme", ErrUntrusted)
	}

	anchor, err := c.anchor()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrusted, err)
	}

	if KeyHash(sig.PublicKey()) != anchor {
		return fmt.Errorf("%w: key does not match trust anchor", ErrUntrusted)
	}

	digest := sha256.Sum256(img.SignedRange())
	z, err := ecdsa521.HashToInt(digest[:])

	if err != nil {
		return
	}

	if !c.Verifier.Verify(sig.PublicKey(), sig.Signature(), &z) {
		return fmt.Errorf("%w: invalid signature", ErrUntrusted)
	}

	return
}

// LoadAndCheck reads and validates the TIM structure with the argument
// identifier at the given flash offset.
func (c *Chain) LoadAndCheck(id uint32, offset uint32) (img *Image, err error) {
	trust, err := DetermineBoardTrust(c.Fuses)

	if err != nil {
		return
	}

	return c.loadAndCheck(id, offset, trust)
}

func (c *Chain) loadAndCheck(id uint32, offset uint32, trust TrustState) (img *Image, err error) {
	buf := make([]byte, MAX_SIZE)

	if err = c.Flash.ReadFlash(offset, buf); err != nil {
		return
	}

	if img, err = Parse(buf); err != nil {
		return
	}

	img.Offset = offset

	if err = c.check(img, id, trust); err != nil {
		return nil, err
	}

	return
}

// load walks the chain, TIMN is only present on trusted boards.
func (c *Chain) load() (img *Image, err error) {
	trust, err := DetermineBoardTrust(c.Fuses)

	if err != nil {
		return
	}

	steps := []struct {
		state State
		id    uint32
	}{
		{LoadTIMH, TIMH},
		{LoadTIMN, TIMN},
	}

	var offset uint32

	for _, step := range steps {
		c.state = step.state

		if img, err = c.loadAndCheck(step.id, offset, trust); err != nil {
			return nil, err
		}

		if img.Header.Trusted == 0 {
			break
		}

		if step.id == TIMH {
			if offset, err = img.TIMNOffset(); err != nil {
				return nil, err
			}
		}
	}

	c.state = Ready

	return
}

// Boot validates the chain and returns the last validated structure, which
// describes the images to be loaded. On failure the chain is halted.
func (c *Chain) Boot() (img *Image, err error) {
	c.state = Reset

	if img, err = c.load(); err != nil {
		c.state = Halted

		if c.Halt != nil {
			c.Halt(err)
		}

		return nil, err
	}

	return
}

func digestOf(alg uint32) hash.Hash {
	switch alg {
	case HASHALG_SHA256:
		return sha256.New()
	case HASHALG_SHA512:
		return sha512.New()
	}

	return nil
}

// LoadImage re-validates the chain, reads the argument image in dest and
// returns its size. The image digest is enforced when present in its
// descriptor.
func (c *Chain) LoadImage(id uint32, dest []byte) (n int, err error) {
	img, err := c.load()

	if err != nil {
		return
	}

	info := img.Find(id)

	if info == nil {
		return 0, ErrImageNotFound
	}

	h := digestOf(info.HashAlg)

	if h == nil || info.EncAlg != 0 {
		return 0, ErrUnsupported
	}

	n = int(info.Size)

	if n > len(dest) {
		return 0, ErrShortBuffer
	}

	if err = c.Flash.ReadFlash(info.FlashEntryAddr, dest[:n]); err != nil {
		return 0, err
	}

	var zero [16]uint32

	if info.Hash == zero {
		return
	}

	h.Write(dest[:n])

	if HashWords(h.Sum(nil)) != info.Hash {
		return 0, fmt.Errorf("%w: image %#x digest mismatch", ErrUntrusted, id)
	}

	return
}
