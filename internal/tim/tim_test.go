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
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f-secure-foundry/wtmi-trust/internal/ebg"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/sim"
	"github.com/f-secure-foundry/wtmi-trust/internal/zmodp"
)

const (
	WTMI = 0x57544d49
	OBMI = 0x4f424d49

	TIMN_OFFSET   = 0x10000
	OBMI_OFFSET   = 0x20000
	WTMI_OFFSET   = 0x30000
	FLASH_SIZE    = 0x40000
	ROW_TRUSTED   = 0x70
	ROW_INVALID   = 0x77
	ROW_UNTRUSTED = 0
)

type memFlash []byte

func (f memFlash) ReadFlash(offset uint32, buf []byte) error {
	if int(offset) >= len(f) {
		return errors.New("out of range")
	}

	n := copy(buf, f[offset:])

	for i := n; i < len(buf); i++ {
		buf[i] = 0xff
	}

	return nil
}

type fuseMap map[int]uint64

func (f fuseMap) ReadRow(row int) (uint64, bool, error) {
	return f[row], true, nil
}

type fixture struct {
	flash  memFlash
	fuses  fuseMap
	key    *ecdsa.PrivateKey
	wtmi   []byte
	timh   []byte
	halted error
}

func (f *fixture) chain() *Chain {
	return &Chain{
		Flash:    f.flash,
		Fuses:    f.fuses,
		Verifier: KeyVerifier{},
		Halt: func(err error) {
			f.halted = err
		},
	}
}

func newFixture(t *testing.T, trusted bool) *fixture {
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)

	signer := &KeySigner{Key: key}

	f := &fixture{
		flash: make(memFlash, FLASH_SIZE),
		fuses: fuseMap{},
		key:   key,
		wtmi:  []byte("secure processor firmware image"),
	}

	obmi := []byte("boot loader image")

	copy(f.flash[WTMI_OFFSET:], f.wtmi)
	copy(f.flash[OBMI_OFFSET:], obmi)

	timh := &Builder{
		Identifier: TIMH,
		Version:    0x00030600,
		Trusted:    trusted,
	}

	timh.AddImage(OBMI, OBMI_OFFSET, obmi)

	if trusted {
		timh.SetTIMNOffset(TIMN_OFFSET)

		timn := &Builder{
			Identifier: TIMN,
			Trusted:    true,
			Offset:     TIMN_OFFSET,
		}

		timn.AddImage(WTMI, WTMI_OFFSET, f.wtmi)

		raw, err := timn.Build(signer)
		require.NoError(t, err)
		copy(f.flash[TIMN_OFFSET:], raw)

		pub, err := signer.PublicKey()
		require.NoError(t, err)

		for i, row := range AnchorRows(KeyHash(&pub)) {
			f.fuses[ANCHOR_ROW+i] = row
		}

		f.fuses[TRUST_ROW] = ROW_TRUSTED
	} else {
		timh.AddImage(WTMI, WTMI_OFFSET, f.wtmi)
	}

	f.timh, err = timh.Build(signer)
	require.NoError(t, err)
	copy(f.flash, f.timh)

	return f
}

func TestDetermineBoardTrust(t *testing.T) {
	for _, tc := range []struct {
		val   uint64
		state TrustState
	}{
		{0x00, Untrusted},
		{0x07, Untrusted},
		{0x40, Untrusted},
		{0x70, Trusted},
		{0x60, Trusted},
		{0x30, Trusted},
		{0x74, Trusted},
		{0x73, Invalid},
		{0x77, Invalid},
	} {
		state, err := DetermineBoardTrust(fuseMap{TRUST_ROW: tc.val})

		assert.Equal(t, tc.state, state, "%#x", tc.val)

		if tc.state == Invalid {
			assert.ErrorIs(t, err, ErrInvalidTrustState)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestBuildParse(t *testing.T) {
	f := newFixture(t, true)

	img, err := Parse(f.timh)
	require.NoError(t, err)

	assert.Equal(t, uint32(TIMH), img.Header.Identifier)
	assert.Equal(t, uint32(BOOTFS_SPINOR), img.Header.BootFlashSign)
	assert.Equal(t, uint64(len(f.timh)), img.Header.Size())
	require.Len(t, img.Images, 2)
	assert.Equal(t, uint32(OBMI), img.Images[0].NextID)
	require.NotNil(t, img.Signature)
	assert.Equal(t, uint32(DSALG_ECDSA_521), img.Signature.DSAlg)

	offset, err := img.TIMNOffset()
	require.NoError(t, err)
	assert.Equal(t, uint32(TIMN_OFFSET), offset)

	// the signature record sits at the tail
	assert.Equal(t, len(f.timh)-PLATDS_SIZE+SIGNATURE_OFFSET, len(img.SignedRange()))
}

func TestBootTrusted(t *testing.T) {
	f := newFixture(t, true)
	c := f.chain()

	img, err := c.Boot()
	require.NoError(t, err)
	assert.Equal(t, uint32(TIMN), img.Header.Identifier)
	assert.Equal(t, Ready, c.State())
	assert.NoError(t, f.halted)

	dest := make([]byte, 1024)

	n, err := c.LoadImage(WTMI, dest)
	require.NoError(t, err)
	assert.Equal(t, f.wtmi, dest[:n])

	// OBMI is described by TIMH only
	_, err = c.LoadImage(OBMI, dest)
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestBootUntrusted(t *testing.T) {
	f := newFixture(t, false)
	c := f.chain()

	img, err := c.Boot()
	require.NoError(t, err)
	assert.Equal(t, uint32(TIMH), img.Header.Identifier)
	assert.Nil(t, img.Signature)

	dest := make([]byte, 1024)

	n, err := c.LoadImage(OBMI, dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("boot loader image"), dest[:n])
}

func TestTrustMismatch(t *testing.T) {
	t.Run("trusted image on untrusted board", func(t *testing.T) {
		f := newFixture(t, true)
		f.fuses[TRUST_ROW] = ROW_UNTRUSTED

		c := f.chain()

		_, err := c.Boot()
		assert.ErrorIs(t, err, ErrUntrusted)
		assert.ErrorIs(t, f.halted, ErrUntrusted)
		assert.Equal(t, Halted, c.State())
	})

	t.Run("untrusted image on trusted board", func(t *testing.T) {
		f := newFixture(t, false)
		f.fuses[TRUST_ROW] = ROW_TRUSTED

		_, err := f.chain().Boot()
		assert.ErrorIs(t, err, ErrUntrusted)
	})

	t.Run("invalid trust state", func(t *testing.T) {
		f := newFixture(t, true)
		f.fuses[TRUST_ROW] = ROW_INVALID

		c := f.chain()

		_, err := c.Boot()
		assert.ErrorIs(t, err, ErrInvalidTrustState)
		assert.Equal(t, Halted, c.State())
	})
}

func TestTamperSignedRange(t *testing.T) {
	f := newFixture(t, true)
	signed := len(f.timh) - PLATDS_SIZE + SIGNATURE_OFFSET
	sig := signed

	for _, off := range []int{
		0, 4, 8, 12, 40,
		HEADER_SIZE + 16,
		HEADER_SIZE + IMAGE_INFO_SIZE + 30,
		2*HEADER_SIZE + 2*IMAGE_INFO_SIZE,
		signed - PLATDS_SIZE/2,
		signed - 1,
		sig + 3,
		sig + 70,
	} {
		flash := append(memFlash{}, f.flash...)
		flash[off] ^= 0x01

		c := &Chain{Flash: flash, Fuses: f.fuses, Verifier: KeyVerifier{}}

		_, err := c.LoadAndCheck(TIMH, 0)
		assert.ErrorIs(t, err, ErrUntrusted, "offset %d", off)
	}
}

func TestTamperAfterSignature(t *testing.T) {
	f := newFixture(t, true)

	// padding after the signature coordinates is outside the signed range
	off := len(f.timh) - PLATDS_SIZE + SIGNATURE_OFFSET + 2*68 + 8
	f.flash[off] ^= 0xff

	_, err := f.chain().LoadAndCheck(TIMH, 0)
	assert.NoError(t, err)
}

func TestAnchorMismatch(t *testing.T) {
	f := newFixture(t, true)
	f.fuses[ANCHOR_ROW+1] ^= 1 << 7

	_, err := f.chain().Boot()
	assert.ErrorIs(t, err, ErrUntrusted)
}

func TestTIMNTamper(t *testing.T) {
	f := newFixture(t, true)
	f.flash[TIMN_OFFSET+HEADER_SIZE+20] ^= 0x80

	c := f.chain()

	_, err := c.Boot()
	assert.ErrorIs(t, err, ErrUntrusted)
	assert.Equal(t, Halted, c.State())
}

func TestTIMNOffsetBounds(t *testing.T) {
	for _, offset := range []uint32{0, MAX_TIMN_OFFSET, 0x100000} {
		b := &Builder{Identifier: TIMH}
		b.SetTIMNOffset(offset)

		raw, err := b.Build(nil)
		require.NoError(t, err)

		img, err := Parse(raw)
		require.NoError(t, err)

		_, err = img.TIMNOffset()
		assert.ErrorIs(t, err, ErrUntrusted, "%#x", offset)
	}

	img, err := Parse(newFixture(t, false).timh)
	require.NoError(t, err)

	_, err = img.TIMNOffset()
	assert.ErrorIs(t, err, ErrUntrusted)
}

func TestMalformed(t *testing.T) {
	f := newFixture(t, false)

	for name, patch := range map[string]func([]byte){
		"reserved alignment": func(b []byte) { binary.LittleEndian.PutUint32(b[52:], 2) },
		"oversize":           func(b []byte) { binary.LittleEndian.PutUint32(b[44:], 100) },
		"bootflashsign":      func(b []byte) { b[40] = 0 },
		"self size":          func(b []byte) { b[HEADER_SIZE+16]++ },
		"identifier":         func(b []byte) { b[4] = 'X' },
	} {
		flash := append(memFlash{}, f.flash...)
		patch(flash)

		_, err := f.chain().LoadAndCheck(TIMH, 0)
		require.NoError(t, err)

		c := &Chain{Flash: flash, Fuses: f.fuses, Verifier: KeyVerifier{}}

		_, err = c.LoadAndCheck(TIMH, 0)
		assert.ErrorIs(t, err, ErrUntrusted, name)
	}

	_, err := Parse(make([]byte, 10))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadImage(t *testing.T) {
	f := newFixture(t, true)
	c := f.chain()

	_, err := c.LoadImage(WTMI, make([]byte, 4))
	assert.ErrorIs(t, err, ErrShortBuffer)

	f.flash[WTMI_OFFSET+3] ^= 1

	_, err = c.LoadImage(WTMI, make([]byte, 1024))
	assert.ErrorIs(t, err, ErrUntrusted)
}

func TestLoadImageNoDigest(t *testing.T) {
	b := &Builder{Identifier: TIMH}
	b.Images = append(b.Images, ImageInfo{ID: WTMI, FlashEntryAddr: WTMI_OFFSET, Size: 4, HashAlg: HASHALG_SHA512})
	b.Images = append(b.Images, ImageInfo{ID: OBMI, FlashEntryAddr: OBMI_OFFSET, Size: 4, HashAlg: 1})

	raw, err := b.Build(nil)
	require.NoError(t, err)

	flash := make(memFlash, FLASH_SIZE)
	copy(flash, raw)
	copy(flash[WTMI_OFFSET:], "abcd")

	c := &Chain{Flash: flash, Fuses: fuseMap{}}

	dest := make([]byte, 4)

	// a zero digest is not enforced
	n, err := c.LoadImage(WTMI, dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), dest[:n])

	_, err = c.LoadImage(OBMI, dest)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNoSigner(t *testing.T) {
	b := &Builder{Identifier: TIMH, Trusted: true}

	_, err := b.Build(nil)
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestKeyHash(t *testing.T) {
	var pub ecp.Point

	pub.X[0] = 1
	pub.Y[16] = 0x1ff

	buf := make([]byte, 516)
	binary.LittleEndian.PutUint32(buf[0:], SIG_SCHEME)
	binary.LittleEndian.PutUint32(buf[4:], 1)
	binary.LittleEndian.PutUint32(buf[(1+17+16)*4:], 0x1ff)

	digest := KeyHash(&pub)
	assert.Equal(t, sha256.Sum256(buf), digest)

	rows := AnchorRows(digest)
	assert.Equal(t, binary.LittleEndian.Uint64(digest[24:]), rows[3])
}

func hardware(t *testing.T) (*sim.SoC, *efuse.Store, *ecdsa521.ECDSA) {
	s := sim.New()
	store := &efuse.Store{Bus: s}
	rng := ebg.NewHKDFSource([]byte(t.Name()))

	return s, store, ecdsa521.New(store, &zmodp.Engine{Bus: s}, &ecp.Engine{Bus: s}, rng)
}

func TestHardwareVerifier(t *testing.T) {
	f := newFixture(t, true)
	_, store, dsa := hardware(t)

	require.NoError(t, store.WriteRowWithECCAndLock(TRUST_ROW, ROW_TRUSTED))

	for i := 0; i < ANCHOR_ROWS; i++ {
		require.NoError(t, store.WriteRowWithECCAndLock(ANCHOR_ROW+i, f.fuses[ANCHOR_ROW+i]))
	}

	c := &Chain{Flash: f.flash, Fuses: store, Verifier: dsa}

	img, err := c.Boot()
	require.NoError(t, err)
	assert.Equal(t, uint32(TIMN), img.Header.Identifier)

	f.flash[100] ^= 1

	_, err = c.Boot()
	assert.ErrorIs(t, err, ErrUntrusted)
}

func TestHardwareSigner(t *testing.T) {
	_, _, dsa := hardware(t)

	require.NoError(t, dsa.GeneratePrivateKey())

	b := &Builder{Identifier: TIMH, Trusted: true}
	b.SetTIMNOffset(TIMN_OFFSET)

	raw, err := b.Build(dsa)
	require.NoError(t, err)

	img, err := Parse(raw)
	require.NoError(t, err)

	digest := sha256.Sum256(img.SignedRange())
	z, err := ecdsa521.HashToInt(digest[:])
	require.NoError(t, err)

	assert.True(t, KeyVerifier{}.Verify(img.Signature.PublicKey(), img.Signature.Signature(), &z))
}
