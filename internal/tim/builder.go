// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tim

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
)

// ErrNoSigner is returned when building a trusted structure without a
// signing key.
var ErrNoSigner = errors.New("trusted TIM requires a signer")

// Signer represents a platform signing key, ecdsa521.ECDSA implements it
// with the OTP private key.
type Signer interface {
	PublicKey() (ecp.Point, error)
	Sign(z *bn.Int) (ecdsa521.Signature, error)
}

// Builder assembles TIM structures.
type Builder struct {
	Identifier uint32
	Version    uint32
	IssueDate  uint32
	OEMUID     uint32
	Trusted    bool

	// Offset is the flash location of the structure, recorded in its own
	// image descriptor
	Offset uint32

	Images   []ImageInfo
	Keys     []KeyInfo
	Reserved []byte
}

// AddImage appends an image descriptor, with its SHA-256 digest, for data
// stored at the argument flash location.
func (b *Builder) AddImage(id uint32, flashEntry uint32, data []byte) {
	sum := sha256.Sum256(data)

	b.Images = append(b.Images, ImageInfo{
		ID:             id,
		FlashEntryAddr: flashEntry,
		Size:           uint32(len(data)),
		SizeToHash:     uint32(len(data)),
		HashAlg:        HASHALG_SHA256,
		Hash:           HashWords(sum[:]),
	})
}

// SetTIMNOffset sets the reserved section to an image map referencing a
// TIMN structure at the argument flash location.
func (b *Builder) SetTIMNOffset(offset uint32) {
	buf := new(bytes.Buffer)
	size := uint32(IMAP_HEADER_SIZE + IMAGE_MAP_SIZE)

	encode(buf, &ReservedHeader{ID: RES, Pkgs: 1})
	encode(buf, &PackageHeader{ID: IMAP, Size: size})
	encode(buf, uint32(1))
	encode(buf, &ImageMap{ID: CSKT, FlashEntryAddr: [2]uint32{offset, 0}})

	b.Reserved = buf.Bytes()
}

// Build returns the encoded structure, trusted structures are signed with
// the argument signer.
func (b *Builder) Build(signer Signer) (raw []byte, err error) {
	reserved := b.Reserved

	if pad := len(reserved) % 4; pad != 0 {
		reserved = append(append([]byte{}, reserved...), make([]byte, 4-pad)...)
	}

	hdr := Header{
		Version:        b.Version,
		Identifier:     b.Identifier,
		IssueDate:      b.IssueDate,
		OEMUID:         b.OEMUID,
		BootFlashSign:  BOOTFS_SPINOR,
		NumImages:      uint32(len(b.Images) + 1),
		NumKeys:        uint32(len(b.Keys)),
		SizeOfReserved: uint32(len(reserved)),
	}

	if b.Trusted {
		hdr.Trusted = 1
	}

	size := hdr.Size()

	if size >= MAX_SIZE {
		return nil, fmt.Errorf("structure too large (%d bytes)", size)
	}

	images := append([]ImageInfo{{
		ID:             b.Identifier,
		FlashEntryAddr: b.Offset,
		Size:           uint32(size),
		HashAlg:        HASHALG_SHA256,
	}}, b.Images...)

	for i := 0; i < len(images)-1; i++ {
		images[i].NextID = images[i+1].ID
	}

	buf := new(bytes.Buffer)

	encode(buf, &hdr)
	encode(buf, images)
	encode(buf, b.Keys)
	buf.Write(reserved)

	if !b.Trusted {
		return buf.Bytes(), nil
	}

	if signer == nil {
		return nil, ErrNoSigner
	}

	pub, err := signer.PublicKey()

	if err != nil {
		return
	}

	ds := &PlatformSignature{
		DSAlg:   DSALG_ECDSA_521,
		HashAlg: HASHALG_SHA256,
		KeySize: KEYSIZE_521,
		PubX:    pub.X,
		PubY:    pub.Y,
	}

	encode(buf, ds)

	img := &Image{Raw: buf.Bytes()}
	digest := sha256.Sum256(img.SignedRange())
	z, err := ecdsa521.HashToInt(digest[:])

	if err != nil {
		return
	}

	sig, err := signer.Sign(&z)

	if err != nil {
		return
	}

	ds.SigR = sig.R
	ds.SigS = sig.S

	buf.Truncate(buf.Len() - PLATDS_SIZE)
	encode(buf, ds)

	return buf.Bytes(), nil
}
