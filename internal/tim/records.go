// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package tim

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
)

// Record identifiers
const (
	TIMH = 0x54494d48
	TIMN = 0x54494d4e

	RES  = 0x4f505448
	IMAP = 0x494d4150
	CSKT = 0x43534b54
)

const (
	// BOOTFS_SPINOR is the SPI-NOR boot flash tag
	BOOTFS_SPINOR = 0x5350490a

	DSALG_ECDSA_521 = 6
	HASHALG_SHA256  = 32
	HASHALG_SHA512  = 64
	KEYSIZE_521     = 521

	// SIG_SCHEME is the first word of the key hash buffer
	SIG_SCHEME = 0x0000b311

	// MAX_SIZE bounds each TIM structure
	MAX_SIZE = 0x2000
	// MAX_TIMN_OFFSET bounds the TIMN flash location
	MAX_TIMN_OFFSET = 0x20000
)

// Record sizes
const (
	HEADER_SIZE     = 56
	IMAGE_INFO_SIZE = 108
	KEY_INFO_SIZE   = 596
	PLATDS_SIZE     = 812

	// SIGNATURE_OFFSET is the offset of the signature within the platform
	// signature record
	SIGNATURE_OFFSET = 180

	RES_HEADER_SIZE  = 8
	PACKAGE_SIZE     = 8
	IMAGE_MAP_SIZE   = 20
	IMAP_HEADER_SIZE = 12
)

// Header represents the TIM header.
type Header struct {
	Version        uint32
	Identifier     uint32
	Trusted        uint32
	IssueDate      uint32
	OEMUID         uint32
	Reserved       [5]uint32
	BootFlashSign  uint32
	NumImages      uint32
	NumKeys        uint32
	SizeOfReserved uint32
}

// ImageInfo represents an image descriptor.
type ImageInfo struct {
	ID              uint32
	NextID          uint32
	FlashEntryAddr  uint32
	LoadAddr        uint32
	Size            uint32
	SizeToHash      uint32
	HashAlg         uint32
	Hash            [16]uint32
	PartitionNumber uint32
	EncAlg          uint32
	EncryptOffset   uint32
	EncryptSize     uint32
}

// KeyInfo represents a key descriptor, keys are carried but not used by the
// verification chain.
type KeyInfo struct {
	ID            uint32
	HashAlg       uint32
	Size          uint32
	PublicKeySize uint32
	EncryptAlg    uint32
	Data          [128]uint32
	Hash          [16]uint32
}

// ReservedHeader starts the reserved section.
type ReservedHeader struct {
	ID   uint32
	Pkgs uint32
}

// PackageHeader starts each reserved section package, Size includes the
// header itself.
type PackageHeader struct {
	ID   uint32
	Size uint32
}

// ImageMap is the single entry of an IMAP package.
type ImageMap struct {
	ID              uint32
	Type            uint32
	FlashEntryAddr  [2]uint32
	PartitionNumber uint32
}

// PlatformSignature represents the trailing signature record of trusted
// headers.
type PlatformSignature struct {
	DSAlg   uint32
	HashAlg uint32
	KeySize uint32
	Hash    [8]uint32
	PubX    bn.Int
	PubY    bn.Int
	SigR    bn.Int
	SigS    bn.Int
	Pad     [124]uint32
}

// PublicKey returns the embedded public key.
func (p *PlatformSignature) PublicKey() *ecp.Point {
	return &ecp.Point{X: p.PubX, Y: p.PubY}
}

// Signature returns the embedded signature.
func (p *PlatformSignature) Signature() *ecdsa521.Signature {
	return &ecdsa521.Signature{R: p.SigR, S: p.SigS}
}

// Size returns the total structure size described by the header counts.
func (h *Header) Size() uint64 {
	size := uint64(HEADER_SIZE)
	size += uint64(h.NumImages) * IMAGE_INFO_SIZE
	size += uint64(h.NumKeys) * KEY_INFO_SIZE
	size += uint64(h.SizeOfReserved)

	if h.Trusted != 0 {
		size += PLATDS_SIZE
	}

	return size
}

func decode(buf []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func encode(w *bytes.Buffer, v interface{}) {
	// writes to bytes.Buffer of fixed size data never fail
	_ = binary.Write(w, binary.LittleEndian, v)
}

// Image represents a parsed TIM structure.
type Image struct {
	Header    Header
	Images    []ImageInfo
	Keys      []KeyInfo
	Reserved  []byte
	Signature *PlatformSignature

	// Offset is the flash location of the structure
	Offset uint32
	// Raw holds the structure bytes
	Raw []byte
}

// Parse decodes a TIM structure, buf must hold at least the size described
// by its header.
func Parse(buf []byte) (img *Image, err error) {
	img = &Image{}

	if len(buf) < HEADER_SIZE {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}

	if err = decode(buf, &img.Header); err != nil {
		return nil, err
	}

	hdr := &img.Header
	size := hdr.Size()

	if size >= MAX_SIZE || size > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: invalid size %#x", ErrMalformed, size)
	}

	if hdr.SizeOfReserved%4 != 0 {
		return nil, fmt.Errorf("%w: unaligned reserved section", ErrMalformed)
	}

	img.Raw = buf[:size]
	off := HEADER_SIZE

	img.Images = make([]ImageInfo, hdr.NumImages)

	for i := range img.Images {
		if err = decode(buf[off:], &img.Images[i]); err != nil {
			return nil, err
		}

		off += IMAGE_INFO_SIZE
	}

	img.Keys = make([]KeyInfo, hdr.NumKeys)

	for i := range img.Keys {
		if err = decode(buf[off:], &img.Keys[i]); err != nil {
			return nil, err
		}

		off += KEY_INFO_SIZE
	}

	img.Reserved = buf[off : off+int(hdr.SizeOfReserved)]
	off += int(hdr.SizeOfReserved)

	if hdr.Trusted != 0 {
		img.Signature = &PlatformSignature{}

		if err = decode(buf[off:], img.Signature); err != nil {
			return nil, err
		}
	}

	return
}

// Find returns the descriptor of an image.
func (img *Image) Find(id uint32) *ImageInfo {
	for i := range img.Images {
		if img.Images[i].ID == id {
			return &img.Images[i]
		}
	}

	return nil
}

// Package returns the body of a reserved section package, ok is false when
// the package is not present.
func (img *Image) Package(id uint32) (body []byte, ok bool, err error) {
	var res ReservedHeader

	if len(img.Reserved) < RES_HEADER_SIZE {
		return
	}

	if err = decode(img.Reserved, &res); err != nil || res.ID != RES {
		return
	}

	off := RES_HEADER_SIZE

	for i := uint32(0); i < res.Pkgs; i++ {
		var pkg PackageHeader

		if off+PACKAGE_SIZE > len(img.Reserved) {
			return
		}

		if err = decode(img.Reserved[off:], &pkg); err != nil {
			return
		}

		if pkg.Size%4 != 0 || pkg.Size < PACKAGE_SIZE {
			return nil, false, fmt.Errorf("%w: invalid reserved package size", ErrMalformed)
		}

		next := uint64(off) + uint64(pkg.Size)

		if next > uint64(len(img.Reserved)) {
			return
		}

		if pkg.ID == id {
			return img.Reserved[off+PACKAGE_SIZE : next], true, nil
		}

		off = int(next)
	}

	return
}

// TIMNOffset returns the TIMN flash location referenced by the image map
// package, which must hold exactly one CSKT entry.
func (img *Image) TIMNOffset() (offset uint32, err error) {
	var nmaps uint32
	var m ImageMap

	body, ok, err := img.Package(IMAP)

	if err != nil {
		return
	}

	if !ok || len(body)+PACKAGE_SIZE < IMAP_HEADER_SIZE {
		return 0, fmt.Errorf("%w: missing image map", ErrUntrusted)
	}

	if err = decode(body, &nmaps); err != nil {
		return
	}

	if nmaps != 1 || len(body)+PACKAGE_SIZE != IMAP_HEADER_SIZE+IMAGE_MAP_SIZE {
		return 0, fmt.Errorf("%w: invalid image map", ErrUntrusted)
	}

	if err = decode(body[4:], &m); err != nil {
		return
	}

	if m.ID != CSKT || m.Type != 0 || m.FlashEntryAddr[1] != 0 || m.PartitionNumber != 0 {
		return 0, fmt.Errorf("%w: invalid image map entry", ErrUntrusted)
	}

	offset = m.FlashEntryAddr[0]

	if offset == 0 || offset >= MAX_TIMN_OFFSET {
		return 0, fmt.Errorf("%w: invalid TIMN offset %#x", ErrUntrusted, offset)
	}

	return
}

// SignedRange returns the bytes covered by the platform signature, from the
// header start up to the signature field.
func (img *Image) SignedRange() []byte {
	return img.Raw[:len(img.Raw)-PLATDS_SIZE+SIGNATURE_OFFSET]
}

// KeyHash returns the trust anchor digest of a public key: SHA-256 over a
// zero padded 129 word buffer holding the signature scheme tag followed by
// the key coordinates.
func KeyHash(pub *ecp.Point) (digest [sha256.Size]byte) {
	buf := make([]byte, 129*4)

	binary.LittleEndian.PutUint32(buf, SIG_SCHEME)

	for i := 0; i < bn.WORDS; i++ {
		binary.LittleEndian.PutUint32(buf[(1+i)*4:], pub.X[i])
		binary.LittleEndian.PutUint32(buf[(1+bn.WORDS+i)*4:], pub.Y[i])
	}

	return sha256.Sum256(buf)
}

// AnchorRows returns the fuse row values storing a trust anchor digest.
func AnchorRows(digest [sha256.Size]byte) (rows [ANCHOR_ROWS]uint64) {
	for i := range rows {
		rows[i] = binary.LittleEndian.Uint64(digest[i*8:])
	}

	return
}

// HashWords returns a digest in the image descriptor hash format, as zero
// padded little endian words.
func HashWords(digest []byte) (w [16]uint32) {
	buf := make([]byte, len(w)*4)
	copy(buf, digest)

	for i := range w {
		w[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}

	return
}
