// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package provision implements the manufacturing flows which fuse board
// identity, trust state and keys in OTP.
//
// IMPORTANT: fusing is an irreversible action, rows are locked as soon as
// they are programmed and a board with a fused trust anchor only boots
// images signed by the matching key.
package provision

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/tim"
)

const (
	// BOARD_INFO_ROW holds board version, RAM size and MAC address
	BOARD_INFO_ROW = 42
	// SERIAL_ROW holds the manufacturing time and serial number
	SERIAL_ROW = 43

	// TRUSTED selects the trusted state field (bits 4-6) of the trust row
	TRUSTED = 0b111 << 4
	// UNTRUSTED selects the untrusted state field (bits 0-2) of the trust row
	UNTRUSTED = 0b111
)

var (
	ErrNotProvisioned = errors.New("board information not fused")
	ErrProvisioned    = errors.New("board already provisioned")
	ErrRAMSize        = errors.New("could not determine RAM size")
)

// BoardInfo represents the board identity fused at manufacturing.
type BoardInfo struct {
	Serial uint32
	// Time is the manufacturing time (Unix epoch)
	Time    uint32
	Version uint8
	// RAM is the memory size in MiB (512 or 1024)
	RAM int
	// MAC is the eth0 address, eth1 uses the following one
	MAC uint64
}

// Rows returns the fuse row values encoding the board information.
func (b *BoardInfo) Rows() (info uint64, serial uint64) {
	if b.RAM == 1024 {
		info = 1 << 56
	}

	info |= uint64(b.Version) << 48
	info |= b.MAC & 0xffffffffffff

	serial = uint64(b.Time)<<32 | uint64(b.Serial)

	return
}

// ParseBoardInfo decodes the board information rows.
func ParseBoardInfo(info uint64, serial uint64) (b BoardInfo) {
	b.Serial = uint32(serial)
	b.Time = uint32(serial >> 32)
	b.Version = uint8(info >> 48)
	b.MAC = info & 0xffffffffffff
	b.RAM = 512

	if info>>56&1 == 1 {
		b.RAM = 1024
	}

	return
}

func hardwareAddr(mac uint64) net.HardwareAddr {
	addr := make(net.HardwareAddr, 6)

	for i := range addr {
		addr[i] = byte(mac >> (8 * (5 - i)))
	}

	return addr
}

// MACs returns the Ethernet addresses of the board.
func (b *BoardInfo) MACs() [2]net.HardwareAddr {
	return [2]net.HardwareAddr{
		hardwareAddr(b.MAC),
		hardwareAddr(b.MAC + 1),
	}
}

func (b *BoardInfo) String() string {
	var s strings.Builder

	fmt.Fprintf(&s, "SN: %08x\n", b.Serial)
	fmt.Fprintf(&s, "time: %08x\n", b.Time)
	fmt.Fprintf(&s, "bv: %d\n", b.Version)
	fmt.Fprintf(&s, "RAM: %d MiB\n", b.RAM)
	fmt.Fprintf(&s, "mac addr: %s\n", b.MACs()[0])

	return s.String()
}

// Provisioner fuses board identity, trust state and keys.
type Provisioner struct {
	Store *efuse.Store
	ECDSA *ecdsa521.ECDSA
}

// fuse programs and locks a row with ECC, then verifies it.
func (p *Provisioner) fuse(name string, row int, val uint64) (err error) {
	log.Printf("fusing %s row:%d val:%#x", name, row, val)

	if err = p.Store.WriteRowWithECCAndLock(row, val); err != nil {
		return fmt.Errorf("could not fuse %s, %w", name, err)
	}

	if masked, _ := p.Store.Masked(row); masked {
		return
	}

	res, locked, err := p.Store.ReadRow(row)

	if err != nil || res != val || !locked {
		return fmt.Errorf("readback error for %s, val:%#x res:%#x locked:%v err:%v", name, val, res, locked, err)
	}

	return
}

// ReadBoardInfo returns the fused board information, which must be locked.
func (p *Provisioner) ReadBoardInfo() (b BoardInfo, err error) {
	var rows [2]uint64

	for i, row := range []int{BOARD_INFO_ROW, SERIAL_ROW} {
		var locked bool

		if rows[i], locked, err = p.Store.ReadRow(row); err != nil {
			return
		}

		if !locked {
			return b, ErrNotProvisioned
		}
	}

	return ParseBoardInfo(rows[0], rows[1]), nil
}

// Deploy fuses the board information and generates the OTP private key,
// the compressed public key is returned.
func (p *Provisioner) Deploy(b BoardInfo) (cp bn.Int, err error) {
	if b.RAM != 512 && b.RAM != 1024 {
		return cp, ErrRAMSize
	}

	for _, row := range []int{BOARD_INFO_ROW, SERIAL_ROW} {
		if _, locked, _ := p.Store.ReadRowNoECC(row); locked {
			return cp, ErrProvisioned
		}
	}

	info, serial := b.Rows()

	if err = p.fuse("SERIAL", SERIAL_ROW, serial); err != nil {
		return
	}

	if err = p.fuse("BOARD_INFO", BOARD_INFO_ROW, info); err != nil {
		return
	}

	log.Printf("generating OTP private key")

	if err = p.ECDSA.GeneratePrivateKey(); err != nil {
		return
	}

	return p.ECDSA.CompressedPublicKey()
}

// PUBK returns the textual form of a compressed public key, as reported to
// the manufacturing station.
func PUBK(cp *bn.Int) string {
	var s strings.Builder

	fmt.Fprintf(&s, "PUBK%06x", cp[0])

	for _, w := range cp[1:] {
		fmt.Fprintf(&s, "%08x", w)
	}

	return s.String()
}

// SetTrust fuses the board trust state, either state is final.
func (p *Provisioner) SetTrust(trusted bool) (err error) {
	if trusted {
		return p.fuse("TRUSTED", tim.TRUST_ROW, TRUSTED)
	}

	return p.fuse("UNTRUSTED", tim.TRUST_ROW, UNTRUSTED)
}

// SetTrustAnchor fuses the hash of the platform signing key.
func (p *Provisioner) SetTrustAnchor(digest [sha256.Size]byte) (err error) {
	for i, val := range tim.AnchorRows(digest) {
		if err = p.fuse(fmt.Sprintf("TRUST_ANCHOR_%d", i), tim.ANCHOR_ROW+i, val); err != nil {
			return
		}
	}

	return
}
