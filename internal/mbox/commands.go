// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mbox

import (
	"encoding/binary"
	"sync"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ebg"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/provision"
	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
)

// Command identifiers
const (
	CMD_GET_RANDOM    = 1
	CMD_BOARD_INFO    = 2
	CMD_ECDSA_PUB_KEY = 3
	CMD_ECDSA_SIGN    = 4
	CMD_OTP_READ      = 5
	CMD_OTP_WRITE     = 6
)

const (
	// RANDOM_PARANOID selects whitened output to AP memory
	RANDOM_PARANOID = 1
	// RANDOM_AP_MEMORY is the status value of GET_RANDOM to AP memory
	RANDOM_AP_MEMORY = 0xfffff

	// SIGN_ECDSA_521 is the only supported signature scheme
	SIGN_ECDSA_521 = 1
)

// Commands implements the co-processor services.
type Commands struct {
	sync.Mutex

	Store *efuse.Store
	ECDSA *ecdsa521.ECDSA

	// RNG serves GET_RANDOM output words
	RNG ebg.Source
	// Paranoid serves GET_RANDOM to AP memory
	Paranoid *ebg.Paranoid
	// Memory is the AP RAM window
	Memory Memory

	pub *bn.Int
}

// Register sets all command handlers.
func (c *Commands) Register(m *Mailbox) (err error) {
	handlers := map[uint32]Handler{
		CMD_GET_RANDOM:    c.GetRandom,
		CMD_BOARD_INFO:    c.BoardInfo,
		CMD_ECDSA_PUB_KEY: c.PublicKey,
		CMD_ECDSA_SIGN:    c.Sign,
		CMD_OTP_READ:      c.OTPRead,
		CMD_OTP_WRITE:     c.OTPWrite,
	}

	for cmd, h := range handlers {
		if err = m.Register(cmd, h); err != nil {
			return
		}
	}

	return
}

// GetRandom fills the output words with random data, or when args[0] is
// RANDOM_PARANOID fills args[2] bytes of AP memory at args[1] with whitened
// random data.
func (c *Commands) GetRandom(args []uint32, out []uint32) (val uint32, err error) {
	if args[0] == RANDOM_PARANOID {
		if c.Paranoid == nil || !checkAddr(c.Memory, args[1], args[2], 4) {
			return 0, Error(EINVAL)
		}

		if err = c.Paranoid.Random(c.Memory.Slice(args[1], args[2])); err != nil {
			return
		}

		return RANDOM_AP_MEMORY, nil
	}

	buf := make([]byte, len(out)*4)

	if err = c.RNG.Random(buf); err != nil {
		return
	}

	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}

	return uint32(len(buf)), nil
}

// BoardInfo returns serial number, board version, RAM size (MiB) and the
// MAC addresses of the two Ethernet ports.
func (c *Commands) BoardInfo(_ []uint32, out []uint32) (val uint32, err error) {
	p := &provision.Provisioner{Store: c.Store}
	b, err := p.ReadBoardInfo()

	if err != nil {
		return
	}

	out[0] = b.Serial
	out[1] = b.Time
	out[2] = uint32(b.Version)
	out[3] = uint32(b.RAM)

	for i, mac := range []uint64{b.MAC, b.MAC + 1} {
		out[4+2*i] = uint32(mac>>32) & 0xffff
		out[5+2*i] = uint32(mac)
	}

	return
}

// PublicKey returns the compressed OTP public key, its most significant
// word (holding the parity tag) in the status value and the remaining ones
// in the output words.
func (c *Commands) PublicKey(_ []uint32, out []uint32) (val uint32, err error) {
	c.Lock()
	defer c.Unlock()

	if c.pub == nil {
		cp, err := c.ECDSA.CompressedPublicKey()

		if err != nil {
			return 0, err
		}

		c.pub = &cp
	}

	copy(out, c.pub[1:])

	return c.pub[0], nil
}

// Sign signs a message representative with the OTP private key. The
// representative (args[1]) and the signature components (args[2] and
// args[3]) are 17 words of AP memory, most significant word first.
func (c *Commands) Sign(args []uint32, _ []uint32) (val uint32, err error) {
	var z bn.Int

	if args[0] != SIGN_ECDSA_521 {
		return 0, Error(EOPNOTSUPP)
	}

	for _, addr := range args[1:4] {
		if !checkAddr(c.Memory, addr, bn.SIZE, 4) {
			return 0, Error(EINVAL)
		}
	}

	for i := 0; i < bn.WORDS; i++ {
		z[bn.WORDS-1-i] = c.Memory.Read32(args[1] + uint32(4*i))
	}

	sig, err := c.ECDSA.Sign(&z)

	if err != nil {
		return
	}

	defer sig.R.Wipe()
	defer sig.S.Wipe()

	for i := 0; i < bn.WORDS; i++ {
		c.Memory.Write32(args[2]+uint32(4*i), sig.R[bn.WORDS-1-i])
		c.Memory.Write32(args[3]+uint32(4*i), sig.S[bn.WORDS-1-i])
	}

	return
}

func secureRow(row int) bool {
	for _, r := range soc.SecureBufferRows {
		if r == row {
			return true
		}
	}

	return false
}

// OTPRead returns the raw value (out[0] low word, out[1] high word) and
// lock state (out[2]) of row args[0]. Private key rows are never readable.
func (c *Commands) OTPRead(args []uint32, out []uint32) (val uint32, err error) {
	row := int(args[0])

	if secureRow(row) {
		return 0, Error(EACCES)
	}

	v, locked, err := c.Store.ReadRowNoECC(row)

	if err != nil {
		return
	}

	out[0] = uint32(v)
	out[1] = uint32(v >> 32)

	if locked {
		out[2] = 1
	}

	return
}

// OTPWrite programs row args[0] with the value args[1] (low word) and
// args[2] (high word), locking it when args[3] is set. Private key rows are
// never writable.
func (c *Commands) OTPWrite(args []uint32, _ []uint32) (val uint32, err error) {
	row := int(args[0])

	if secureRow(row) {
		return 0, Error(EACCES)
	}

	v := uint64(args[2])<<32 | uint64(args[1])

	err = c.Store.WriteRow(row, v, args[3] != 0)

	return
}
