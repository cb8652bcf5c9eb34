// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package provision

import (
	"bytes"
	"crypto/elliptic"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ebg"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/sim"
	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
	"github.com/f-secure-foundry/wtmi-trust/internal/tim"
	"github.com/f-secure-foundry/wtmi-trust/internal/zmodp"
)

func newProvisioner() (*Provisioner, *sim.SoC) {
	s := sim.New()
	store := &efuse.Store{Bus: s}
	rng := ebg.NewHKDFSource([]byte("provision"))

	return &Provisioner{
		Store: store,
		ECDSA: ecdsa521.New(store, &zmodp.Engine{Bus: s}, &ecp.Engine{Bus: s}, rng),
	}, s
}

var board = BoardInfo{
	Serial:  0x0000abcd,
	Time:    0x5f5e1000,
	Version: 22,
	RAM:     1024,
	MAC:     0xd858d7001122,
}

func TestBoardInfoRows(t *testing.T) {
	info, serial := board.Rows()

	assert.Equal(t, uint64(0x0116d858d7001122), info)
	assert.Equal(t, uint64(0x5f5e10000000abcd), serial)
	assert.Equal(t, board, ParseBoardInfo(info, serial))

	small := board
	small.RAM = 512
	info, _ = small.Rows()
	assert.Equal(t, uint64(0x0016d858d7001122), info)

	macs := board.MACs()
	assert.Equal(t, "d8:58:d7:00:11:22", macs[0].String())
	assert.Equal(t, "d8:58:d7:00:11:23", macs[1].String())

	assert.Contains(t, board.String(), "SN: 0000abcd\n")
}

func TestDeploy(t *testing.T) {
	p, s := newProvisioner()

	_, err := p.ReadBoardInfo()
	assert.ErrorIs(t, err, ErrNotProvisioned)

	cp, err := p.Deploy(board)
	require.NoError(t, err)

	info, err := p.ReadBoardInfo()
	require.NoError(t, err)
	assert.Equal(t, board, info)

	for _, row := range append([]int{BOARD_INFO_ROW, SERIAL_ROW}, soc.SecureBufferRows...) {
		assert.True(t, s.Fuse(row).Locked, "row %d", row)
	}

	pub, err := p.ECDSA.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, ecdsa521.Compress(&pub), cp)

	x, y := elliptic.UnmarshalCompressed(elliptic.P521(), ecdsa521.EncodeCompressed(&cp)[1:])
	require.NotNil(t, x)
	assert.Equal(t, pub.X.Big(), x)
	assert.Equal(t, pub.Y.Big(), y)

	_, err = p.Deploy(board)
	assert.ErrorIs(t, err, ErrProvisioned)
}

func TestDeployRAMSize(t *testing.T) {
	p, _ := newProvisioner()

	b := board
	b.RAM = 256

	_, err := p.Deploy(b)
	assert.ErrorIs(t, err, ErrRAMSize)
}

func TestPUBK(t *testing.T) {
	var cp bn.Int

	cp[0] = 0x30001
	cp[16] = 0xcafe

	pubk := PUBK(&cp)

	assert.True(t, strings.HasPrefix(pubk, "PUBK030001"))
	assert.True(t, strings.HasSuffix(pubk, "0000cafe"))
	assert.Len(t, pubk, 4+6+16*8)
}

func TestSetTrust(t *testing.T) {
	for _, trusted := range []bool{true, false} {
		p, _ := newProvisioner()

		require.NoError(t, p.SetTrust(trusted))

		state, err := tim.DetermineBoardTrust(p.Store)
		require.NoError(t, err)

		if trusted {
			assert.Equal(t, tim.Trusted, state)
		} else {
			assert.Equal(t, tim.Untrusted, state)
		}

		assert.Error(t, p.SetTrust(!trusted))
	}
}

func TestSetTrustAnchor(t *testing.T) {
	p, s := newProvisioner()
	digest := sha256.Sum256([]byte("anchor"))

	require.NoError(t, p.SetTrustAnchor(digest))

	rows := tim.AnchorRows(digest)

	for i := range rows {
		val, locked, err := p.Store.ReadRow(tim.ANCHOR_ROW + i)
		require.NoError(t, err)
		assert.True(t, locked)
		assert.Equal(t, rows[i], val)
		assert.Equal(t, rows[i], s.Fuse(tim.ANCHOR_ROW+i).Value)
	}

	assert.Error(t, p.SetTrustAnchor(sha256.Sum256([]byte("other"))))
}

func TestDump(t *testing.T) {
	p, _ := newProvisioner()

	require.NoError(t, p.Store.WriteRow(2, 0x8000000000000001, true))

	buf := new(bytes.Buffer)
	require.NoError(t, p.Dump(buf))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 1+soc.EFUSE_ROWS)

	assert.Equal(t, "OTP", lines[0])

	blank := "? " + strings.Repeat("?", 32) + " " + strings.Repeat("?", 32)
	assert.Equal(t, blank, lines[1])

	row2 := "U U" + strings.Repeat("?", 31) + " " + strings.Repeat("?", 31) + "U"
	assert.Equal(t, row2, lines[3])
}

type aliasedRAM struct {
	size  uint32
	words map[uint32]uint32
}

func (r *aliasedRAM) Size() uint32 {
	return 1 << 30
}

func (r *aliasedRAM) Read32(addr uint32) uint32 {
	return r.words[addr%r.size]
}

func (r *aliasedRAM) Write32(addr uint32, val uint32) {
	r.words[addr%r.size] = val
}

type deadRAM struct{}

func (deadRAM) Size() uint32                    { return 1 << 30 }
func (deadRAM) Read32(addr uint32) uint32       { return 0 }
func (deadRAM) Write32(addr uint32, val uint32) {}

func TestProbeRAMSize(t *testing.T) {
	for _, mib := range []int{512, 1024} {
		mem := &aliasedRAM{size: uint32(mib) << 20, words: make(map[uint32]uint32)}

		size, err := ProbeRAMSize(mem)
		require.NoError(t, err)
		assert.Equal(t, mib, size)
	}

	_, err := ProbeRAMSize(deadRAM{})
	assert.ErrorIs(t, err, ErrRAMSize)
}
