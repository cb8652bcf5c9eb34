// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bn

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var p521 = Int{
	0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
	0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
	0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
	0xffffffff, 0xffffffff, 0xffffffff, 0xffffffff,
	0x000001ff,
}

func TestCmp(t *testing.T) {
	one := FromUint32(1)
	two := FromUint32(2)
	high := Int{}
	high[16] = 1

	assert.Equal(t, -1, one.Cmp(&two))
	assert.Equal(t, 1, two.Cmp(&one))
	assert.Equal(t, 0, one.Cmp(&one))
	assert.Equal(t, 1, high.Cmp(&two))
}

func TestAddMod(t *testing.T) {
	tests := []struct {
		name string
		x, y *big.Int
	}{
		{"no reduction", big.NewInt(5), big.NewInt(7)},
		{"single reduction", new(big.Int).Sub(p521.Big(), big.NewInt(1)), big.NewInt(3)},
		{"carry across words", new(big.Int).Lsh(big.NewInt(0xffffffff), 32), big.NewInt(0xffffffff)},
		{"both near modulus", new(big.Int).Sub(p521.Big(), big.NewInt(2)), new(big.Int).Sub(p521.Big(), big.NewInt(3))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, err := FromBig(tt.x)
			require.NoError(t, err)
			y, err := FromBig(tt.y)
			require.NoError(t, err)

			x.AddMod(&y, &p521)

			want := new(big.Int).Add(tt.x, tt.y)
			want.Mod(want, p521.Big())

			assert.Equal(t, 0, want.Cmp(x.Big()))
			assert.Equal(t, -1, x.Cmp(&p521))
		})
	}
}

func TestModRepeatedSubtraction(t *testing.T) {
	// 3p + 4 fits in 17 words and reduces to 4
	x := p521
	x.Add(&p521)
	x.Add(&p521)
	four := FromUint32(4)
	x.Add(&four)

	x.Mod(&p521)
	assert.Equal(t, four, x)
}

func TestBytes(t *testing.T) {
	x := Int{0x04030201}
	x[16] = 0x1ff

	b := x.Bytes()
	require.Len(t, b, SIZE)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0xff}, b[:4])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b[SIZE-4:])

	// the word array itself is left untouched
	assert.Equal(t, uint32(0x04030201), x[0])

	var y Int
	require.NoError(t, y.SetBytes(b))
	assert.Equal(t, x, y)

	short, err := FromBytes([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, FromUint32(0x100), short)

	long := append([]byte{0x00, 0x00}, b...)
	require.NoError(t, y.SetBytes(long))
	assert.Equal(t, x, y)

	long[0] = 1
	assert.ErrorIs(t, y.SetBytes(long), ErrOverflow)
}

func TestBig(t *testing.T) {
	_, err := FromBig(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = FromBig(new(big.Int).Lsh(big.NewInt(1), WORDS*32))
	assert.ErrorIs(t, err, ErrOverflow)

	v, err := FromBig(p521.Big())
	require.NoError(t, err)
	assert.Equal(t, p521, v)
}

func TestHelpers(t *testing.T) {
	x := p521
	x[16] = 0xffffffff
	x.Truncate()
	assert.Equal(t, p521, x)

	assert.Equal(t, uint32(1), x.Bit(520))
	assert.Equal(t, uint32(0), x.Bit(521))

	one := FromUint32(1)
	zero := Int{}
	assert.True(t, one.InRange(&p521))
	assert.False(t, zero.InRange(&p521))
	assert.False(t, x.InRange(&p521))

	x.Wipe()
	assert.True(t, x.IsZero())

	assert.Equal(t, "000001ff"+"ffffffff", p521.String()[:16])
}
