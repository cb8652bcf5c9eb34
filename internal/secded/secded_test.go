// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package secded

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var values = []uint64{
	0,
	1,
	0xffffffffffffffff,
	0x0123456789abcdef,
	0x8000000000000000,
	0x00000400019a0000,
}

func TestColumns(t *testing.T) {
	seen := make(map[uint8]int)

	for i := 0; i < 64; i++ {
		c := column(i)

		require.GreaterOrEqual(t, bits.OnesCount8(c), 3, "column %d", i)
		require.Equal(t, 1, bits.OnesCount8(c)%2, "column %d", i)

		prev, dup := seen[c]
		require.False(t, dup, "columns %d and %d collide", prev, i)
		seen[c] = i
	}
}

func TestDecode(t *testing.T) {
	for _, v := range values {
		ecc := Encode(v)

		t.Run("clean", func(t *testing.T) {
			d, n := Decode(v, ecc)
			assert.Equal(t, v, d)
			assert.Equal(t, 0, n)
		})

		t.Run("single data bit", func(t *testing.T) {
			for i := 0; i < 64; i++ {
				d, n := Decode(v^(1<<i), ecc)
				assert.Equal(t, v, d, "bit %d", i)
				assert.Equal(t, 1, n)
			}
		})

		t.Run("single check bit", func(t *testing.T) {
			for i := 0; i < 8; i++ {
				d, n := Decode(v, ecc^(1<<i))
				assert.Equal(t, v, d)
				assert.Equal(t, 1, n)
			}
		})

		t.Run("double data bit", func(t *testing.T) {
			for i := 0; i < 63; i++ {
				_, n := Decode(v^(3<<i), ecc)
				assert.Equal(t, 2, n, "bits %d,%d", i, i+1)
			}
		})
	}
}
