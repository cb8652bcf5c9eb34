// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package secded implements the (72,64) single error correcting, double error
// detecting code protecting eFuse rows.
package secded

import (
	"math/bits"
)

// Each mask selects the data bits covered by one check bit.
var masks = [8]uint64{
	0x145011110ff014ff, 0x24ff2222f000249f,
	0x4c9f444400ff44d0, 0x84d08888ff0f8c50,
	0x0931f0ff11110b21, 0x0b22ff002222fa32,
	0xfa24000f4444ff24, 0xff280ff088880928,
}

// Encode returns the check byte for a 64-bit data word.
func Encode(data uint64) (ecc uint8) {
	for i, m := range masks {
		ecc |= uint8(bits.OnesCount64(data&m)&1) << i
	}

	return
}

// column returns the syndrome produced by an error on data bit i.
func column(i int) (c uint8) {
	for j, m := range masks {
		c |= uint8((m>>i)&1) << j
	}

	return
}

// Decode checks data against its check byte, it returns the corrected data
// and the number of detected errors (0, 1 or 2). A count of 2 means the error
// could not be corrected and data is returned unmodified.
func Decode(data uint64, ecc uint8) (uint64, int) {
	syndrome := Encode(data) ^ ecc

	if syndrome == 0 {
		return data, 0
	}

	// check bit error
	if bits.OnesCount8(syndrome) == 1 {
		return data, 1
	}

	for i := 0; i < 64; i++ {
		if column(i) == syndrome {
			return data ^ (1 << i), 1
		}
	}

	return data, 2
}
