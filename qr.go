// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"github.com/skip2/go-qrcode"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/provision"
)

const publicKeyCodeSize = 256

// newPublicKeyCode returns the PNG encoded QR code of the board public key,
// for labeling at manufacturing.
func newPublicKeyCode(cp *bn.Int) (code []byte, err error) {
	qr, err := qrcode.New(provision.PUBK(cp), qrcode.Medium)

	if err != nil {
		return
	}

	return qr.PNG(publicKeyCodeSize)
}
