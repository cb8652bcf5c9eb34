// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"github.com/f-secure-foundry/wtmi-trust/internal/mbox"
	"github.com/f-secure-foundry/wtmi-trust/internal/provision"
)

// default AP RAM size (MiB) of boards without board information
const defaultRAMSize = 512

// ramSize returns the AP RAM size recorded in OTP.
func ramSize(p *provision.Provisioner) int {
	info, err := p.ReadBoardInfo()

	if err != nil {
		return defaultRAMSize
	}

	return info.RAM
}

// newRAM allocates the emulated AP RAM, pages are only backed once
// touched.
func newRAM(mib int) mbox.RAM {
	return make(mbox.RAM, mib<<20)
}
