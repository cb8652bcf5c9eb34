// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"crypto/rand"
	"fmt"
	"log"

	"github.com/f-secure-foundry/wtmi-trust/internal/ebg"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/provision"
	"github.com/f-secure-foundry/wtmi-trust/internal/sim"
	"github.com/f-secure-foundry/wtmi-trust/internal/soc"
	"github.com/f-secure-foundry/wtmi-trust/internal/tim"
	"github.com/f-secure-foundry/wtmi-trust/internal/zmodp"
)

// Board represents the emulated secure processor.
type Board struct {
	SoC   *sim.SoC
	Store *efuse.Store
	ECDSA *ecdsa521.ECDSA
	RNG   ebg.Source
}

func newBoard(s *sim.SoC, seed string) *Board {
	var rng ebg.Source

	if len(seed) > 0 {
		rng = ebg.NewHKDFSource([]byte(seed))
	} else {
		rng = ebg.ReaderSource{Reader: rand.Reader}
	}

	store := &efuse.Store{Bus: s}

	return &Board{
		SoC:   s,
		Store: store,
		ECDSA: ecdsa521.New(store, &zmodp.Engine{Bus: s}, &ecp.Engine{Bus: s}, rng),
		RNG:   rng,
	}
}

func (b *Board) provisioner() *provision.Provisioner {
	return &provision.Provisioner{
		Store: b.Store,
		ECDSA: b.ECDSA,
	}
}

func (b *Board) chain(flash tim.Flash) *tim.Chain {
	return &tim.Chain{
		Flash:    flash,
		Fuses:    b.Store,
		Verifier: b.ECDSA,
		Halt: func(err error) {
			panic(fmt.Sprintf("boot halted, %v", err))
		},
	}
}

// lockSecureBuffer loads the private key in the hardware secure buffer and
// hides its rows from software reads for the rest of the session.
func (b *Board) lockSecureBuffer() (err error) {
	if _, err = b.Store.ReadSecureBuffer(); err != nil {
		return
	}

	for _, row := range soc.SecureBufferRows {
		if err = b.Store.Mask(row); err != nil {
			return
		}
	}

	if masked, _ := b.Store.Masked(soc.SecureBufferRows[0]); masked {
		log.Printf("secure buffer rows masked")
	}

	return
}
