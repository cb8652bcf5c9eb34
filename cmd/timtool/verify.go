// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/f-secure-foundry/wtmi-trust/internal/provision"
	"github.com/f-secure-foundry/wtmi-trust/internal/tim"
)

// fuseMap represents the OTP rows relevant to the boot chain, rows not
// present read as blank.
type fuseMap map[int]uint64

// ReadRow implements tim.Fuses.
func (f fuseMap) ReadRow(row int) (val uint64, locked bool, err error) {
	val, locked = f[row]
	return
}

// boardFuses returns the fuses of a board provisioned with the argument
// trust anchor, a nil anchor models an untrusted board.
func boardFuses(anchor *[sha256.Size]byte) fuseMap {
	fuses := fuseMap{}

	if anchor == nil {
		fuses[tim.TRUST_ROW] = provision.UNTRUSTED
		return fuses
	}

	for i, row := range tim.AnchorRows(*anchor) {
		fuses[tim.ANCHOR_ROW+i] = row
	}

	fuses[tim.TRUST_ROW] = provision.TRUSTED

	return fuses
}

// verify runs the boot chain over the argument flash and loads every
// image it describes.
func verify(flash tim.Flash, fuses tim.Fuses) (images []tim.ImageInfo, err error) {
	chain := &tim.Chain{
		Flash:    flash,
		Fuses:    fuses,
		Verifier: tim.KeyVerifier{},
	}

	img, err := chain.Boot()

	if err != nil {
		return
	}

	for _, info := range img.Images {
		if info.ID == tim.TIMH || info.ID == tim.TIMN {
			continue
		}

		buf := make([]byte, info.Size)

		if _, err = chain.LoadImage(info.ID, buf); err != nil {
			return nil, fmt.Errorf("%s, %w", id(info.ID), err)
		}

		images = append(images, info)
	}

	return
}

// VerifyCommand creates the verify command
func VerifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify a boot flash image as the secure boot chain would",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "flash",
				Usage:    "flash image",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "platform key in PEM format, its hash is the board trust anchor",
			},
			&cli.BoolFlag{
				Name:  "untrusted",
				Usage: "verify as an untrusted board",
			},
		},
		Action: runVerifyCommand,
	}
}

func runVerifyCommand(ctx context.Context, cmd *cli.Command) (err error) {
	var anchor *[sha256.Size]byte

	if !cmd.Bool("untrusted") {
		if len(cmd.String("key")) == 0 {
			return errors.New("trusted boards require a trust anchor, see --key")
		}

		pub, err := loadPublicKey(cmd.String("key"))

		if err != nil {
			return err
		}

		digest := tim.KeyHash(&pub)
		anchor = &digest
	}

	buf, err := os.ReadFile(cmd.String("flash"))

	if err != nil {
		return
	}

	images, err := verify(flashImage(buf), boardFuses(anchor))

	if err != nil {
		return
	}

	for _, info := range images {
		log.Printf("%s flash:%#x size:%d ok", id(info.ID), info.FlashEntryAddr, info.Size)
	}

	return
}
