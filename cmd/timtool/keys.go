// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/mod/sumdb/note"

	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
	"github.com/f-secure-foundry/wtmi-trust/internal/tim"
)

var errKeyFormat = errors.New("expected a P-521 ECDSA key in PEM format")

func parsePrivateKey(buf []byte) (key *ecdsa.PrivateKey, err error) {
	block, _ := pem.Decode(buf)

	if block == nil {
		return nil, errKeyFormat
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, e := x509.ParsePKCS8PrivateKey(block.Bytes)

		if e != nil {
			return nil, e
		}

		var ok bool

		if key, ok = k.(*ecdsa.PrivateKey); !ok {
			return nil, errKeyFormat
		}
	default:
		return nil, errKeyFormat
	}

	if err != nil {
		return
	}

	if key.Curve != elliptic.P521() {
		return nil, errKeyFormat
	}

	return
}

// parsePublicKey accepts either a public or a private key.
func parsePublicKey(buf []byte) (pub ecp.Point, err error) {
	block, _ := pem.Decode(buf)

	if block == nil {
		return pub, errKeyFormat
	}

	if block.Type != "PUBLIC KEY" {
		key, err := parsePrivateKey(buf)

		if err != nil {
			return pub, err
		}

		return tim.PublicKeyFromCurve(&key.PublicKey)
	}

	k, err := x509.ParsePKIXPublicKey(block.Bytes)

	if err != nil {
		return
	}

	key, ok := k.(*ecdsa.PublicKey)

	if !ok {
		return pub, errKeyFormat
	}

	return tim.PublicKeyFromCurve(key)
}

func loadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	return parsePrivateKey(buf)
}

func loadPublicKey(path string) (pub ecp.Point, err error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return
	}

	return parsePublicKey(buf)
}

func generateKey() (priv []byte, pub []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)

	if err != nil {
		return
	}

	der, err := x509.MarshalECPrivateKey(key)

	if err != nil {
		return
	}

	priv = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	if der, err = x509.MarshalPKIXPublicKey(&key.PublicKey); err != nil {
		return
	}

	pub = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	return
}

// KeygenCommand creates the keygen command
func KeygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate a P-521 platform signing key, or a release manifest key",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "out",
				Usage:    "output path prefix",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "manifest-name",
				Usage: "generate a release manifest signing key with this name",
			},
		},
		Action: runKeygenCommand,
	}
}

func runKeygenCommand(ctx context.Context, cmd *cli.Command) (err error) {
	var priv, pub []byte

	out := cmd.String("out")
	ext := ".pem"

	if name := cmd.String("manifest-name"); len(name) > 0 {
		var skey, vkey string

		if skey, vkey, err = note.GenerateKey(rand.Reader, name); err != nil {
			return
		}

		priv = []byte(skey + "\n")
		pub = []byte(vkey + "\n")
		ext = ".note"
	} else if priv, pub, err = generateKey(); err != nil {
		return
	}

	if err = os.WriteFile(out+ext, priv, 0600); err != nil {
		return
	}

	if err = os.WriteFile(out+".pub"+ext, pub, 0644); err != nil {
		return
	}

	log.Printf("generated %s%s and %s.pub%s", out, ext, out, ext)

	return
}

// AnchorCommand creates the anchor command
func AnchorCommand() *cli.Command {
	return &cli.Command{
		Name:  "anchor",
		Usage: "Compute the trust anchor (OTP key hash) of a platform signing key",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "key",
				Usage:    "platform key in PEM format (public or private)",
				Required: true,
			},
		},
		Action: runAnchorCommand,
	}
}

func runAnchorCommand(ctx context.Context, cmd *cli.Command) (err error) {
	pub, err := loadPublicKey(cmd.String("key"))

	if err != nil {
		return
	}

	digest := tim.KeyHash(&pub)

	fmt.Fprintln(cmd.Root().Writer, hex.EncodeToString(digest[:]))

	for i, row := range tim.AnchorRows(digest) {
		log.Printf("row %d: %#016x", tim.ANCHOR_ROW+i, row)
	}

	return
}
