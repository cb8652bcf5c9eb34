// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/mod/sumdb/note"
)

// Manifest maps release artifact names to their SHA-256 digest.
type Manifest map[string][sha256.Size]byte

// Text returns the manifest body, one "<digest> <name>" line per artifact
// in name order.
func (m Manifest) Text() string {
	var names []string
	var buf bytes.Buffer

	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		sum := m[name]
		fmt.Fprintf(&buf, "%s %s\n", hex.EncodeToString(sum[:]), name)
	}

	return buf.String()
}

// Sign returns the manifest as a signed note.
func (m Manifest) Sign(skey string) ([]byte, error) {
	signer, err := note.NewSigner(strings.TrimSpace(skey))

	if err != nil {
		return nil, err
	}

	return note.Sign(&note.Note{Text: m.Text()}, signer)
}

// OpenManifest verifies a signed manifest against the argument verifier key
// and returns its content.
func OpenManifest(msg []byte, vkey string) (m Manifest, err error) {
	verifier, err := note.NewVerifier(strings.TrimSpace(vkey))

	if err != nil {
		return
	}

	n, err := note.Open(msg, note.VerifierList(verifier))

	if err != nil {
		return
	}

	m = Manifest{}
	scanner := bufio.NewScanner(strings.NewReader(n.Text))

	for scanner.Scan() {
		f := strings.Fields(scanner.Text())

		if len(f) != 2 || path.Base(f[1]) != f[1] {
			return nil, fmt.Errorf("invalid manifest line %q", scanner.Text())
		}

		buf, err := hex.DecodeString(f[0])

		if err != nil || len(buf) != sha256.Size {
			return nil, fmt.Errorf("invalid manifest digest %q", f[0])
		}

		m[f[1]] = [sha256.Size]byte(buf)
	}

	if len(m) == 0 {
		return nil, errors.New("empty manifest")
	}

	return
}

// Check returns an error if buf does not match the named artifact digest.
func (m Manifest) Check(name string, buf []byte) error {
	sum, ok := m[name]

	if !ok {
		return fmt.Errorf("%s not in manifest", name)
	}

	if sha256.Sum256(buf) != sum {
		return fmt.Errorf("%s digest mismatch", name)
	}

	return nil
}

// ManifestCommand creates the manifest command
func ManifestCommand() *cli.Command {
	return &cli.Command{
		Name:  "manifest",
		Usage: "Create a signed release manifest",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "key",
				Usage:    "manifest signing key (see keygen --manifest-name)",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "file",
				Usage:    "release artifact",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "out",
				Usage:    "output manifest",
				Required: true,
			},
		},
		Action: runManifestCommand,
	}
}

func runManifestCommand(ctx context.Context, cmd *cli.Command) (err error) {
	skey, err := os.ReadFile(cmd.String("key"))

	if err != nil {
		return
	}

	m := Manifest{}

	for _, p := range cmd.StringSlice("file") {
		buf, err := os.ReadFile(p)

		if err != nil {
			return err
		}

		m[path.Base(p)] = sha256.Sum256(buf)
	}

	msg, err := m.Sign(string(skey))

	if err != nil {
		return
	}

	if err = os.WriteFile(cmd.String("out"), msg, 0644); err != nil {
		return
	}

	log.Printf("signed manifest for %d artifacts written to %s", len(m), cmd.String("out"))

	return
}
