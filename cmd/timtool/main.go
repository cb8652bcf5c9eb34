// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

// initialized at compile time (see Makefile)
var Build string
var Revision string

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "timtool",
		Usage:   "Secure boot TIM image tool",
		Version: Revision,
		Commands: []*cli.Command{
			KeygenCommand(),
			AnchorCommand(),
			BuildCommand(),
			VerifyCommand(),
			ManifestCommand(),
			FetchCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
