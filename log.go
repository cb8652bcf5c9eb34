// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"
	"os"
	"runtime"
)

// initialized at compile time (see Makefile)
var Build string
var Revision string

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)
}

func banner() string {
	rev := Revision

	if len(rev) == 0 {
		rev = "devel"
	}

	return fmt.Sprintf("wtmi-emulator %s (%s) %s %s/%s", rev, Build, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
