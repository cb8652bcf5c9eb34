// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path"
	"strings"

	"github.com/f-secure-foundry/wtmi-trust/internal/tim"
)

// id returns the ASCII form of an image identifier.
func id(v uint32) string {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)

	return string(buf)
}

func parseID(s string) (v uint32, err error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid image identifier %q", s)
	}

	return binary.BigEndian.Uint32([]byte(s)), nil
}

// load reads and verifies the argument images, saving them in dir.
func load(chain *tim.Chain, img *tim.Image, ids string, dir string) (err error) {
	for _, s := range strings.Split(ids, ",") {
		var v uint32

		if v, err = parseID(s); err != nil {
			return
		}

		info := img.Find(v)

		if info == nil {
			return fmt.Errorf("%s, %w", s, tim.ErrImageNotFound)
		}

		buf := make([]byte, info.Size)
		n, err := chain.LoadImage(v, buf)

		if err != nil {
			return fmt.Errorf("%s, %w", s, err)
		}

		p := path.Join(dir, s+".bin")

		if err = os.WriteFile(p, buf[:n], 0600); err != nil {
			return err
		}

		log.Printf("loaded %s (%d bytes) to %s", s, n, p)
	}

	return
}
