// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"io"
	"os"
)

// Flash implements tim.Flash over a SPI-NOR image file, reads past the end
// of the image return erased (0xff) bytes.
type Flash struct {
	f *os.File
}

func openFlash(path string) (*Flash, error) {
	f, err := os.Open(path)

	if err != nil {
		return nil, err
	}

	return &Flash{f: f}, nil
}

// ReadFlash implements tim.Flash.
func (fl *Flash) ReadFlash(offset uint32, buf []byte) (err error) {
	n, err := fl.f.ReadAt(buf, int64(offset))

	if errors.Is(err, io.EOF) {
		err = nil
	}

	for i := n; i < len(buf); i++ {
		buf[i] = 0xff
	}

	return
}

func (fl *Flash) Close() error {
	return fl.f.Close()
}
