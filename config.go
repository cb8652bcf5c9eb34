// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/gob"
	"errors"
	"io/fs"
	"os"

	"github.com/f-secure-foundry/wtmi-trust/internal/sim"
)

// PersistentConfiguration holds the emulated board non-volatile state.
type PersistentConfiguration struct {
	// OTP array and secure mode status
	OTP sim.State

	// Build and Revision of the emulator which last saved the state
	Build    string
	Revision string
}

func (conf *PersistentConfiguration) save(path string) (err error) {
	conf.Build = Build
	conf.Revision = Revision

	buf := new(bytes.Buffer)
	err = gob.NewEncoder(buf).Encode(conf)

	if err != nil {
		return
	}

	return os.WriteFile(path, buf.Bytes(), 0600)
}

// LoadConfiguration reads the persistent state, a missing file yields a
// blank board.
func LoadConfiguration(path string) (conf *PersistentConfiguration, err error) {
	conf = &PersistentConfiguration{}
	buf, err := os.ReadFile(path)

	if errors.Is(err, fs.ErrNotExist) {
		return conf, nil
	}

	if err != nil {
		return
	}

	err = gob.NewDecoder(bytes.NewBuffer(buf)).Decode(conf)

	return
}
