// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/f-secure-foundry/wtmi-trust/internal/provision"
)

func parseMAC(s string) (mac uint64, err error) {
	addr, err := net.ParseMAC(s)

	if err != nil {
		return
	}

	if len(addr) != 6 {
		return 0, fmt.Errorf("invalid MAC address %s", s)
	}

	for _, b := range addr {
		mac = mac<<8 | uint64(b)
	}

	return
}

// deploy fuses the board information and generates the board key, as done
// on the manufacturing station.
func deploy(b *Board) (err error) {
	info := provision.BoardInfo{
		Serial:  uint32(conf.serial),
		Time:    uint32(conf.time),
		Version: uint8(conf.version),
	}

	if conf.time == 0 {
		info.Time = uint32(time.Now().Unix())
	}

	if info.MAC, err = parseMAC(conf.mac); err != nil {
		return
	}

	if info.RAM, err = provision.ProbeRAMSize(newRAM(conf.ram)); err != nil {
		return
	}

	log.Printf("RAM%d", info.RAM/1024)

	cp, err := b.provisioner().Deploy(info)

	if err != nil {
		return
	}

	log.Print(provision.PUBK(&cp))
	log.Print(info.String())

	if len(conf.qr) == 0 {
		return
	}

	code, err := newPublicKeyCode(&cp)

	if err != nil {
		return
	}

	return os.WriteFile(conf.qr, code, 0600)
}

// setTrustAnchor fuses the platform key hash and the trusted state.
func setTrustAnchor(b *Board, anchor string) (err error) {
	var digest [sha256.Size]byte

	buf, err := hex.DecodeString(anchor)

	if err != nil {
		return
	}

	if len(buf) != sha256.Size {
		return errors.New("invalid trust anchor size")
	}

	copy(digest[:], buf)

	p := b.provisioner()

	if err = p.SetTrustAnchor(digest); err != nil {
		return
	}

	return p.SetTrust(true)
}
