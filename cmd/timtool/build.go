// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/f-secure-foundry/wtmi-trust/internal/tim"
)

// DEFAULT_TIMN_OFFSET is the default TIMN flash location
const DEFAULT_TIMN_OFFSET = 0x10000

type imageSpec struct {
	ID     uint32
	Offset uint32
	Path   string
	Data   []byte
}

func parseID(s string) (v uint32, err error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid image identifier %q", s)
	}

	return binary.BigEndian.Uint32([]byte(s)), nil
}

func id(v uint32) string {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)

	return string(buf)
}

func parseOffset(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

// parseImage parses an image argument in ID:offset:path format.
func parseImage(arg string) (img *imageSpec, err error) {
	f := strings.SplitN(arg, ":", 3)

	if len(f) != 3 {
		return nil, fmt.Errorf("invalid image %q, expected ID:offset:path", arg)
	}

	img = &imageSpec{Path: f[2]}

	if img.ID, err = parseID(f[0]); err != nil {
		return
	}

	if img.Offset, err = parseOffset(f[1]); err != nil {
		return nil, fmt.Errorf("invalid image offset %q, %v", f[1], err)
	}

	return
}

// flashImage represents the boot flash content being assembled, unwritten
// areas read as erased.
type flashImage []byte

func (f *flashImage) write(offset uint32, buf []byte) error {
	end := uint64(offset) + uint64(len(buf))

	if end > 1<<32 {
		return errors.New("flash offset overflow")
	}

	for uint64(len(*f)) < end {
		*f = append(*f, 0xff)
	}

	copy((*f)[offset:], buf)

	return nil
}

// ReadFlash implements tim.Flash.
func (f flashImage) ReadFlash(offset uint32, buf []byte) error {
	for i := range buf {
		buf[i] = 0xff
	}

	if int(offset) < len(f) {
		copy(buf, f[offset:])
	}

	return nil
}

type buildConfig struct {
	signer     tim.Signer
	trusted    bool
	timnOffset uint32
	images     []*imageSpec
}

// build assembles the boot flash, trusted flashes carry a signed TIMH
// referencing a signed TIMN which describes the images.
func build(conf *buildConfig) (flash flashImage, err error) {
	timh := &tim.Builder{
		Identifier: tim.TIMH,
		Version:    0x00030600,
		Trusted:    conf.trusted,
	}

	last := timh

	if conf.trusted {
		if conf.timnOffset == 0 || conf.timnOffset >= tim.MAX_TIMN_OFFSET {
			return nil, fmt.Errorf("invalid TIMN offset %#x", conf.timnOffset)
		}

		timh.SetTIMNOffset(conf.timnOffset)

		last = &tim.Builder{
			Identifier: tim.TIMN,
			Version:    timh.Version,
			Trusted:    true,
			Offset:     conf.timnOffset,
		}
	}

	for _, img := range conf.images {
		if img.Offset < tim.MAX_SIZE || (conf.trusted && img.Offset < conf.timnOffset+tim.MAX_SIZE && img.Offset+uint32(len(img.Data)) > conf.timnOffset) {
			return nil, fmt.Errorf("%s overlaps a TIM structure", id(img.ID))
		}

		last.AddImage(img.ID, img.Offset, img.Data)

		if err = flash.write(img.Offset, img.Data); err != nil {
			return
		}
	}

	if conf.trusted {
		var raw []byte

		if raw, err = last.Build(conf.signer); err != nil {
			return
		}

		if err = flash.write(conf.timnOffset, raw); err != nil {
			return
		}
	}

	raw, err := timh.Build(conf.signer)

	if err != nil {
		return
	}

	err = flash.write(0, raw)

	return
}

// BuildCommand creates the build command
func BuildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Assemble a boot flash image with TIM structures",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "key",
				Usage: "platform signing key in PEM format",
			},
			&cli.StringSliceFlag{
				Name:     "image",
				Usage:    "image in ID:offset:path format (e.g. WTMI:0x30000:wtmi.bin)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "timn-offset",
				Usage: "TIMN flash location",
				Value: fmt.Sprintf("%#x", DEFAULT_TIMN_OFFSET),
			},
			&cli.BoolFlag{
				Name:  "untrusted",
				Usage: "build an unsigned TIMH only image",
			},
			&cli.StringFlag{
				Name:     "out",
				Usage:    "output flash image",
				Required: true,
			},
		},
		Action: runBuildCommand,
	}
}

func runBuildCommand(ctx context.Context, cmd *cli.Command) (err error) {
	conf := &buildConfig{
		trusted: !cmd.Bool("untrusted"),
	}

	if conf.timnOffset, err = parseOffset(cmd.String("timn-offset")); err != nil {
		return
	}

	if conf.trusted {
		if len(cmd.String("key")) == 0 {
			return errors.New("trusted images require a signing key, see --key")
		}

		key, err := loadPrivateKey(cmd.String("key"))

		if err != nil {
			return err
		}

		conf.signer = &tim.KeySigner{Key: key}
	}

	for _, arg := range cmd.StringSlice("image") {
		var img *imageSpec

		if img, err = parseImage(arg); err != nil {
			return
		}

		if img.Data, err = os.ReadFile(img.Path); err != nil {
			return
		}

		conf.images = append(conf.images, img)
	}

	flash, err := build(conf)

	if err != nil {
		return
	}

	if err = os.WriteFile(cmd.String("out"), flash, 0644); err != nil {
		return
	}

	log.Printf("built %s (%d bytes, trusted:%v)", cmd.String("out"), len(flash), conf.trusted)

	return
}
