// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/f-secure-foundry/wtmi-trust/internal/sim"
)

const usage = `Secure co-processor trust subsystem emulator

Usage: wtmi-emulator [OPTIONS]

  The emulated OTP state is loaded from, and saved to, the -otp file.

  Boot:       -flash <image> [-load <ID,...> -out <dir>] [-serve <addr> | -console]
  Deploy:     -deploy -serial <n> -mac <addr> [-bv <n>] [-ram <MiB>] [-qr <png>]
  Trust:      -anchor <hex digest> | -untrusted
  Dump OTP:   -dump

Options:`

type Config struct {
	otp    string
	seed   string
	secure bool

	flash   string
	load    string
	out     string
	serve   string
	console bool

	deploy  bool
	serial  uint
	mac     string
	version uint
	ram     int
	time    int64
	qr      string

	anchor    string
	untrusted bool

	dump bool
}

var conf *Config

func init() {
	conf = &Config{}

	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}

	flag.StringVar(&conf.otp, "otp", "otp.gob", "OTP state file")
	flag.StringVar(&conf.seed, "seed", "", "deterministic entropy seed (testing only)")
	flag.BoolVar(&conf.secure, "secure", false, "run in secure mode")

	flag.StringVar(&conf.flash, "flash", "", "SPI-NOR flash image")
	flag.StringVar(&conf.load, "load", "", "comma separated image identifiers to load after boot")
	flag.StringVar(&conf.out, "out", ".", "output directory for loaded images")
	flag.StringVar(&conf.serve, "serve", "", "mailbox TCP listening address")
	flag.BoolVar(&conf.console, "console", false, "interactive mailbox console")

	flag.BoolVar(&conf.deploy, "deploy", false, "fuse board information and generate the OTP key")
	flag.UintVar(&conf.serial, "serial", 0, "board serial number")
	flag.StringVar(&conf.mac, "mac", "", "eth0 MAC address")
	flag.UintVar(&conf.version, "bv", 0, "board version")
	flag.IntVar(&conf.ram, "ram", 1024, "emulated AP RAM size (MiB)")
	flag.Int64Var(&conf.time, "time", 0, "manufacturing time (default now)")
	flag.StringVar(&conf.qr, "qr", "", "public key QR code output (PNG)")

	flag.StringVar(&conf.anchor, "anchor", "", "fuse trust anchor (hex SHA-256) and trusted state")
	flag.BoolVar(&conf.untrusted, "untrusted", false, "fuse untrusted state")

	flag.BoolVar(&conf.dump, "dump", false, "dump OTP rows")
}

func main() {
	flag.Parse()

	log.Print(banner())

	state, err := LoadConfiguration(conf.otp)

	if err != nil {
		log.Fatalf("could not load OTP state, %v", err)
	}

	if conf.secure {
		state.OTP.SecureMode = true
	}

	soc := sim.New()
	soc.Restore(state.OTP)

	board := newBoard(soc, conf.seed)

	defer func() {
		state.OTP = soc.State()

		if err := state.save(conf.otp); err != nil {
			log.Fatalf("could not save OTP state, %v", err)
		}
	}()

	switch {
	case conf.dump:
		err = board.provisioner().Dump(os.Stdout)
	case conf.deploy:
		err = deploy(board)
	case len(conf.anchor) > 0:
		err = setTrustAnchor(board, conf.anchor)
	case conf.untrusted:
		err = board.provisioner().SetTrust(false)
	case len(conf.flash) > 0:
		err = run(board)
	default:
		flag.Usage()
	}

	if err != nil {
		log.Printf("error, %v", err)
	}
}

func run(b *Board) (err error) {
	flash, err := openFlash(conf.flash)

	if err != nil {
		return
	}

	defer flash.Close()

	chain := b.chain(flash)
	start := time.Now()

	img, err := chain.Boot()

	if err != nil {
		return
	}

	log.Printf("boot chain %s in %v, %s with %d images", chain.State(), time.Since(start), id(img.Header.Identifier), len(img.Images))

	if len(conf.load) > 0 {
		if err = load(chain, img, conf.load, conf.out); err != nil {
			return
		}
	}

	if len(conf.serve) == 0 && !conf.console {
		return
	}

	if b.SoC.State().SecureMode {
		if err = b.lockSecureBuffer(); err != nil {
			return
		}
	}

	if conf.console {
		return console(b)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serve(ctx, conf.serve, b)
}
