// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strconv"

	"golang.org/x/term"

	"github.com/f-secure-foundry/wtmi-trust/internal/bn"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/mbox"
	"github.com/f-secure-foundry/wtmi-trust/internal/provision"
)

// AP memory used by console requests
const (
	CONSOLE_BUF  = 0x1000
	MAX_PARANOID = 256
)

// Cmd represents a console command.
type Cmd struct {
	Name    string
	Args    int
	Pattern *regexp.Regexp
	Syntax  string
	Help    string
	Fn      func(s *shell, arg []string) (string, error)
}

var cmds []*Cmd

func init() {
	cmds = []*Cmd{
		{
			Name: "help",
			Help: "this help",
			Fn:   helpCmd,
		},
		{
			Name:    "exit, quit",
			Pattern: regexp.MustCompile(`^(?:exit|quit)$`),
			Help:    "close console",
			Fn:      exitCmd,
		},
		{
			Name: "info",
			Help: "board information",
			Fn:   infoCmd,
		},
		{
			Name: "pubkey",
			Help: "compressed OTP public key",
			Fn:   pubkeyCmd,
		},
		{
			Name: "random",
			Help: "16 random words",
			Fn:   randomCmd,
		},
		{
			Name:    "paranoid",
			Args:    1,
			Pattern: regexp.MustCompile(`^paranoid (\d+)$`),
			Syntax:  "<size>",
			Help:    "whitened random bytes through AP memory",
			Fn:      paranoidCmd,
		},
		{
			Name:    "otp",
			Args:    1,
			Pattern: regexp.MustCompile(`^otp (\d+)$`),
			Syntax:  "<row>",
			Help:    "read OTP row",
			Fn:      otpCmd,
		},
		{
			Name:    "sign",
			Args:    1,
			Pattern: regexp.MustCompile(`^sign (.+)$`),
			Syntax:  "<text>",
			Help:    "ECDSA-521 signature of the text SHA-512 digest",
			Fn:      signCmd,
		},
	}
}

// shell issues console commands as mailbox requests.
type shell struct {
	m   *mbox.Mailbox
	mem mbox.RAM
}

func newShell(b *Board) (s *shell, err error) {
	s = &shell{}
	s.m, s.mem, err = b.mailbox(nil)

	return
}

func (s *shell) call(cmd uint32, args ...uint32) (res *mbox.Response, err error) {
	req := &mbox.Request{Cmd: cmd}
	copy(req.Args[:], args)

	if res = s.m.Handle(req); res == nil {
		return nil, errors.New("response deferred")
	}

	if o := mbox.StatusOutcome(res.Status); o != mbox.SUCCESS {
		return nil, fmt.Errorf("%s, errno %d", o, mbox.StatusValue(res.Status))
	}

	return
}

func (s *shell) exec(line string) (res string, err error) {
	for _, cmd := range cmds {
		if cmd.Pattern == nil {
			if line != cmd.Name {
				continue
			}

			return cmd.Fn(s, nil)
		}

		if m := cmd.Pattern.FindStringSubmatch(line); len(m) == cmd.Args+1 {
			return cmd.Fn(s, m[1:])
		}
	}

	return "unknown command, type `help`", nil
}

func (s *shell) handle(t *term.Terminal, line string) (err error) {
	res, err := s.exec(line)

	if len(res) > 0 {
		fmt.Fprintln(t, res)
	}

	return
}

func (s *shell) run(t *term.Terminal) {
	log.SetOutput(t)
	defer log.SetOutput(os.Stdout)

	fmt.Fprintln(t, banner())
	fmt.Fprintln(t, string(t.Escape.Cyan)+help()+string(t.Escape.Reset))

	for {
		line, err := t.ReadLine()

		if err == io.EOF {
			break
		}

		if err != nil {
			log.Printf("readline error: %v", err)
			continue
		}

		err = s.handle(t, line)

		if err == io.EOF {
			break
		}

		if err != nil {
			log.Printf("error: %v", err)
		}
	}
}

// console serves the mailbox commands on an interactive terminal.
func console(b *Board) (err error) {
	s, err := newShell(b)

	if err != nil {
		return
	}

	fd := int(os.Stdin.Fd())

	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)

		if err != nil {
			return err
		}

		defer term.Restore(fd, state)
	}

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "")

	t.SetPrompt(string(t.Escape.Red) + "> " + string(t.Escape.Reset))

	s.run(t)

	return
}

func help() string {
	var buf bytes.Buffer

	for _, cmd := range cmds {
		fmt.Fprintf(&buf, "%-22s # %s\n", cmd.Name+" "+cmd.Syntax, cmd.Help)
	}

	return buf.String()
}

func helpCmd(_ *shell, _ []string) (string, error) {
	return help(), nil
}

func exitCmd(_ *shell, _ []string) (string, error) {
	return "logout", io.EOF
}

func infoCmd(s *shell, _ []string) (string, error) {
	res, err := s.call(mbox.CMD_BOARD_INFO)

	if err != nil {
		return "", err
	}

	info := provision.BoardInfo{
		Serial:  res.Args[0],
		Time:    res.Args[1],
		Version: uint8(res.Args[2]),
		RAM:     int(res.Args[3]),
		MAC:     uint64(res.Args[4])<<32 | uint64(res.Args[5]),
	}

	return info.String(), nil
}

func pubkeyCmd(s *shell, _ []string) (string, error) {
	var cp bn.Int

	res, err := s.call(mbox.CMD_ECDSA_PUB_KEY)

	if err != nil {
		return "", err
	}

	cp[0] = mbox.StatusValue(res.Status)
	copy(cp[1:], res.Args[:])

	return provision.PUBK(&cp), nil
}

func randomCmd(s *shell, _ []string) (string, error) {
	var buf bytes.Buffer

	res, err := s.call(mbox.CMD_GET_RANDOM)

	if err != nil {
		return "", err
	}

	for _, w := range res.Args {
		fmt.Fprintf(&buf, "%08x", w)
	}

	return buf.String(), nil
}

func paranoidCmd(s *shell, arg []string) (string, error) {
	size, err := strconv.ParseUint(arg[0], 10, 32)

	if err != nil || size == 0 || size > MAX_PARANOID || size%4 != 0 {
		return "", fmt.Errorf("size must be a multiple of 4 up to %d", MAX_PARANOID)
	}

	if _, err = s.call(mbox.CMD_GET_RANDOM, mbox.RANDOM_PARANOID, CONSOLE_BUF, uint32(size)); err != nil {
		return "", err
	}

	return hex.EncodeToString(s.mem.Slice(CONSOLE_BUF, uint32(size))), nil
}

func otpCmd(s *shell, arg []string) (string, error) {
	row, err := strconv.ParseUint(arg[0], 10, 32)

	if err != nil {
		return "", err
	}

	res, err := s.call(mbox.CMD_OTP_READ, uint32(row))

	if err != nil {
		return "", err
	}

	val := uint64(res.Args[1])<<32 | uint64(res.Args[0])

	return fmt.Sprintf("row %d: %#016x locked:%v", row, val, res.Args[2] == 1), nil
}

// sign requests a signature of the argument representative, exchanged
// through AP memory.
func (s *shell) sign(z *bn.Int) (sig ecdsa521.Signature, err error) {
	addr := [3]uint32{CONSOLE_BUF, CONSOLE_BUF + bn.SIZE, CONSOLE_BUF + 2*bn.SIZE}

	for i := 0; i < bn.WORDS; i++ {
		s.mem.Write32(addr[0]+uint32(4*i), z[bn.WORDS-1-i])
	}

	if _, err = s.call(mbox.CMD_ECDSA_SIGN, mbox.SIGN_ECDSA_521, addr[0], addr[1], addr[2]); err != nil {
		return
	}

	for i := 0; i < bn.WORDS; i++ {
		sig.R[bn.WORDS-1-i] = s.mem.Read32(addr[1] + uint32(4*i))
		sig.S[bn.WORDS-1-i] = s.mem.Read32(addr[2] + uint32(4*i))
	}

	return
}

func signCmd(s *shell, arg []string) (string, error) {
	digest := sha512.Sum512([]byte(arg[0]))
	z, err := ecdsa521.HashToInt(digest[:])

	if err != nil {
		return "", err
	}

	sig, err := s.sign(&z)

	if err != nil {
		return "", err
	}

	return fmt.Sprintf("r: %x\ns: %x", sig.R.Bytes(), sig.S.Bytes()), nil
}
