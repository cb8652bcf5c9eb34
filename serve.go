// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/f-secure-foundry/wtmi-trust/internal/ebg"
	"github.com/f-secure-foundry/wtmi-trust/internal/mbox"
)

// link represents the AP side of the mailbox, only one AP connection is
// served at a time.
type link struct {
	sync.Mutex
	conn net.Conn
}

func (l *link) set(conn net.Conn) {
	l.Lock()
	defer l.Unlock()

	l.conn = conn
}

// close drops the current connection.
func (l *link) close() {
	l.Lock()
	defer l.Unlock()

	if l.conn != nil {
		l.conn.Close()
	}
}

func (l *link) send(res *mbox.Response) {
	l.Lock()
	defer l.Unlock()

	if l.conn == nil {
		return
	}

	if err := mbox.WriteFrame(l.conn, res.Marshal()); err != nil {
		log.Printf("mailbox send error, %v", err)
	}
}

func (l *link) handle(conn net.Conn, m *mbox.Mailbox) {
	defer conn.Close()

	l.set(conn)
	defer l.set(nil)

	log.Printf("AP connected from %s", conn.RemoteAddr())

	r := bufio.NewReader(conn)

	for {
		var req mbox.Request

		buf, err := mbox.ReadFrame(r)

		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("mailbox receive error, %v", err)
			}

			return
		}

		if err = req.Unmarshal(buf); err != nil {
			log.Printf("invalid mailbox request, %v", err)
			return
		}

		m.Submit(req)
	}
}

// mailbox returns the board mailbox with all commands registered, the AP
// memory window is sized after the board information.
func (b *Board) mailbox(send func(*mbox.Response)) (m *mbox.Mailbox, mem mbox.RAM, err error) {
	m = mbox.New(send)
	mem = newRAM(ramSize(b.provisioner()))

	cmds := &mbox.Commands{
		Store:    b.Store,
		ECDSA:    b.ECDSA,
		RNG:      b.RNG,
		Paranoid: &ebg.Paranoid{Source: b.RNG},
		Memory:   mem,
	}

	err = cmds.Register(m)

	return
}

// serve exposes the mailbox on a TCP address until the context is done.
func serve(ctx context.Context, addr string, b *Board) (err error) {
	l := &link{}
	m, _, err := b.mailbox(l.send)

	if err != nil {
		return
	}

	ln, err := net.Listen("tcp", addr)

	if err != nil {
		return
	}

	log.Printf("mailbox listening on %s", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.Process(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		l.close()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()

			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return err
			}

			l.handle(conn, m)
		}
	})

	if err = g.Wait(); errors.Is(err, context.Canceled) {
		err = nil
	}

	return
}
