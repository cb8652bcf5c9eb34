// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mbox implements the command mailbox between the application
// processor (AP) and the secure co-processor.
//
// Commands carry up to 16 argument words and are answered with a status
// word and up to 16 output words. Accepted commands are queued and executed
// in order by Process.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	MAX_ARGS   = 16
	QUEUE_SIZE = 8

	// CMD_MASK is applied to incoming command identifiers
	CMD_MASK = 0xffff
	// MAX_CMD is the number of identifiers available for registration
	MAX_CMD = 256
)

// Outcome represents the status word outcome field.
type Outcome uint32

// Outcomes
const (
	SUCCESS Outcome = iota
	FAIL
	BADCMD
	LATER
)

func (o Outcome) String() string {
	return [...]string{"success", "fail", "bad command", "later"}[o&3]
}

// Status returns the encoding of a status word.
func Status(cmd uint32, val uint32, o Outcome) uint32 {
	return (cmd & 0x3ff) | (val&0xfffff)<<10 | uint32(o&3)<<30
}

// StatusCmd returns the command field of a status word.
func StatusCmd(s uint32) uint32 {
	return s & 0x3ff
}

// StatusValue returns the value field of a status word.
func StatusValue(s uint32) uint32 {
	return (s >> 10) & 0xfffff
}

// StatusOutcome returns the outcome field of a status word.
func StatusOutcome(s uint32) Outcome {
	return Outcome(s >> 30)
}

// ErrLater is returned by handlers which answer asynchronously, no response
// is sent for the request.
var ErrLater = errors.New("response deferred")

// Handler represents a command handler, out is zeroed before each call. On
// success val is returned in the status word value field, errors are
// reported as a FAIL status with the matching errno value.
type Handler func(args []uint32, out []uint32) (val uint32, err error)

// Request represents a mailbox command.
type Request struct {
	Cmd  uint32
	Args [MAX_ARGS]uint32
}

// Response represents a mailbox answer.
type Response struct {
	Status uint32
	Args   [MAX_ARGS]uint32
}

// Mailbox represents the co-processor mailbox.
type Mailbox struct {
	sync.Mutex

	handlers map[uint32]Handler
	queue    chan *Request

	// Send is invoked for every response, including those of rejected
	// requests.
	Send func(res *Response)
}

// New returns an empty mailbox with a QUEUE_SIZE command queue.
func New(send func(res *Response)) *Mailbox {
	return &Mailbox{
		handlers: make(map[uint32]Handler),
		queue:    make(chan *Request, QUEUE_SIZE),
		Send:     send,
	}
}

// Register sets the handler of a command, the first registration wins.
func (m *Mailbox) Register(cmd uint32, h Handler) (err error) {
	m.Lock()
	defer m.Unlock()

	if cmd == 0 || cmd >= MAX_CMD {
		return fmt.Errorf("invalid command %d", cmd)
	}

	if _, ok := m.handlers[cmd]; ok {
		return fmt.Errorf("command %d already registered", cmd)
	}

	m.handlers[cmd] = h

	return
}

func (m *Mailbox) handler(cmd uint32) (h Handler, ok bool) {
	m.Lock()
	defer m.Unlock()

	h, ok = m.handlers[cmd]

	return
}

func (m *Mailbox) send(res *Response) {
	if m.Send != nil {
		m.Send(res)
	}
}

// reject returns the immediate response for commands without a handler.
func reject(cmd uint32) *Response {
	if cmd >= MAX_CMD {
		return &Response{Status: ENOSYS}
	}

	return &Response{Status: Status(cmd, 0, BADCMD)}
}

// Submit queues a request, unknown commands are rejected immediately and a
// full queue is answered with LATER.
func (m *Mailbox) Submit(req Request) {
	req.Cmd &= CMD_MASK

	if _, ok := m.handler(req.Cmd); !ok {
		m.send(reject(req.Cmd))
		return
	}

	select {
	case m.queue <- &req:
	default:
		m.send(&Response{Status: Status(req.Cmd, 0, LATER)})
	}
}

// Pending returns the number of queued requests.
func (m *Mailbox) Pending() int {
	return len(m.queue)
}

// Handle executes a request and returns its response, nil is returned for
// deferred responses.
func (m *Mailbox) Handle(req *Request) (res *Response) {
	cmd := req.Cmd & CMD_MASK
	h, ok := m.handler(cmd)

	if !ok {
		return reject(cmd)
	}

	res = &Response{}
	args := req.Args

	val, err := h(args[:], res.Args[:])

	switch {
	case err == nil:
		res.Status = Status(cmd, val, SUCCESS)
	case errors.Is(err, ErrLater):
		return nil
	default:
		res.Args = [MAX_ARGS]uint32{}
		res.Status = Status(cmd, Errno(err), FAIL)
	}

	return
}

// Process executes queued requests until the context is canceled.
func (m *Mailbox) Process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.queue:
			if res := m.Handle(req); res != nil {
				m.send(res)
			}
		}
	}
}

// Drain executes all queued requests and returns.
func (m *Mailbox) Drain() {
	for {
		select {
		case req := <-m.queue:
			if res := m.Handle(req); res != nil {
				m.send(res)
			}
		default:
			return
		}
	}
}
