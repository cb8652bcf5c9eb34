// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mbox

import (
	"bufio"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type recorder struct {
	sync.Mutex
	res []*Response
}

func (r *recorder) send(res *Response) {
	r.Lock()
	defer r.Unlock()

	r.res = append(r.res, res)
}

func (r *recorder) responses() []*Response {
	r.Lock()
	defer r.Unlock()

	return append([]*Response{}, r.res...)
}

func echo(args []uint32, out []uint32) (uint32, error) {
	copy(out, args)
	return args[0], nil
}

func TestStatus(t *testing.T) {
	s := Status(0x404, 0x123456, FAIL)

	assert.Equal(t, uint32(0x4), StatusCmd(s))
	assert.Equal(t, uint32(0x23456), StatusValue(s))
	assert.Equal(t, FAIL, StatusOutcome(s))

	assert.Equal(t, uint32(3|22<<10|1<<30), Status(3, EINVAL, FAIL))
	assert.Equal(t, uint32(0xc0000001), Status(1, 0, LATER))
}

func TestRegister(t *testing.T) {
	m := New(nil)

	require.NoError(t, m.Register(1, echo))
	assert.Error(t, m.Register(1, echo))
	assert.Error(t, m.Register(0, echo))
	assert.Error(t, m.Register(MAX_CMD, echo))
}

func TestUnknownCommand(t *testing.T) {
	r := &recorder{}
	m := New(r.send)

	m.Submit(Request{Cmd: 9})
	m.Submit(Request{Cmd: 300})

	res := r.responses()
	require.Len(t, res, 2)

	assert.Equal(t, Status(9, 0, BADCMD), res[0].Status)
	assert.Equal(t, uint32(ENOSYS), res[1].Status)
	assert.Equal(t, 0, m.Pending())
}

func TestHandle(t *testing.T) {
	m := New(nil)

	require.NoError(t, m.Register(1, echo))
	require.NoError(t, m.Register(2, func(args []uint32, out []uint32) (uint32, error) {
		out[0] = 0xdeadbeef
		return 0, Error(EINVAL)
	}))
	require.NoError(t, m.Register(3, func(args []uint32, out []uint32) (uint32, error) {
		return 0, ErrLater
	}))
	require.NoError(t, m.Register(4, func(args []uint32, out []uint32) (uint32, error) {
		return 0, context.DeadlineExceeded
	}))

	req := &Request{Cmd: 1}
	req.Args[0] = 7
	req.Args[15] = 0xffffffff

	res := m.Handle(req)
	require.NotNil(t, res)
	assert.Equal(t, Status(1, 7, SUCCESS), res.Status)
	assert.Equal(t, req.Args, res.Args)

	res = m.Handle(&Request{Cmd: 2})
	require.NotNil(t, res)
	assert.Equal(t, Status(2, EINVAL, FAIL), res.Status)
	assert.Equal(t, [MAX_ARGS]uint32{}, res.Args)

	assert.Nil(t, m.Handle(&Request{Cmd: 3}))

	res = m.Handle(&Request{Cmd: 4})
	assert.Equal(t, Status(4, EIO, FAIL), res.Status)
}

func TestQueueFull(t *testing.T) {
	r := &recorder{}
	m := New(r.send)

	require.NoError(t, m.Register(1, echo))

	for i := 0; i < QUEUE_SIZE+1; i++ {
		m.Submit(Request{Cmd: 1, Args: [MAX_ARGS]uint32{uint32(i)}})
	}

	assert.Equal(t, QUEUE_SIZE, m.Pending())

	res := r.responses()
	require.Len(t, res, 1)
	assert.Equal(t, LATER, StatusOutcome(res[0].Status))

	m.Drain()

	res = r.responses()
	require.Len(t, res, QUEUE_SIZE+1)

	for i, res := range res[1:] {
		assert.Equal(t, Status(1, uint32(i), SUCCESS), res.Status)
	}
}

func TestProcess(t *testing.T) {
	r := &recorder{}
	m := New(r.send)

	require.NoError(t, m.Register(1, echo))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)

	go func() {
		done <- m.Process(ctx)
	}()

	for i := 0; i < 4; i++ {
		m.Submit(Request{Cmd: 1, Args: [MAX_ARGS]uint32{uint32(i)}})
	}

	assert.Eventually(t, func() bool {
		return len(r.responses()) == 4
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	for i, res := range r.responses() {
		assert.Equal(t, uint32(i), StatusValue(res.Status))
	}
}

func TestWire(t *testing.T) {
	req := Request{Cmd: CMD_ECDSA_SIGN}
	req.Args[0] = 1
	req.Args[3] = 0x12345678

	var dec Request
	require.NoError(t, dec.Unmarshal(req.Marshal()))
	assert.Equal(t, req, dec)

	res := Response{Status: Status(4, 0, SUCCESS)}
	res.Args[15] = 0xcafe

	var out Response
	require.NoError(t, out.Unmarshal(res.Marshal()))
	assert.Equal(t, res, out)

	t.Run("unpacked", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, FIELD_CMD, protowire.VarintType)
		b = protowire.AppendVarint(b, 2)
		b = protowire.AppendTag(b, FIELD_ARGS, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, 5)
		b = protowire.AppendTag(b, 99, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte("ignored"))
		b = protowire.AppendTag(b, FIELD_ARGS, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, 6)

		var dec Request
		require.NoError(t, dec.Unmarshal(b))
		assert.Equal(t, uint32(2), dec.Cmd)
		assert.Equal(t, uint32(5), dec.Args[0])
		assert.Equal(t, uint32(6), dec.Args[1])
	})

	t.Run("too many args", func(t *testing.T) {
		b := appendWords(nil, FIELD_ARGS, make([]uint32, MAX_ARGS+1))

		var dec Request
		assert.ErrorIs(t, dec.Unmarshal(b), ErrTooManyArgs)
	})

	t.Run("truncated", func(t *testing.T) {
		b := req.Marshal()

		var dec Request
		assert.Error(t, dec.Unmarshal(b[:len(b)-1]))
	})
}

func TestFrame(t *testing.T) {
	buf := new(bytes.Buffer)
	req := Request{Cmd: 1}

	require.NoError(t, WriteFrame(buf, req.Marshal()))
	require.NoError(t, WriteFrame(buf, []byte{}))
	assert.ErrorIs(t, WriteFrame(buf, make([]byte, MAX_FRAME+1)), ErrFrameSize)

	r := bufio.NewReader(buf)

	msg, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, req.Marshal(), msg)

	msg, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Empty(t, msg)

	_, err = ReadFrame(r)
	assert.Error(t, err)

	big := bufio.NewReader(bytes.NewReader(protowire.AppendVarint(nil, MAX_FRAME+1)))
	_, err = ReadFrame(big)
	assert.ErrorIs(t, err, ErrFrameSize)
}
