// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mbox

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers
const (
	FIELD_CMD    protowire.Number = 1
	FIELD_ARGS   protowire.Number = 2
	FIELD_STATUS protowire.Number = 3
	FIELD_OUT    protowire.Number = 4

	// MAX_FRAME bounds the size of a framed message
	MAX_FRAME = 256
)

var (
	ErrTooManyArgs = errors.New("too many arguments")
	ErrFrameSize   = errors.New("invalid frame size")
)

func appendWords(b []byte, num protowire.Number, words []uint32) []byte {
	var packed []byte

	for _, w := range words {
		packed = protowire.AppendFixed32(packed, w)
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, packed)
}

// consumeWords appends a packed or unpacked fixed32 field value to words.
func consumeWords(b []byte, typ protowire.Type, words []uint32) ([]uint32, int) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)

		if n < 0 {
			return nil, n
		}

		return append(words, v), n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)

		if n < 0 {
			return nil, n
		}

		if len(packed)%4 != 0 {
			return nil, -1
		}

		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			words = append(words, v)
			packed = packed[m:]
		}

		return words, n
	}

	return nil, -1
}

// unmarshal walks the message fields, varint fields are returned by number
// and fixed32 fields are accumulated in words.
func unmarshal(b []byte, varintField protowire.Number, wordsField protowire.Number) (v uint64, words []uint32, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)

		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}

		b = b[n:]

		switch {
		case num == varintField && typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case num == wordsField:
			words, n = consumeWords(b, typ, words)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}

		b = b[n:]
	}

	if len(words) > MAX_ARGS {
		return 0, nil, ErrTooManyArgs
	}

	return
}

// Marshal returns the wire encoding of a request.
func (req *Request) Marshal() (b []byte) {
	b = protowire.AppendTag(b, FIELD_CMD, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.Cmd))

	return appendWords(b, FIELD_ARGS, req.Args[:])
}

// Unmarshal decodes a request, missing arguments are zero.
func (req *Request) Unmarshal(b []byte) (err error) {
	cmd, args, err := unmarshal(b, FIELD_CMD, FIELD_ARGS)

	if err != nil {
		return
	}

	*req = Request{Cmd: uint32(cmd)}
	copy(req.Args[:], args)

	return
}

// Marshal returns the wire encoding of a response.
func (res *Response) Marshal() (b []byte) {
	b = protowire.AppendTag(b, FIELD_STATUS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(res.Status))

	return appendWords(b, FIELD_OUT, res.Args[:])
}

// Unmarshal decodes a response, missing output arguments are zero.
func (res *Response) Unmarshal(b []byte) (err error) {
	status, out, err := unmarshal(b, FIELD_STATUS, FIELD_OUT)

	if err != nil {
		return
	}

	*res = Response{Status: uint32(status)}
	copy(res.Args[:], out)

	return
}

// WriteFrame writes a varint length prefixed message.
func WriteFrame(w io.Writer, msg []byte) (err error) {
	if len(msg) > MAX_FRAME {
		return ErrFrameSize
	}

	_, err = w.Write(protowire.AppendBytes(nil, msg))

	return
}

// ReadFrame reads a varint length prefixed message.
func ReadFrame(r *bufio.Reader) (msg []byte, err error) {
	size, err := binary.ReadUvarint(r)

	if err != nil {
		return
	}

	if size > MAX_FRAME {
		return nil, ErrFrameSize
	}

	msg = make([]byte, size)
	_, err = io.ReadFull(r, msg)

	return
}
