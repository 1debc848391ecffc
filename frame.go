package wsboot

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
)

// OpCode represents a frame operation code.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type OpCode byte

// Operation codes defined by specification.
const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xa
)

// IsControl checks whether the c is control operation code.
// See https://tools.ietf.org/html/rfc6455#section-5.5
func (c OpCode) IsControl() bool {
	// RFC6455: Control frames are identified by opcodes where
	// the most significant bit of the opcode is 1.
	//
	// Note that OpCode is only 4 bit length.
	return c&0x8 != 0
}

// IsData checks whether the c is data operation code.
// See https://tools.ietf.org/html/rfc6455#section-5.6
func (c OpCode) IsData() bool {
	return c&0x8 == 0
}

// All control frames MUST have a payload length of 125 bytes or less
// and MUST NOT be fragmented.
const MaxControlFramePayloadSize = 125

const (
	bit0 = 0x80

	len16 = int64(^(uint16(0)))
	len64 = int64(^(uint64(0)) >> 1)
)

// FrameHeader represents a websocket frame header.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type FrameHeader struct {
	Fin    bool
	Rsv    byte
	OpCode OpCode
	Length int64
	Masked bool
	Mask   [4]byte
}

// Errors used by the frame reader and writer.
var (
	ErrHeaderLengthMSB        = fmt.Errorf("header error: the most significant bit must be 0")
	ErrHeaderLengthUnexpected = fmt.Errorf("header error: unexpected payload length bits")
)

// readFrameHeader reads a frame header from r.
func readFrameHeader(r io.Reader) (fh FrameHeader, err error) {
	bts := make([]byte, 2, 8)
	if _, err = io.ReadFull(r, bts); err != nil {
		return
	}

	fh.Fin = bts[0]&bit0 != 0
	fh.Rsv = (bts[0] & 0x70) >> 4
	fh.OpCode = OpCode(bts[0] & 0x0f)

	var extra int

	fh.Masked = bts[1]&bit0 != 0
	if fh.Masked {
		extra += 4
	}

	length := bts[1] & 0x7f
	switch {
	case length < 126:
		fh.Length = int64(length)
	case length == 126:
		extra += 2
	default:
		extra += 8
	}

	if extra == 0 {
		return
	}

	if extra <= cap(bts) {
		bts = bts[:extra]
	} else {
		bts = make([]byte, extra)
	}
	if _, err = io.ReadFull(r, bts); err != nil {
		return
	}

	switch {
	case length == 126:
		fh.Length = int64(binary.BigEndian.Uint16(bts[:2]))
		bts = bts[2:]
	case length == 127:
		if bts[0]&0x80 != 0 {
			err = ErrHeaderLengthMSB
			return
		}
		fh.Length = int64(binary.BigEndian.Uint64(bts[:8]))
		bts = bts[8:]
	}

	if fh.Masked {
		copy(fh.Mask[:], bts)
	}

	return
}

// writeFrameHeader writes fh into w.
func writeFrameHeader(w io.Writer, fh FrameHeader) error {
	size := 2

	var code byte
	switch {
	case fh.Length < 126:
		code = byte(fh.Length)
	case fh.Length <= len16:
		code = 126
		size += 2
	case fh.Length <= len64:
		code = 127
		size += 8
	default:
		return ErrHeaderLengthUnexpected
	}

	lenByte := code
	if fh.Masked {
		lenByte |= bit0
		size += 4
	}

	bts := make([]byte, size)
	if fh.Fin {
		bts[0] |= bit0
	}
	bts[0] |= fh.Rsv << 4
	bts[0] |= byte(fh.OpCode)
	bts[1] = lenByte

	pos := 2
	switch code {
	case 126:
		binary.BigEndian.PutUint16(bts[2:], uint16(fh.Length))
		pos += 2
	case 127:
		binary.BigEndian.PutUint64(bts[2:], uint64(fh.Length))
		pos += 8
	}
	if fh.Masked {
		copy(bts[pos:], fh.Mask[:])
	}

	_, err := w.Write(bts)
	return err
}

// writeFrame writes one whole frame into w. With mask set the payload
// is copied and masked before writing, leaving p intact.
func writeFrame(w io.Writer, op OpCode, fin bool, p []byte, mask bool) error {
	fh := FrameHeader{
		Fin:    fin,
		OpCode: op,
		Length: int64(len(p)),
	}
	if mask {
		fh.Masked = true
		binary.BigEndian.PutUint32(fh.Mask[:], rand.Uint32())
		masked := make([]byte, len(p))
		copy(masked, p)
		cipher(masked, fh.Mask, 0)
		p = masked
	}
	if err := writeFrameHeader(w, fh); err != nil {
		return err
	}
	if len(p) > 0 {
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}
