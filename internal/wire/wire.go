package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	KindEntity     byte = 1
	KindCollection byte = 2

	hdrLen = 4 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("casorm: corrupt cache entry")
	magic4     = [...]byte{'C', 'O', 'R', 'M'}
)

// Frame is a decoded region entry. Payload aliases the input buffer.
type Frame struct {
	Kind    byte
	Epoch   uint64
	Gen     uint64
	Payload []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

func validKind(k byte) bool { return k == KindEntity || k == KindCollection }

// Encode frames a payload:
//
//	magic(4) | ver(1) | kind(1) | epoch(u64 be) | gen(u64 be) | vlen(u32 be) | payload(vlen)
func Encode(kind byte, epoch, gen uint64, payload []byte) ([]byte, error) {
	if !validKind(kind) {
		return nil, errors.New("casorm: invalid wire kind")
	}
	if uint64(len(payload)) > 0xFFFFFFFF {
		return nil, errors.New("casorm: payload too large")
	}

	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], epoch)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses a frame of the wanted kind. Trailing bytes are corruption.
func Decode(b []byte, kind byte) (Frame, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kind {
		return Frame{}, ErrCorrupt
	}

	off := 6

	epoch := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return Frame{}, ErrCorrupt
	}

	return Frame{Kind: kind, Epoch: epoch, Gen: gen, Payload: b[off:]}, nil
}
