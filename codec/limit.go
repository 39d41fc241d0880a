package codec

import "fmt"

// SizeError reports a payload over a LimitCodec bound.
type SizeError struct {
	Op        string // "encode" or "decode"
	Size, Max int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("codec: %s payload too large: %d > %d", e.Op, e.Size, e.Max)
}

// LimitCodec bounds the payloads Inner sees. Oversized snapshots are refused
// at Encode, so the region rejects the put and the row is read from storage
// instead. Oversized input at Decode (a foreign writer on a shared region)
// fails, and the region self-heals the key. A bound <= 0 disables that side.
type LimitCodec[V any] struct {
	Inner     Codec[V]
	MaxEncode int
	MaxDecode int
}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, &SizeError{Op: "encode", Size: len(b), Max: c.MaxEncode}
	}
	return b, nil
}

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, &SizeError{Op: "decode", Size: len(b), Max: c.MaxDecode}
	}
	return c.Inner.Decode(b)
}
