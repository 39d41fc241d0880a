package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

var (
	protoMarshal   = proto.MarshalOptions{Deterministic: true}
	protoUnmarshal = proto.UnmarshalOptions{DiscardUnknown: true}
)

// Protobuf encodes one concrete message type. Marshaling is deterministic so
// equal snapshots produce equal bytes. Unknown fields written by a newer
// process sharing the region are dropped on decode.
type Protobuf[T proto.Message] struct {
	ctor func() T
}

// NewProtobuf takes the constructor of an empty message, e.g.
// func() *structpb.Struct { return &structpb.Struct{} }.
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{ctor: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) { return protoMarshal.Marshal(v) }

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.ctor()
	if err := protoUnmarshal.Unmarshal(b, m); err != nil {
		var zero T
		return zero, fmt.Errorf("codec: protobuf: %w", err)
	}
	return m, nil
}
