package region

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/unkn0wn-root/casorm/codec"
)

// ProtoCodec stores entries as google.protobuf.Struct. Numbers travel as
// doubles (exact up to 2^53), times as RFC3339Nano text, bytes as base64.
type ProtoCodec struct {
	inner codec.Protobuf[*structpb.Struct]
}

var _ codec.Codec[Entry] = ProtoCodec{}

func NewProtoCodec() ProtoCodec {
	return ProtoCodec{inner: codec.NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })}
}

func (c ProtoCodec) Encode(e Entry) ([]byte, error) {
	root := make(map[string]any, 2)
	if len(e.Fields) > 0 {
		f := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			f[k] = protoScalar(v)
		}
		root["f"] = f
	}
	if len(e.Elements) > 0 {
		list := make([]any, len(e.Elements))
		for i, id := range e.Elements {
			vals := make([]any, len(id))
			for j, v := range id {
				vals[j] = protoScalar(v)
			}
			list[i] = vals
		}
		root["e"] = list
	}
	s, err := structpb.NewStruct(root)
	if err != nil {
		return nil, fmt.Errorf("region: proto encode: %w", err)
	}
	return c.inner.Encode(s)
}

func (c ProtoCodec) Decode(b []byte) (Entry, error) {
	s, err := c.inner.Decode(b)
	if err != nil {
		return Entry{}, err
	}
	m := s.AsMap()
	var e Entry
	if f, ok := m["f"].(map[string]any); ok {
		e.Fields = f
	}
	if list, ok := m["e"].([]any); ok {
		e.Elements = make([][]any, 0, len(list))
		for _, item := range list {
			vals, ok := item.([]any)
			if !ok {
				return Entry{}, fmt.Errorf("region: proto decode: element is %T", item)
			}
			e.Elements = append(e.Elements, vals)
		}
	}
	return e, nil
}

func protoScalar(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case int:
		return int64(x)
	}
	return v
}
