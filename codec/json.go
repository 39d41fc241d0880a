package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec decodes numbers as json.Number so int64 ids keep full precision.
type JSONCodec[V any] struct{}

var _ Codec[struct{}] = JSONCodec[struct{}]{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	err := dec.Decode(&v)
	return v, err
}
