// Package codec (de)serializes cached snapshots to bytes.
//
// Snapshots are maps of scalar column values; decoders are configured so that
// integers survive the round trip without silently turning into floats where
// the format allows it. Callers still coerce decoded scalars to field types.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
