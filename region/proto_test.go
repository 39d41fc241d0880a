package region

import (
	"testing"
	"time"
)

func TestProtoCodecElementsAndTimes(t *testing.T) {
	c := NewProtoCodec()
	when := time.Date(2023, 5, 6, 7, 8, 9, 10, time.UTC)

	b, err := c.Encode(Entry{
		Fields:   map[string]any{"At": when, "N": 7, "Blob": []byte("hi")},
		Elements: [][]any{{int64(1)}, {"a", int64(2)}},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Fields["At"] != when.Format(time.RFC3339Nano) {
		t.Fatalf("At=%v", e.Fields["At"])
	}
	if e.Fields["N"] != float64(7) {
		t.Fatalf("N=%v (%T)", e.Fields["N"], e.Fields["N"])
	}
	if len(e.Elements) != 2 || e.Elements[1][0] != "a" || e.Elements[1][1] != float64(2) {
		t.Fatalf("Elements=%v", e.Elements)
	}
}

func TestProtoCodecRejectsUnsupported(t *testing.T) {
	if _, err := NewProtoCodec().Encode(Entry{Fields: map[string]any{"x": struct{}{}}}); err == nil {
		t.Fatalf("expected error for unsupported value")
	}
}
