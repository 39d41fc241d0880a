package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func mustEncode(t *testing.T, kind byte, epoch, gen uint64, p []byte) []byte {
	t.Helper()
	b, err := Encode(kind, epoch, gen, p)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	return b
}

func mustDecode(t *testing.T, b []byte, kind byte) Frame {
	t.Helper()
	f, err := Decode(b, kind)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return f
}

func TestRoundTripEmptyAndNonEmpty(t *testing.T) {
	cases := []struct {
		kind    byte
		epoch   uint64
		gen     uint64
		payload []byte
	}{
		{KindEntity, 0, 0, nil},
		{KindEntity, 3, 42, []byte("hello")},
		{KindCollection, 1, math.MaxUint64, []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		enc := mustEncode(t, tc.kind, tc.epoch, tc.gen, tc.payload)
		f := mustDecode(t, enc, tc.kind)
		if f.Gen != tc.gen || f.Epoch != tc.epoch {
			t.Fatalf("header mismatch: got epoch=%d gen=%d want epoch=%d gen=%d", f.Epoch, f.Gen, tc.epoch, tc.gen)
		}
		if !bytes.Equal(f.Payload, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", f.Payload, tc.payload)
		}
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	if _, err := Encode(9, 0, 0, nil); err == nil {
		t.Fatalf("expected error on unknown kind")
	}
}

func TestRejectsTrailingBytes(t *testing.T) {
	enc := mustEncode(t, KindEntity, 0, 7, []byte("x"))
	enc = append(enc, 0xDE, 0xAD)
	if _, err := Decode(enc, KindEntity); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestCorruptHeadersAndLengths(t *testing.T) {
	enc := mustEncode(t, KindEntity, 0, 1, []byte("abc"))

	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := Decode(badMagic, KindEntity); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := Decode(badVer, KindEntity); err == nil {
		t.Fatalf("expected error on bad version")
	}

	// entity frame read as a collection frame
	if _, err := Decode(enc, KindCollection); err == nil {
		t.Fatalf("expected error on kind mismatch")
	}

	// vlen is at offset 22..25 (4 magic +1 ver +1 kind +8 epoch +8 gen)
	tooLong := append([]byte(nil), enc...)
	binary.BigEndian.PutUint32(tooLong[22:26], uint32(len("abc")+1))
	if _, err := Decode(tooLong, KindEntity); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	trunc := enc[:len(enc)-1]
	if _, err := Decode(trunc, KindEntity); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}

	if _, err := Decode(enc[:10], KindEntity); err == nil {
		t.Fatalf("expected error on short header")
	}
}

func TestZeroCopyPayload(t *testing.T) {
	enc := mustEncode(t, KindEntity, 0, 1, []byte("Z"))
	f := mustDecode(t, enc, KindEntity)
	if len(f.Payload) != 1 {
		t.Fatalf("unexpected payload len")
	}
	// mutate payload slice. should mutate underlying enc bytes (zero-copy)
	f.Payload[0] = 'Q'
	f2 := mustDecode(t, enc, KindEntity)
	if f2.Payload[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}
