package util

import (
	"strings"
	"testing"
)

func TestStorageKeyShortIsReadable(t *testing.T) {
	if got := StorageKey("ent", "users", "User#id=1"); got != "ent:users:User#id=1" {
		t.Fatalf("got %q", got)
	}
}

func TestStorageKeyLongIsHashedAndStable(t *testing.T) {
	long := strings.Repeat("x", 500)
	a := StorageKey("ent", "users", long)
	b := StorageKey("ent", "users", long)
	if a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if len(a) > 64 || !strings.HasPrefix(a, "ent:users:h") {
		t.Fatalf("unexpected hashed key %q", a)
	}
	if a == StorageKey("ent", "users", long+"y") {
		t.Fatalf("distinct ids collided")
	}
}
