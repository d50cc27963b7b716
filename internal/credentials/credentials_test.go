package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBadgerStoreRoundTripEncrypted(t *testing.T) {
	key, err := ParseKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("ParseKey err=%v", err)
	}
	store, err := OpenBadger(OpenOptions{Path: t.TempDir(), EncryptionKey: key})
	if err != nil {
		t.Fatalf("OpenBadger err=%v", err)
	}
	defer store.Close()

	if err := store.Put("user-1", Credentials{APIKey: "k", APISecret: "s"}); err != nil {
		t.Fatalf("Put err=%v", err)
	}
	got, err := store.Resolve(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Resolve err=%v", err)
	}
	if got.APIKey != "k" || got.APISecret != "s" {
		t.Fatalf("credentials=%+v", got)
	}
	if _, err := store.Resolve(context.Background(), "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want=ErrNotFound", err)
	}
	if err := store.Delete("user-1"); err != nil {
		t.Fatalf("Delete err=%v", err)
	}
	if _, err := store.Resolve(context.Background(), "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after delete=%v want=ErrNotFound", err)
	}
}

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic(map[string]string{"u1": "key:secret", "u2": "incomplete:"})
	if err != nil {
		t.Fatalf("ParseStatic err=%v", err)
	}
	if c, err := s.Resolve(context.Background(), "u1"); err != nil || c.APISecret != "secret" {
		t.Fatalf("u1=%+v err=%v", c, err)
	}
	if _, err := s.Resolve(context.Background(), "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("u2 err=%v want=ErrNotFound", err)
	}
	if _, err := ParseStatic(map[string]string{"bad": "nocolon"}); err == nil {
		t.Fatalf("expected error for malformed pair")
	}
}

func TestParseKeyRejectsShortKey(t *testing.T) {
	if _, err := ParseKey("abcd"); err == nil {
		t.Fatalf("expected length error")
	}
	if k, err := ParseKey(""); err != nil || k != nil {
		t.Fatalf("empty key=%v err=%v", k, err)
	}
}
