package token

import (
	"encoding/base64"
	"testing"
)

func TestNewLength(t *testing.T) {
	tok := New()
	raw, err := base64.URLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("token is not valid base64: %v", err)
	}
	if len(raw) != Size {
		t.Errorf("decoded token length = %d, want %d", len(raw), Size)
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		tok := New()
		if seen[tok] {
			t.Fatalf("duplicate token after %d mints: %s", i, tok)
		}
		seen[tok] = true
	}
}
