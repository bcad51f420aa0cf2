package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestNewAtFormat(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	id := NewAt("ask", at)
	if !strings.HasPrefix(id, "ask_1700000000123_") {
		t.Fatalf("id = %q, want ask_1700000000123_ prefix", id)
	}
	if got := len(strings.Split(id, "_")[2]); got != 8 {
		t.Fatalf("random part length = %d, want 8", got)
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New("review")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000999).UTC()
	got, ok := Timestamp(NewAt("list", at))
	if !ok {
		t.Fatalf("Timestamp() ok = false")
	}
	if !got.Equal(at) {
		t.Fatalf("Timestamp() = %v, want %v", got, at)
	}
	if _, ok := Timestamp("garbage"); ok {
		t.Fatalf("Timestamp(garbage) ok = true, want false")
	}
}
