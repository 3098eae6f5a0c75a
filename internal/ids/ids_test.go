package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndUnique(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAt(at)
	b := NewAt(at)
	c := NewAt(at.Add(time.Second))
	if a == b {
		t.Fatalf("ids collide: %s", a)
	}
	if !(a < b && b < c) {
		t.Fatalf("ids not ordered: %s %s %s", a, b, c)
	}
	if len(New()) != 26 {
		t.Fatalf("unexpected ulid length")
	}
}
