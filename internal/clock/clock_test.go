package clock

import (
	"testing"
	"time"
)

func TestFixedAdvance(t *testing.T) {
	base := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	c := NewFixed(base)
	if !c.Now().Equal(base) {
		t.Fatalf("expected %v, got %v", base, c.Now())
	}
	next := c.Advance(24 * time.Hour)
	want := base.Add(24 * time.Hour)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
	if !c.Now().Equal(want) {
		t.Fatalf("Now() did not reflect advance: got %v want %v", c.Now(), want)
	}
}

func TestRealReturnsUTC(t *testing.T) {
	r := Real{}
	if r.Now().Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", r.Now().Location())
	}
}
