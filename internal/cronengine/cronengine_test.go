package cronengine

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Engine {
	t.Helper()
	e, err := Parse(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	return e
}

func TestParseRejectsSixFieldExpression(t *testing.T) {
	if _, err := Parse("*/5 0 6 * * *"); err == nil {
		t.Fatal("expected standard 5-field parser to reject a 6-field expression")
	}
}

func TestNextFireDailySchedule(t *testing.T) {
	e := mustParse(t, "0 6 * * *")
	base := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	// S1 fixture: clock=2017-06-03T06:00:00Z with no prior instance means
	// cron.next(now) should land on the next day's 06:00, since Next is
	// strictly-after semantics.
	got := e.NextFire(base)
	want := time.Date(2017, 6, 4, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPrevFireDailySchedule(t *testing.T) {
	e := mustParse(t, "0 6 * * *")
	base := time.Date(2017, 6, 3, 6, 12, 0, 0, time.UTC)
	got := e.PrevFire(base)
	want := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPrevFireExactlyAtSlot(t *testing.T) {
	e := mustParse(t, "0 6 * * *")
	base := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	got := e.PrevFire(base)
	if !got.Equal(base) {
		t.Fatalf("expected prev fire to equal base when base is exactly a slot, got %v", got)
	}
}

func TestPrevFireAfterLongGap(t *testing.T) {
	e := mustParse(t, "0 6 * * *")
	// Simulate the scheduler having been down for two weeks.
	base := time.Date(2017, 6, 20, 9, 0, 0, 0, time.UTC)
	got := e.PrevFire(base)
	want := time.Date(2017, 6, 20, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
