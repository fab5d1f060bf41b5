package pipeline

import (
	"context"
	"testing"
	"time"

	"relaybot/internal/storage"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNextSlotEmptyQueue(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCalculator(st, 2*time.Hour)
	c.now = fixedNow(now)

	got, err := c.NextSlot(context.Background())
	if err != nil {
		t.Fatalf("NextSlot: %v", err)
	}
	if !got.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("NextSlot = %v, want now+spacing %v", got, now.Add(2*time.Hour))
	}
}

func TestNextSlotExtendsFutureReservation(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(5 * time.Hour)
	mustInsertAt(t, st, "fp-future", last)

	c := NewCalculator(st, 2*time.Hour)
	c.now = fixedNow(now)

	got, err := c.NextSlot(context.Background())
	if err != nil {
		t.Fatalf("NextSlot: %v", err)
	}
	if got.UnixMilli() != last.Add(2*time.Hour).UnixMilli() {
		t.Fatalf("NextSlot = %v, want last+spacing %v", got, last.Add(2*time.Hour))
	}
}

func TestNextSlotIgnoresPastReservation(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustInsertAt(t, st, "fp-past", now.Add(-3*time.Hour))

	c := NewCalculator(st, 2*time.Hour)
	c.now = fixedNow(now)

	got, err := c.NextSlot(context.Background())
	if err != nil {
		t.Fatalf("NextSlot: %v", err)
	}
	// A drained or lagging queue never pushes new posts further out.
	if !got.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("NextSlot = %v, want now+spacing %v", got, now.Add(2*time.Hour))
	}
}

func TestNewCalculatorDefaultSpacing(t *testing.T) {
	t.Parallel()
	c := NewCalculator(newTestStore(t), 0)
	if c.spacing != DefaultSpacing {
		t.Fatalf("spacing = %v, want %v", c.spacing, DefaultSpacing)
	}
}

func mustInsertAt(t *testing.T, st storage.Store, fp string, at time.Time) int64 {
	t.Helper()
	id, err := st.InsertPost(context.Background(), storage.QueuedPost{
		Fingerprint: fp,
		Text:        "text " + fp,
		CreatedAt:   at,
		PostAt:      at,
	})
	if err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	return id
}
