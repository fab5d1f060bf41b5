package pipeline

import (
	"context"
	"time"

	"relaybot/internal/storage"
)

// DefaultSpacing is the minimum gap between reserved post slots.
const DefaultSpacing = 2 * time.Hour

// Calculator computes the earliest legal slot for a new post.
//
// Spacing is enforced between reservations, not between actual publish
// executions: when the process falls behind, new items still get
// now-based slots instead of being pushed out further. A late backlog
// item and a fresh item can therefore dispatch close together. This
// mirrors the long-standing queue behavior and is kept on purpose.
type Calculator struct {
	store   storage.Store
	spacing time.Duration
	now     func() time.Time
}

func NewCalculator(store storage.Store, spacing time.Duration) *Calculator {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return &Calculator{store: store, spacing: spacing, now: time.Now}
}

// NextSlot returns the last reserved slot plus spacing when that slot is
// still in the future, otherwise now plus spacing.
func (c *Calculator) NextSlot(ctx context.Context) (time.Time, error) {
	last, ok, err := c.store.LastReservedAt(ctx)
	if err != nil {
		return time.Time{}, err
	}
	now := c.now()
	if ok && last.After(now) {
		return last.Add(c.spacing), nil
	}
	return now.Add(c.spacing), nil
}
