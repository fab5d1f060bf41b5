package pipeline

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/media"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// Gate deduplicates inbound content and turns it into queued posts. It
// is the sole deduplication authority; the store's unique fingerprint
// index serializes concurrent submissions of the same logical post, so
// the gate never relies on in-memory state for correctness.
type Gate struct {
	store  storage.Store
	calc   *Calculator
	sched  *Scheduler
	stager *media.Stager
	footer string
	log    logx.Logger
	now    func() time.Time
}

// Submit runs one content item through dedup, media staging and
// scheduling. Duplicates are a normal outcome, not an error; store
// failures propagate because they threaten crash safety.
func (g *Gate) Submit(ctx context.Context, item ContentItem) (Result, error) {
	finalText := g.finalText(item.Text)
	mediaID := item.MediaID
	fp := FingerprintOf(finalText, mediaID)

	exists, err := g.store.PostExists(ctx, fp)
	if err != nil {
		return Duplicate, err
	}
	if exists {
		g.log.Info("duplicate post ignored", logx.String("fingerprint", short(fp)))
		return Duplicate, nil
	}

	// Media must be locally staged before the item is scheduled: the
	// inbound source may expire the reference long before the slot
	// arrives. A failed staging degrades the item to text-only instead
	// of rejecting it.
	var h *media.Handle
	if mediaID != "" {
		h, err = g.stager.Stage(ctx, mediaID)
		if err != nil {
			g.log.Warn("media staging failed; degrading post to text-only",
				logx.String("media_id", mediaID), logx.Err(err))
			mediaID = ""
			fp = FingerprintOf(finalText, "")
		}
	}

	postAt, err := g.calc.NextSlot(ctx)
	if err != nil {
		g.release(h)
		return Duplicate, err
	}

	post := storage.QueuedPost{
		Fingerprint: fp,
		Text:        finalText,
		MediaID:     mediaID,
		CreatedAt:   g.now(),
		PostAt:      postAt,
	}
	id, err := g.store.InsertPost(ctx, post)
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost an insert race with an equal-fingerprint submission.
		g.release(h)
		g.log.Info("duplicate post ignored", logx.String("fingerprint", short(fp)))
		return Duplicate, nil
	}
	if err != nil {
		g.release(h)
		return Duplicate, err
	}
	post.ID = id

	g.log.Info("post enqueued",
		logx.Int64("post_id", id),
		logx.Time("post_at", postAt),
		logx.Bool("has_media", mediaID != ""))

	// The staged file stays on disk until dispatch releases it.
	if err := g.sched.OnEnqueue(ctx, &post); err != nil {
		return Enqueued, err
	}
	return Enqueued, nil
}

// finalText appends the configured footer to the source text.
func (g *Gate) finalText(text string) string {
	if g.footer == "" {
		return text
	}
	if text == "" {
		return g.footer
	}
	return text + "\n\n" + g.footer
}

func (g *Gate) release(h *media.Handle) {
	if h != nil {
		g.stager.Release(h)
	}
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
