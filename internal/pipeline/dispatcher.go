package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/media"
	"relaybot/internal/publish"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// Dispatcher fans one queued post out to every configured account.
// Attempts run concurrently and are mutually failure-isolated; the post
// reaches its terminal state after all attempts settled, regardless of
// how many succeeded.
type Dispatcher struct {
	store  storage.Store
	stager *media.Stager
	pubs   []publish.Publisher
	sched  *Scheduler
	log    logx.Logger
	now    func() time.Time
}

// Dispatch publishes the post to all accounts and advances the queue.
// It is invoked exactly once per post by the scheduler.
func (d *Dispatcher) Dispatch(ctx context.Context, post *storage.QueuedPost) {
	log := d.log.With(logx.Int64("post_id", post.ID))
	log.Info("dispatching post", logx.Int("accounts", len(d.pubs)))

	var h *media.Handle
	if post.MediaID != "" {
		var err error
		h, err = d.stager.Stage(ctx, post.MediaID)
		if err != nil {
			// Same degradation the gate applies: text beats nothing.
			log.Warn("media staging failed at dispatch; publishing text-only",
				logx.String("media_id", post.MediaID), logx.Err(err))
			h = nil
		}
	}

	var wg sync.WaitGroup
	for i, pub := range d.pubs {
		idx := i + 1
		pub := pub
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.attempt(ctx, post, idx, pub, h)
		}()
	}
	wg.Wait()

	// Terminal marking and cleanup run once, after the join, on every
	// outcome combination.
	if err := d.store.MarkPosted(ctx, post.ID, d.now()); err != nil {
		log.Error("failed to mark post as posted", logx.Err(err))
	}
	if h != nil {
		d.stager.Release(h)
	}
	if err := d.sched.OnDispatchComplete(ctx); err != nil {
		log.Error("rearm after dispatch failed", logx.Err(err))
	}
	log.Info("dispatch complete")
}

func (d *Dispatcher) attempt(ctx context.Context, post *storage.QueuedPost, idx int, pub publish.Publisher, h *media.Handle) {
	log := d.log.With(logx.Int64("post_id", post.ID), logx.Int("account", idx))

	defer func() {
		if r := recover(); r != nil {
			log.Error("publish attempt panicked", logx.Any("panic", r))
			d.record(ctx, log, post.ID, idx, false, fmt.Sprintf("panic: %v", r))
		}
	}()

	delivered, err := d.store.AccountDelivered(ctx, post.Fingerprint, idx)
	if err != nil {
		log.Error("delivery check failed", logx.Err(err))
		d.record(ctx, log, post.ID, idx, false, "delivery check failed: "+err.Error())
		return
	}
	if delivered {
		// Equal-fingerprint post already landed on this account, e.g.
		// after a manual reschedule. Never publish twice.
		log.Info("already delivered to account; skipping")
		d.record(ctx, log, post.ID, idx, true, "skipped: already delivered to this account")
		return
	}

	var remoteID string
	if h != nil {
		remoteID, err = pub.PublishMedia(ctx, post.Text, h.Path)
	} else {
		remoteID, err = pub.PublishText(ctx, post.Text)
	}
	if err != nil {
		log.Warn("publish failed", logx.Err(err))
		d.record(ctx, log, post.ID, idx, false, err.Error())
		return
	}

	log.Info("published", logx.String("remote_id", remoteID))
	d.record(ctx, log, post.ID, idx, true, "posted: "+remoteID)
}

func (d *Dispatcher) record(ctx context.Context, log logx.Logger, postID int64, idx int, success bool, msg string) {
	err := d.store.RecordAccountStatus(ctx, storage.AccountStatus{
		PostID:       postID,
		AccountIndex: idx,
		Success:      success,
		Message:      msg,
		At:           d.now(),
	})
	if err != nil {
		log.Error("failed to record account status", logx.Err(err))
	}
}
