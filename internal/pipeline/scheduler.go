package pipeline

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// Scheduler owns the single live wake-up timer for the earliest unposted
// post. All timer state is process-local cache; the store stays
// authoritative, so Rearm can always rebuild the timer after a restart.
type Scheduler struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu       sync.Mutex
	baseCtx  context.Context
	dispatch func(ctx context.Context, post *storage.QueuedPost)

	timer   *time.Timer
	gen     uint64
	armedID int64
	armedAt time.Time

	// inflightID guards against re-dispatching a post whose fan-out is
	// still running (its posted_at is not set yet, so the store would
	// keep returning it as next).
	inflightID int64
}

func NewScheduler(store storage.Store, log logx.Logger) *Scheduler {
	return &Scheduler{store: store, log: log, now: time.Now, baseCtx: context.Background()}
}

// Start resumes any persisted backlog. Must be called once before the
// inbound adapter begins delivering posts.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	return s.Rearm(ctx)
}

// Stop cancels the pending timer, if any. In-flight dispatches are not
// cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedID = 0
}

// OnEnqueue is called after a post was persisted. It rearms only when
// nothing is armed or the new post precedes the armed one; a later post
// leaves the existing timer untouched.
func (s *Scheduler) OnEnqueue(ctx context.Context, post *storage.QueuedPost) error {
	s.mu.Lock()
	armed := s.timer != nil
	earlier := armed && post.PostAt.Before(s.armedAt)
	busy := s.inflightID != 0
	s.mu.Unlock()

	if armed && !earlier {
		return nil
	}
	if !armed && busy {
		// Fan-out in progress; its completion rearms.
		return nil
	}
	return s.Rearm(ctx)
}

// OnDispatchComplete is called by the dispatcher after a post reached
// its terminal state. It advances to the next earliest unposted post.
func (s *Scheduler) OnDispatchComplete(ctx context.Context) error {
	s.mu.Lock()
	s.inflightID = 0
	s.mu.Unlock()
	return s.Rearm(ctx)
}

// Rearm cancels any live timer and re-derives it from the store: arm for
// the earliest unposted post, dispatch immediately when that post is
// overdue, or stay quiescent when the queue is drained.
func (s *Scheduler) Rearm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing the timer: bumping gen makes a concurrently firing
	// callback a no-op, so a superseded timer can never dispatch.
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedID = 0

	next, err := s.store.NextUnposted(ctx)
	if err != nil {
		return err
	}
	if next == nil {
		s.log.Debug("queue drained; no timer armed")
		return nil
	}
	if next.ID == s.inflightID {
		s.log.Debug("dispatch in flight; waiting for completion", logx.Int64("post_id", next.ID))
		return nil
	}

	delay := next.PostAt.Sub(s.now())
	if delay <= 0 {
		s.log.Info("overdue post; dispatching immediately",
			logx.Int64("post_id", next.ID), logx.Time("post_at", next.PostAt))
		s.startDispatchLocked(next)
		return nil
	}

	gen := s.gen
	s.armedID = next.ID
	s.armedAt = next.PostAt
	s.timer = time.AfterFunc(delay, func() { s.fire(gen, next) })
	s.log.Info("timer armed",
		logx.Int64("post_id", next.ID),
		logx.Time("post_at", next.PostAt),
		logx.Duration("in", delay))
	return nil
}

func (s *Scheduler) fire(gen uint64, post *storage.QueuedPost) {
	s.mu.Lock()
	if gen != s.gen {
		// Superseded by a later rearm.
		s.mu.Unlock()
		return
	}
	s.gen++
	s.timer = nil
	s.armedID = 0
	s.startDispatchLocked(post)
	s.mu.Unlock()
}

// startDispatchLocked launches the fan-out on the scheduler's base
// context: timer-fired work must not die with a request-scoped context.
func (s *Scheduler) startDispatchLocked(post *storage.QueuedPost) {
	if s.dispatch == nil {
		s.log.Error("no dispatcher bound; dropping wake-up", logx.Int64("post_id", post.ID))
		return
	}
	s.inflightID = post.ID
	ctx := s.baseCtx
	fn := s.dispatch
	go fn(ctx, post)
}

// Armed reports the currently armed post id (0 when no timer is live).
func (s *Scheduler) Armed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedID
}
