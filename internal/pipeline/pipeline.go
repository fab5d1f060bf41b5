package pipeline

import (
	"time"

	"relaybot/internal/media"
	"relaybot/internal/publish"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

type Options struct {
	Store      storage.Store
	Stager     *media.Stager
	Publishers []publish.Publisher
	// Spacing between reserved slots; 0 means DefaultSpacing.
	Spacing time.Duration
	// Footer appended to every relayed post.
	Footer string
	Log    logx.Logger
}

// Pipeline bundles the gate, scheduler and dispatcher wired together.
type Pipeline struct {
	Gate       *Gate
	Scheduler  *Scheduler
	Dispatcher *Dispatcher
}

func New(o Options) *Pipeline {
	calc := NewCalculator(o.Store, o.Spacing)
	sched := NewScheduler(o.Store, o.Log.With(logx.String("comp", "scheduler")))
	disp := &Dispatcher{
		store:  o.Store,
		stager: o.Stager,
		pubs:   o.Publishers,
		sched:  sched,
		log:    o.Log.With(logx.String("comp", "dispatcher")),
		now:    time.Now,
	}
	sched.dispatch = disp.Dispatch
	gate := &Gate{
		store:  o.Store,
		calc:   calc,
		sched:  sched,
		stager: o.Stager,
		footer: o.Footer,
		log:    o.Log.With(logx.String("comp", "gate")),
		now:    time.Now,
	}
	return &Pipeline{Gate: gate, Scheduler: sched, Dispatcher: disp}
}
