// Package app wires configuration, storage, the Telegram adapter, the
// publish pipeline and the admin server into one runnable unit.
package app

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"relaybot/internal/config"
	"relaybot/internal/media"
	"relaybot/internal/pipeline"
	"relaybot/internal/publish"
	"relaybot/internal/publish/twitter"
	"relaybot/internal/server"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	"relaybot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter transport.Adapter
	stager  *media.Stager
	pipe    *pipeline.Pipeline
	srv     *server.Server

	janitor  *cron.Cron
	mediaAge time.Duration

	runCancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgPath: cfgPath, cfgm: cfgm}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		ChannelID:   cfg.Telegram.ChannelID,
		OwnerID:     cfg.Telegram.OwnerID,
		PollTimeout: pollTimeout,
	}, a.handleInbound, bootLog)
	if err != nil {
		return nil, err
	}
	a.adapter = ad

	// Bootstrap with the Telegram sink disabled: the target chat is set
	// right after, then the final config is applied so the first Apply()
	// cannot warn about a missing target.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	setTelegramLogTarget(logSvc, cfg)
	logSvc.Apply(mapLoggingConfig(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = st

	a.stager = media.NewStager(cfg.Media.Dir, ad, log.With(logx.String("comp", "media")))
	a.mediaAge, err = config.ParseDurationOrDefault("media.max_age", cfg.Media.MaxAge, 48*time.Hour)
	if err != nil {
		return nil, err
	}

	pubs := make([]publish.Publisher, 0, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		pubs = append(pubs, twitter.New(twitter.Config{
			Name:         ac.Name,
			APIKey:       ac.APIKey,
			APISecret:    ac.APISecret,
			AccessToken:  ac.AccessToken,
			AccessSecret: ac.AccessSecret,
			RatePerMin:   ac.RatePerMin,
		}, log.With(logx.String("comp", "twitter"), logx.String("account", ac.Name))))
	}

	spacing, err := config.ParseDurationOrDefault("queue.spacing", cfg.Queue.Spacing, pipeline.DefaultSpacing)
	if err != nil {
		return nil, err
	}
	a.pipe = pipeline.New(pipeline.Options{
		Store:      st,
		Stager:     a.stager,
		Publishers: pubs,
		Spacing:    spacing,
		Footer:     cfg.Queue.Footer,
		Log:        log,
	})

	if cfg.Server.Enabled {
		addr := cfg.Server.Addr
		if addr == "" {
			addr = "127.0.0.1:3001"
		}
		a.srv = server.New(server.Config{Addr: addr}, st, a.pipe.Scheduler, ad,
			log.With(logx.String("comp", "server")))
	}

	return a, nil
}

// handleInbound is the adapter's submit callback. It runs on the
// adapter's worker goroutine, one post at a time.
func (a *App) handleInbound(ctx context.Context, post transport.InboundPost) {
	res, err := a.pipe.Gate.Submit(ctx, pipeline.ContentItem{Text: post.Text, MediaID: post.MediaID})
	if err != nil {
		a.log.Error("inbound post rejected", logx.Err(err))
		return
	}
	a.log.Info("inbound post handled", logx.String("result", res.String()))
}

func (a *App) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	// Scheduler first: the queue must be armed (and overdue posts
	// dispatched) before new submissions arrive.
	if err := a.pipe.Scheduler.Start(rctx); err != nil {
		return err
	}
	if err := a.adapter.Start(rctx); err != nil {
		return err
	}
	if a.srv != nil {
		a.srv.Start()
	}
	a.startJanitor(rctx)

	go a.reloadLoop(rctx)
	go func() {
		if err := a.cfgm.Watch(rctx); err != nil && rctx.Err() == nil {
			a.log.Error("config watcher exited", logx.Err(err))
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.runCancel != nil {
		a.runCancel()
	}
	if a.janitor != nil {
		stopCtx := a.janitor.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.srv != nil {
		if err := a.srv.Stop(ctx); err != nil {
			a.log.Warn("admin api shutdown failed", logx.Err(err))
		}
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("telegram shutdown failed", logx.Err(err))
	}
	a.pipe.Scheduler.Stop()

	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = err
	}
	a.log.Info("app stopped")
	if err := a.logs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// startJanitor schedules the staged-media sweep. Media ids still queued
// are never pruned, whatever their age.
func (a *App) startJanitor(ctx context.Context) {
	cfg := a.cfgm.Get()
	spec := cfg.Media.SweepSpec
	if spec == "" {
		spec = "@hourly"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		keep := a.queuedMediaIDs(ctx)
		n, err := a.stager.Sweep(a.mediaAge, keep)
		if err != nil {
			a.log.Warn("media sweep failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("media sweep pruned files", logx.Int("count", n))
		}
	})
	if err != nil {
		a.log.Warn("invalid media sweep spec; janitor disabled",
			logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	a.janitor = c
}

func (a *App) queuedMediaIDs(ctx context.Context) []string {
	posts, err := a.store.ListUnposted(ctx)
	if err != nil {
		a.log.Warn("listing queued posts for sweep failed", logx.Err(err))
		return nil
	}
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		if p.MediaID != "" {
			ids = append(ids, p.MediaID)
		}
	}
	return ids
}

// reloadLoop applies config hot reloads. Only logging settings take
// effect live; changes to storage, accounts or the Telegram connection
// need a restart and are called out as such.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			if restartSections := staleSections(last, cfg); len(restartSections) > 0 {
				a.log.Warn("config changed; restart required for these sections",
					logx.String("sections", strings.Join(restartSections, ",")))
			}
			setTelegramLogTarget(a.logs, cfg)
			a.logs.Apply(mapLoggingConfig(cfg))
			last = cfg
			a.log.Info("config reloaded")
		}
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func setTelegramLogTarget(svc *logx.Service, cfg *config.Config) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		svc.SetTelegramTarget(0, 0)
		return
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		svc.SetTelegramTarget(0, 0)
		return
	}
	svc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
}

// staleSections lists config sections whose live values diverged from
// what the running services were built with.
func staleSections(old, now *config.Config) []string {
	var out []string
	if old == nil || now == nil {
		return out
	}
	if old.Telegram.Token != now.Telegram.Token ||
		old.Telegram.ChannelID != now.Telegram.ChannelID ||
		old.Telegram.OwnerID != now.Telegram.OwnerID ||
		old.Telegram.PollTimeout != now.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	if len(old.Accounts) != len(now.Accounts) {
		out = append(out, "accounts")
	} else {
		for i := range old.Accounts {
			if old.Accounts[i] != now.Accounts[i] {
				out = append(out, "accounts")
				break
			}
		}
	}
	if old.Queue != now.Queue {
		out = append(out, "queue")
	}
	if old.Media != now.Media {
		out = append(out, "media")
	}
	if old.Server != now.Server {
		out = append(out, "server")
	}
	if old.Storage != now.Storage {
		out = append(out, "storage")
	}
	return out
}
