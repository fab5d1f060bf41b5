package telegram

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Config struct {
	Token string
	// ChannelID is the source channel; only its posts are relayed.
	ChannelID int64
	// OwnerID may inject posts by forwarding channel messages to the bot.
	OwnerID     int64
	PollTimeout time.Duration
}

// Adapter bridges Telegram long polling to the publish pipeline. Posts
// from the configured channel (or forwarded by the owner) are handed to
// the submit callback on a dedicated worker so the poll loop never
// blocks on pipeline work.
type Adapter struct {
	cfg    Config
	submit transport.SubmitFunc
	log    logx.Logger

	bot       *tele.Bot
	inbox     chan transport.InboundPost
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedPosts counts posts dropped because the pipeline was slower
	// than the Telegram poll loop. Logged periodically to avoid spam.
	droppedPosts uint64
}

func New(cfg Config, submit transport.SubmitFunc, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChannelID == 0 {
		return nil, errors.New("telegram channel_id is empty")
	}
	if submit == nil {
		return nil, errors.New("submit callback is nil")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		submit: submit,
		log:    log,
		bot:    b,
		inbox:  make(chan transport.InboundPost, 64),
	}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(3)
	a.runMu.Unlock()

	// Pipeline worker: one post at a time, in arrival order.
	go func() {
		defer a.runWG.Done()
		for {
			select {
			case <-rctx.Done():
				return
			case post := <-a.inbox:
				a.submit(rctx, post)
			}
		}
	}()

	// Periodic summary for dropped posts (avoid noisy per-update logs).
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				// Final flush.
				if n := atomic.SwapUint64(&a.droppedPosts, 0); n > 0 {
					a.log.Warn("inbound posts dropped (inbox full)", logx.Int64("count", int64(n)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedPosts, 0); n > 0 {
					a.log.Warn("inbound posts dropped (inbox full)", logx.Int64("count", int64(n)))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil || m.Chat.ID != a.cfg.ChannelID {
			return nil
		}
		a.enqueue(inboundFromMessage(m))
		return nil
	})

	// Owner forwards: channel posts forwarded to the bot in a DM count
	// as submissions too, with an acknowledgement reply.
	forward := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Sender.ID != a.cfg.OwnerID {
			return nil
		}
		if a.cfg.OwnerID == 0 {
			return nil
		}
		if m.Origin == nil || m.Origin.Chat == nil || m.Origin.Chat.ID != a.cfg.ChannelID {
			return nil
		}
		a.enqueue(inboundFromMessage(m))
		return c.Reply("queued for relay")
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnPhoto, forward)
	a.bot.Handle(tele.OnVideo, forward)
	a.bot.Handle(tele.OnAnimation, forward)

	go func() {
		defer a.runWG.Done()
		// Ensure we stop telebot when context is cancelled.
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started", logx.Int64("channel_id", a.cfg.ChannelID))
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) enqueue(post transport.InboundPost) {
	if post.Text == "" && post.MediaID == "" {
		return
	}
	select {
	case a.inbox <- post:
	default:
		atomic.AddUint64(&a.droppedPosts, 1)
	}
}

func inboundFromMessage(m *tele.Message) transport.InboundPost {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	var mediaID string
	switch {
	case m.Photo != nil:
		mediaID = m.Photo.FileID
	case m.Video != nil:
		mediaID = m.Video.FileID
	case m.Animation != nil:
		mediaID = m.Animation.FileID
	}
	return transport.InboundPost{Text: text, MediaID: mediaID}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on
	// the Telegram long-poll.
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if cancel != nil {
		cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	msg, err := a.bot.Send(chat, text, sendOpt)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// FileStream opens the Telegram file referenced by fileID for reading.
func (a *Adapter) FileStream(ctx context.Context, fileID string) (io.ReadCloser, error) {
	f, err := a.bot.FileByID(fileID)
	if err != nil {
		return nil, err
	}
	return a.bot.File(&f)
}
