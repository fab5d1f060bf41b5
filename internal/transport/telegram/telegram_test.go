package telegram

import (
	"context"
	"sync/atomic"
	"testing"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

func TestInboundFromMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  *tele.Message
		want transport.InboundPost
	}{
		{
			name: "plain text",
			msg:  &tele.Message{Text: "hello"},
			want: transport.InboundPost{Text: "hello"},
		},
		{
			name: "photo with caption",
			msg:  &tele.Message{Caption: "pic", Photo: &tele.Photo{File: tele.File{FileID: "ph-1"}}},
			want: transport.InboundPost{Text: "pic", MediaID: "ph-1"},
		},
		{
			name: "video without caption",
			msg:  &tele.Message{Video: &tele.Video{File: tele.File{FileID: "vd-1"}}},
			want: transport.InboundPost{MediaID: "vd-1"},
		},
		{
			name: "text wins over caption",
			msg:  &tele.Message{Text: "t", Caption: "c"},
			want: transport.InboundPost{Text: "t"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := inboundFromMessage(tt.msg); got != tt.want {
				t.Fatalf("inboundFromMessage = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	a := &Adapter{
		inbox: make(chan transport.InboundPost, 1),
		log:   logx.Nop(),
	}
	a.enqueue(transport.InboundPost{Text: "one"})
	a.enqueue(transport.InboundPost{Text: "two"})
	if n := atomic.LoadUint64(&a.droppedPosts); n != 1 {
		t.Fatalf("droppedPosts = %d, want 1", n)
	}
	if len(a.inbox) != 1 {
		t.Fatalf("inbox len = %d, want 1", len(a.inbox))
	}
}

func TestEnqueueIgnoresEmptyPosts(t *testing.T) {
	t.Parallel()
	a := &Adapter{
		inbox: make(chan transport.InboundPost, 4),
		log:   logx.Nop(),
	}
	a.enqueue(transport.InboundPost{})
	if len(a.inbox) != 0 {
		t.Fatal("empty post was enqueued")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	submit := func(ctx context.Context, post transport.InboundPost) {}
	if _, err := New(Config{Token: "", ChannelID: 1}, submit, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := New(Config{Token: "t", ChannelID: 0}, submit, logx.Nop()); err == nil {
		t.Fatal("zero channel id accepted")
	}
	if _, err := New(Config{Token: "t", ChannelID: 1}, nil, logx.Nop()); err == nil {
		t.Fatal("nil submit accepted")
	}
}
