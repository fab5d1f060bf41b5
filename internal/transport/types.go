package transport

import (
	"context"
	"io"
)

// InboundPost is a content item delivered by the inbound adapter.
// Delivery is push-based and at-least-once; deduplication is owned by
// the pipeline, not the adapter.
type InboundPost struct {
	Text    string // message text or media caption
	MediaID string // platform file id, empty when the post is text-only
}

// SubmitFunc hands an inbound post to the pipeline.
type SubmitFunc func(ctx context.Context, post InboundPost)

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the inbound-source surface used by the app, the media
// stager and the admin server.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

	// FileStream opens the remote binary referenced by fileID.
	// The caller owns the returned reader.
	FileStream(ctx context.Context, fileID string) (io.ReadCloser, error)
}
