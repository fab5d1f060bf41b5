// Package publish defines the outbound publishing contract. One
// Publisher exists per configured downstream account.
package publish

import "context"

type Publisher interface {
	// PublishText posts a text-only entry and returns the remote id.
	PublishText(ctx context.Context, text string) (string, error)
	// PublishMedia uploads the local media file, then posts text with
	// the media attached.
	PublishMedia(ctx context.Context, text, mediaPath string) (string, error)
}
