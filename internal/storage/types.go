package storage

import (
	"errors"
	"time"
)

// ErrDuplicate is returned by InsertPost when a post with an equal
// fingerprint already exists. The unique index is the deduplication
// authority; callers treat this as a normal outcome, not a failure.
var ErrDuplicate = errors.New("post already queued")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// QueuedPost is one relayed post waiting for (or past) its slot.
//
// PostAt is set once at creation and only changes through an explicit
// reschedule. PostedAt is set exactly once, after the fan-out dispatch
// finished all per-account attempts; it is the terminal state.
type QueuedPost struct {
	ID          int64      `json:"id"`
	Fingerprint string     `json:"-"`
	Text        string     `json:"text"`
	MediaID     string     `json:"media_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PostAt      time.Time  `json:"post_at"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
}

// AccountStatus is one per-account delivery attempt outcome.
// Rows are append-only; reprocessing a post adds rows, never rewrites.
type AccountStatus struct {
	PostID       int64     `json:"post_id"`
	AccountIndex int       `json:"account_index"`
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}

// PostReport is a posted entry with its full per-account history.
type PostReport struct {
	QueuedPost
	Statuses []AccountStatus `json:"statuses"`
}
