package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/media"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "queue.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fakeFetcher serves a fixed payload, or fails every call.
type fakeFetcher struct {
	payload string
	err     error
	calls   atomic.Int32
}

func (f *fakeFetcher) FileStream(ctx context.Context, fileID string) (io.ReadCloser, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.payload)), nil
}

// fakePublisher records what it was asked to publish.
type fakePublisher struct {
	remoteID string
	err      error
	panics   bool

	calls     atomic.Int32
	lastText  atomic.Value
	lastMedia atomic.Value
}

func (p *fakePublisher) PublishText(ctx context.Context, text string) (string, error) {
	p.calls.Add(1)
	p.lastText.Store(text)
	if p.panics {
		panic("publisher exploded")
	}
	return p.remoteID, p.err
}

func (p *fakePublisher) PublishMedia(ctx context.Context, text, mediaPath string) (string, error) {
	p.calls.Add(1)
	p.lastText.Store(text)
	p.lastMedia.Store(mediaPath)
	if p.panics {
		panic("publisher exploded")
	}
	return p.remoteID, p.err
}

func newTestGate(t *testing.T, st storage.Store, fetch media.Fetcher, footer string) (*Gate, *Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	sched := NewScheduler(st, logx.Nop())
	sched.dispatch = func(ctx context.Context, post *storage.QueuedPost) {}
	t.Cleanup(sched.Stop)
	g := &Gate{
		store:  st,
		calc:   NewCalculator(st, time.Hour),
		sched:  sched,
		stager: media.NewStager(dir, fetch, logx.Nop()),
		footer: footer,
		log:    logx.Nop(),
		now:    time.Now,
	}
	return g, sched, dir
}

func TestFingerprintOf(t *testing.T) {
	t.Parallel()
	a := FingerprintOf("hello", "")
	b := FingerprintOf("hello", "")
	if a != b {
		t.Fatal("equal inputs produced different fingerprints")
	}
	if FingerprintOf("hello", "m1") == a {
		t.Fatal("media identity not part of the fingerprint")
	}
	// The separator keeps text/media boundaries unambiguous.
	if FingerprintOf("ab", "c") == FingerprintOf("a", "bc") {
		t.Fatal("fingerprint boundary is ambiguous")
	}
}

func TestGateDeduplicates(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	g, _, _ := newTestGate(t, st, &fakeFetcher{payload: "img"}, "")
	ctx := context.Background()

	item := ContentItem{Text: "breaking news"}
	res, err := g.Submit(ctx, item)
	if err != nil || res != Enqueued {
		t.Fatalf("first Submit = (%v, %v), want (Enqueued, nil)", res, err)
	}
	res, err = g.Submit(ctx, item)
	if err != nil || res != Duplicate {
		t.Fatalf("second Submit = (%v, %v), want (Duplicate, nil)", res, err)
	}

	posts, err := st.ListUnposted(ctx)
	if err != nil {
		t.Fatalf("ListUnposted: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("queue has %d posts, want 1", len(posts))
	}
}

func TestGateAppendsFooter(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	g, _, _ := newTestGate(t, st, &fakeFetcher{payload: "img"}, "via relaybot")
	ctx := context.Background()

	if _, err := g.Submit(ctx, ContentItem{Text: "hello"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	posts, _ := st.ListUnposted(ctx)
	if len(posts) != 1 || posts[0].Text != "hello\n\nvia relaybot" {
		t.Fatalf("stored text = %q, want footer appended", posts[0].Text)
	}

	// Footer changes post identity: same source text with a different
	// footer is a different logical post.
	if posts[0].Fingerprint != FingerprintOf("hello\n\nvia relaybot", "") {
		t.Fatalf("fingerprint not derived from final text")
	}
}

func TestGateStagesMediaBeforeScheduling(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	fetch := &fakeFetcher{payload: "jpeg bytes"}
	g, _, dir := newTestGate(t, st, fetch, "")
	ctx := context.Background()

	if _, err := g.Submit(ctx, ContentItem{Text: "pic", MediaID: "file-1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The staged copy must survive the submit: dispatch may run hours
	// later, long after the source reference expired.
	staged := filepath.Join(dir, "file-1.bin")
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("staged file missing after submit: %v", err)
	}
	posts, _ := st.ListUnposted(ctx)
	if len(posts) != 1 || posts[0].MediaID != "file-1" {
		t.Fatalf("stored post = %+v, want media id kept", posts)
	}
}

func TestGateDegradesToTextOnlyOnStagingFailure(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	g, _, _ := newTestGate(t, st, &fakeFetcher{err: errors.New("file expired")}, "")
	ctx := context.Background()

	res, err := g.Submit(ctx, ContentItem{Text: "pic", MediaID: "file-gone"})
	if err != nil || res != Enqueued {
		t.Fatalf("Submit = (%v, %v), want (Enqueued, nil)", res, err)
	}
	posts, _ := st.ListUnposted(ctx)
	if len(posts) != 1 {
		t.Fatalf("queue has %d posts, want 1", len(posts))
	}
	if posts[0].MediaID != "" {
		t.Fatalf("MediaID = %q, want degraded to text-only", posts[0].MediaID)
	}
	if posts[0].Fingerprint != FingerprintOf("pic", "") {
		t.Fatal("fingerprint not recomputed for the degraded post")
	}
}
