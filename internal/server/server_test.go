package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"relaybot/internal/pipeline"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type fakeAdapter struct {
	fileData string
	fileErr  error
}

func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }
func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}
func (f *fakeAdapter) FileStream(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return io.NopCloser(strings.NewReader(f.fileData)), nil
}

func newTestServer(t *testing.T, ad transport.Adapter) (*Server, storage.Store, *pipeline.Scheduler) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "queue.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sched := pipeline.NewScheduler(st, logx.Nop())
	t.Cleanup(sched.Stop)

	srv := New(Config{Addr: "127.0.0.1:0"}, st, sched, ad, logx.Nop())
	return srv, st, sched
}

func do(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	return rec
}

func insertPost(t *testing.T, st storage.Store, fp string, postAt time.Time) int64 {
	t.Helper()
	id, err := st.InsertPost(context.Background(), storage.QueuedPost{
		Fingerprint: fp,
		Text:        "text " + fp,
		CreatedAt:   time.Now(),
		PostAt:      postAt,
	})
	if err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	return id
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, &fakeAdapter{})
	rec := do(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListPosts(t *testing.T) {
	t.Parallel()
	srv, st, _ := newTestServer(t, &fakeAdapter{})
	insertPost(t, st, "fp-1", time.Now().Add(time.Hour))
	insertPost(t, st, "fp-2", time.Now().Add(2*time.Hour))

	rec := do(t, srv, http.MethodGet, "/api/posts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Posts []storage.QueuedPost `json:"posts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(resp.Posts))
	}
}

func TestPostNow(t *testing.T) {
	t.Parallel()
	srv, st, _ := newTestServer(t, &fakeAdapter{})
	id := insertPost(t, st, "fp-later", time.Now().Add(6*time.Hour))

	rec := do(t, srv, http.MethodPost, "/api/posts/"+itoa(id)+"/now")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	p, err := st.GetPost(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if until := time.Until(p.PostAt); until > 2*time.Minute || until < 0 {
		t.Fatalf("post_at %v not pulled to roughly now", p.PostAt)
	}
}

func TestPostNowMissing(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, &fakeAdapter{})
	if rec := do(t, srv, http.MethodPost, "/api/posts/424242/now"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/posts/abc/now"); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPostNowConflictWhenPublished(t *testing.T) {
	t.Parallel()
	srv, st, _ := newTestServer(t, &fakeAdapter{})
	id := insertPost(t, st, "fp-done", time.Now().Add(-time.Hour))
	if err := st.MarkPosted(context.Background(), id, time.Now()); err != nil {
		t.Fatalf("MarkPosted: %v", err)
	}
	if rec := do(t, srv, http.MethodPost, "/api/posts/"+itoa(id)+"/now"); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestListReportsEndpoint(t *testing.T) {
	t.Parallel()
	srv, st, _ := newTestServer(t, &fakeAdapter{})
	id := insertPost(t, st, "fp-rep", time.Now().Add(-time.Hour))
	if err := st.MarkPosted(context.Background(), id, time.Now()); err != nil {
		t.Fatalf("MarkPosted: %v", err)
	}

	rec := do(t, srv, http.MethodGet, "/api/reports?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if rec := do(t, srv, http.MethodGet, "/api/reports?limit=0"); rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestMediaProxy(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, &fakeAdapter{fileData: "binary"})
	rec := do(t, srv, http.MethodGet, "/api/media/file-1")
	if rec.Code != http.StatusOK || rec.Body.String() != "binary" {
		t.Fatalf("got (%d, %q)", rec.Code, rec.Body.String())
	}

	broken, _, _ := newTestServer(t, &fakeAdapter{fileErr: errors.New("expired")})
	if rec := do(t, broken, http.MethodGet, "/api/media/file-1"); rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
