package twitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"relaybot/pkg/logx"
)

func newTestClient(t *testing.T, api, upload string) *Client {
	t.Helper()
	c := New(Config{
		Name:         "test",
		APIKey:       "k",
		APISecret:    "s",
		AccessToken:  "t",
		AccessSecret: "x",
		RatePerMin:   600,
	}, logx.Nop())
	if api != "" {
		c.apiBase = api
	}
	if upload != "" {
		c.uploadBase = upload
	}
	return c
}

func TestPublishText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth == "" {
			t.Error("request not signed")
		}
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text != "hello" {
			t.Errorf("body = (%+v, %v)", body, err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"1234567890"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	id, err := c.PublishText(context.Background(), "hello")
	if err != nil {
		t.Fatalf("PublishText: %v", err)
	}
	if id != "1234567890" {
		t.Fatalf("remote id = %q", id)
	}
}

func TestPublishTextAPIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"detail":"duplicate content"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	if _, err := c.PublishText(context.Background(), "hello"); err == nil {
		t.Fatal("expected error from 403 response")
	}
}

func TestSniffMedia(t *testing.T) {
	t.Parallel()
	// Minimal valid magic bytes per format.
	gif := append([]byte("GIF89a"), make([]byte, 20)...)
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 20)...)

	tests := []struct {
		name     string
		payload  []byte
		category string
		wantErr  bool
	}{
		{name: "gif", payload: gif, category: "tweet_gif"},
		{name: "png", payload: png, category: "tweet_image"},
		{name: "plain text", payload: []byte("just words"), wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "media.bin")
			if err := os.WriteFile(path, tt.payload, 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			f, err := os.Open(path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer f.Close()

			_, category, err := sniffMedia(f)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected unsupported-type error")
				}
				return
			}
			if err != nil {
				t.Fatalf("sniffMedia: %v", err)
			}
			if category != tt.category {
				t.Fatalf("category = %q, want %q", category, tt.category)
			}
			// The sniff must rewind for the upload that follows.
			if off, _ := f.Seek(0, 1); off != 0 {
				t.Fatalf("file offset after sniff = %d, want 0", off)
			}
		})
	}
}

func TestPublishMediaUploadFlow(t *testing.T) {
	t.Parallel()
	var commands []string
	mux := http.NewServeMux()
	mux.HandleFunc("/1.1/media/upload.json", func(w http.ResponseWriter, r *http.Request) {
		// FormValue covers the urlencoded INIT/FINALIZE, the multipart
		// APPEND and the STATUS query alike.
		commands = append(commands, r.FormValue("command"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"media_id_string":"media-1"}`))
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text  string `json:"text"`
			Media struct {
				IDs []string `json:"media_ids"`
			} `json:"media"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode tweet body: %v", err)
		}
		if len(body.Media.IDs) != 1 || body.Media.IDs[0] != "media-1" {
			t.Errorf("media ids = %v", body.Media.IDs)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"777"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pic.png")
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 100)...)
	if err := os.WriteFile(path, png, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := newTestClient(t, srv.URL, srv.URL)
	id, err := c.PublishMedia(context.Background(), "look", path)
	if err != nil {
		t.Fatalf("PublishMedia: %v", err)
	}
	if id != "777" {
		t.Fatalf("remote id = %q", id)
	}

	want := []string{"INIT", "APPEND", "FINALIZE"}
	if len(commands) != len(want) {
		t.Fatalf("upload commands = %v, want %v", commands, want)
	}
	for i := range want {
		if commands[i] != want[i] {
			t.Fatalf("upload commands = %v, want %v", commands, want)
		}
	}
}
