// Package media stages transient local copies of inbound binary media.
//
// Files are keyed by their media reference, so staging is idempotent and
// a post can be re-staged after a restart. Release is safe to call any
// number of times.
package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/pkg/logx"
)

// Fetcher opens the remote binary for a media reference. The transport
// adapter implements this.
type Fetcher interface {
	FileStream(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Handle points at one staged local copy.
type Handle struct {
	MediaID string
	Path    string
}

type Stager struct {
	dir   string
	fetch Fetcher
	log   logx.Logger
}

func NewStager(dir string, fetch Fetcher, log logx.Logger) *Stager {
	if strings.TrimSpace(dir) == "" {
		dir = "./media"
	}
	return &Stager{dir: dir, fetch: fetch, log: log}
}

// Stage downloads the referenced media into the scratch area, unless a
// staged copy already exists. The write goes through a temp file and a
// rename, so repeated staging of the same reference is overwrite-safe
// and a crashed download never leaves a half-written staged file.
func (s *Stager) Stage(ctx context.Context, mediaID string) (*Handle, error) {
	if strings.TrimSpace(mediaID) == "" {
		return nil, errors.New("empty media reference")
	}
	path := s.pathFor(mediaID)

	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return &Handle{MediaID: mediaID, Path: path}, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}

	rc, err := s.fetch.FileStream(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(s.dir, ".staging-*")
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(tmp, rc)
	cerr := tmp.Close()
	if err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errors.New("media stream was empty")
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}

	s.log.Debug("media staged",
		logx.String("media_id", mediaID),
		logx.Int64("bytes", n))
	return &Handle{MediaID: mediaID, Path: path}, nil
}

// Release removes the staged copy. Calling it twice, or for a file that
// is already gone, is a no-op.
func (s *Stager) Release(h *Handle) {
	if h == nil || h.Path == "" {
		return
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("media release failed", logx.String("path", h.Path), logx.Err(err))
	}
}

// Sweep removes staged files older than olderThan, except those whose
// media reference appears in keepIDs (still queued). Returns the number
// of files removed.
func (s *Stager) Sweep(olderThan time.Duration, keepIDs []string) (int, error) {
	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[s.pathFor(id)] = true
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if keep[path] {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *Stager) pathFor(mediaID string) string {
	return filepath.Join(s.dir, sanitize(mediaID)+".bin")
}

// sanitize keeps the staged filename within one directory regardless of
// what the inbound platform puts in a file id.
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
