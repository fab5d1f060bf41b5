package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the persistence API used by the pipeline and the admin server.
type Store interface {
	// InsertPost persists a new queued post and returns its id.
	// Returns ErrDuplicate when a post with the same fingerprint exists;
	// the unique index makes this safe under concurrent submissions.
	InsertPost(ctx context.Context, p QueuedPost) (int64, error)
	PostExists(ctx context.Context, fingerprint string) (bool, error)
	GetPost(ctx context.Context, id int64) (*QueuedPost, error)

	// NextUnposted returns the unposted post with the earliest slot,
	// or nil when the queue is drained.
	NextUnposted(ctx context.Context) (*QueuedPost, error)
	ListUnposted(ctx context.Context) ([]QueuedPost, error)

	// LastReservedAt returns the maximum slot ever reserved, posted or
	// not. ok is false when no post was ever created.
	LastReservedAt(ctx context.Context) (at time.Time, ok bool, err error)

	UpdatePostAt(ctx context.Context, id int64, at time.Time) error
	// MarkPosted sets the terminal posted time. A post already marked
	// keeps its original time.
	MarkPosted(ctx context.Context, id int64, at time.Time) error

	RecordAccountStatus(ctx context.Context, st AccountStatus) error
	// AccountDelivered reports whether any equal-fingerprint post was
	// ever successfully delivered to the given account.
	AccountDelivered(ctx context.Context, fingerprint string, accountIndex int) (bool, error)
	// ListReports returns up to limit published posts, newest first,
	// with their per-account delivery statuses.
	ListReports(ctx context.Context, limit int) ([]PostReport, error)

	Close() error
}

// ErrNotFound is returned for operations on a post id that does not exist.
var ErrNotFound = errors.New("post not found")

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the sqlite database and applies
// migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertPost(ctx context.Context, p QueuedPost) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO posts(fingerprint, text, media_id, created_at, post_at, posted_at)
		 VALUES(?,?,?,?,?,NULL)
		 ON CONFLICT(fingerprint) DO NOTHING
		 RETURNING id`,
		p.Fingerprint, p.Text, nullStr(p.MediaID), p.CreatedAt.UnixMilli(), p.PostAt.UnixMilli(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) PostExists(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM posts WHERE fingerprint = ? LIMIT 1`, fingerprint,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const postColumns = `id, fingerprint, text, media_id, created_at, post_at, posted_at`

func (s *sqliteStore) GetPost(ctx context.Context, id int64) (*QueuedPost, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqliteStore) NextUnposted(ctx context.Context) (*QueuedPost, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE posted_at IS NULL ORDER BY post_at ASC LIMIT 1`)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqliteStore) ListUnposted(ctx context.Context) ([]QueuedPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE posted_at IS NULL ORDER BY post_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *sqliteStore) LastReservedAt(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(post_at) FROM posts`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) UpdatePostAt(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET post_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkPosted(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET posted_at = COALESCE(posted_at, ?) WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) RecordAccountStatus(ctx context.Context, st AccountStatus) error {
	if st.At.IsZero() {
		st.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_statuses(post_id, account_index, success, message, at)
		 VALUES(?,?,?,?,?)`,
		st.PostID, st.AccountIndex, st.Success, nullStr(st.Message), st.At.UnixMilli())
	return err
}

func (s *sqliteStore) AccountDelivered(ctx context.Context, fingerprint string, accountIndex int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM account_statuses st
		 JOIN posts p ON p.id = st.post_id
		 WHERE p.fingerprint = ? AND st.account_index = ? AND st.success = 1
		 LIMIT 1`,
		fingerprint, accountIndex,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) ListReports(ctx context.Context, limit int) ([]PostReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE posted_at IS NOT NULL ORDER BY posted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	posts, err := collectPosts(rows)
	if err != nil {
		return nil, err
	}

	reports := make([]PostReport, 0, len(posts))
	for _, p := range posts {
		sts, err := s.statusesFor(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		reports = append(reports, PostReport{QueuedPost: p, Statuses: sts})
	}
	return reports, nil
}

func (s *sqliteStore) statusesFor(ctx context.Context, postID int64) ([]AccountStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT post_id, account_index, success, message, at
		 FROM account_statuses WHERE post_id = ?
		 ORDER BY account_index ASC, at ASC`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountStatus
	for rows.Next() {
		var (
			st  AccountStatus
			msg sql.NullString
			ms  int64
		)
		if err := rows.Scan(&st.PostID, &st.AccountIndex, &st.Success, &msg, &ms); err != nil {
			return nil, err
		}
		st.Message = msg.String
		st.At = time.UnixMilli(ms)
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*QueuedPost, error) {
	var (
		p        QueuedPost
		mediaID  sql.NullString
		created  int64
		postAt   int64
		postedAt sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Fingerprint, &p.Text, &mediaID, &created, &postAt, &postedAt); err != nil {
		return nil, err
	}
	p.MediaID = mediaID.String
	p.CreatedAt = time.UnixMilli(created)
	p.PostAt = time.UnixMilli(postAt)
	if postedAt.Valid {
		t := time.UnixMilli(postedAt.Int64)
		p.PostedAt = &t
	}
	return &p, nil
}

func collectPosts(rows *sql.Rows) ([]QueuedPost, error) {
	var out []QueuedPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
