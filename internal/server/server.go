// Package server exposes a small HTTP admin API over the publish queue:
// queue inspection, delivery reports, reschedule-now and a staged-media
// proxy. It is disabled unless an address is configured.
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"relaybot/internal/pipeline"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Config struct {
	Addr string
}

type Server struct {
	store storage.Store
	sched *pipeline.Scheduler
	files transport.Adapter
	log   logx.Logger
	http  *http.Server
}

func New(cfg Config, store storage.Store, sched *pipeline.Scheduler, files transport.Adapter, log logx.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{store: store, sched: sched, files: files, log: log}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/posts", s.listPosts)
	api.POST("/posts/:id/now", s.postNow)
	api.GET("/reports", s.listReports)
	api.GET("/media/:id", s.mediaProxy)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		s.log.Info("admin api listening", logx.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin api failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// listPosts returns the pending queue ordered by slot time.
func (s *Server) listPosts(c *gin.Context) {
	posts, err := s.store.ListUnposted(c.Request.Context())
	if err != nil {
		s.log.Error("list posts failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

// postNow pulls a queued post forward to roughly now, then rearms the
// timer so the change takes effect immediately.
func (s *Server) postNow(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	ctx := c.Request.Context()
	post, err := s.store.GetPost(ctx, id)
	if err == storage.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
		return
	}
	if err != nil {
		s.log.Error("get post failed", logx.Int64("id", id), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if post.PostedAt != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "post already published"})
		return
	}
	at := time.Now().Add(time.Minute)
	if err := s.store.UpdatePostAt(ctx, id, at); err != nil {
		s.log.Error("reschedule failed", logx.Int64("id", id), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if err := s.sched.Rearm(ctx); err != nil {
		s.log.Warn("rearm after reschedule failed", logx.Err(err))
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "post_at": at})
}

// listReports returns posts with their per-account delivery statuses.
func (s *Server) listReports(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	reports, err := s.store.ListReports(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("list reports failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// mediaProxy streams the remote file behind a media id. Handy for
// inspecting what a queued post will carry without touching Telegram.
func (s *Server) mediaProxy(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid media id"})
		return
	}
	rc, err := s.files.FileStream(c.Request.Context(), id)
	if err != nil {
		s.log.Warn("media proxy fetch failed", logx.String("media_id", id), logx.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "fetch failed"})
		return
	}
	defer rc.Close()
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		s.log.Warn("media proxy stream interrupted", logx.String("media_id", id), logx.Err(err))
	}
}
