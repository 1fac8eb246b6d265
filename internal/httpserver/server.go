// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package httpserver serves the dashboard and the long-poll sample API.
package httpserver

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Thermoquad/ecgbridge/internal/config"
	"github.com/Thermoquad/ecgbridge/pkg/session"
)

//go:embed static
var staticFiles embed.FS

const (
	lastSampleParam = "last_sample"
	requestIDHeader = "X-Request-ID"
)

// Source is the device session the API reads from.
type Source interface {
	PullSince(ctx context.Context, since int64) (*session.Report, error)
	Snapshot() session.StatusSnapshot
	Running() bool
}

// PullRecorder counts pull results and rate limited requests.
type PullRecorder interface {
	Pull(result string)
	RateLimited()
}

// Options configures a Server.
type Options struct {
	HTTP           config.HTTPConfig
	MetricsPath    string
	MetricsHandler http.Handler
	Recorder       PullRecorder
	Logger         *zap.Logger
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	srv     *http.Server
	log     *zap.Logger
	rec     PullRecorder
	limiter *RateLimiter
	poll    time.Duration

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	source Source
}

// New builds the router. The API answers 503 until SetSource is called.
func New(opts Options) *Server {
	s := &Server{
		log:     opts.Logger,
		rec:     opts.Recorder,
		limiter: NewRateLimiter(opts.HTTP.RateLimit, opts.HTTP.RateBurst),
		poll:    opts.HTTP.PollTimeout,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.poll <= 0 {
		s.poll = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.rateLimit())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if src := s.Source(); src != nil && src.Running() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.MetricsHandler))
	}

	r.GET("/data.json", s.handleData(func(c *gin.Context, report *session.Report) {
		c.JSON(http.StatusOK, report)
	}))
	r.GET("/data.cbor", s.handleData(func(c *gin.Context, report *session.Report) {
		body, err := cbor.Marshal(report)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "application/cbor", body)
	}))
	r.GET("/status.json", s.handleStatus)
	r.GET("/ws", s.handleStream)

	static, _ := fs.Sub(staticFiles, "static")
	r.StaticFS("/static", http.FS(static))
	r.GET("/", func(c *gin.Context) {
		c.FileFromFS("/", http.FS(static))
	})

	s.srv = &http.Server{
		Addr:         opts.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  opts.HTTP.ReadTimeout,
		WriteTimeout: opts.HTTP.WriteTimeout,
	}
	return s
}

// SetSource attaches the running session. nil detaches it.
func (s *Server) SetSource(src Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// Source returns the attached session, if any.
func (s *Server) Source() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Limiter returns the request rate limiter.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Start serves until Shutdown; it returns http.ErrServerClosed after a clean
// shutdown.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleData long-polls for samples newer than last_sample and renders the
// report with write.
func (s *Server) handleData(write func(*gin.Context, *session.Report)) gin.HandlerFunc {
	return func(c *gin.Context) {
		src := s.Source()
		if src == nil {
			s.rec.Pull("unavailable")
			c.String(http.StatusServiceUnavailable, "no device session")
			return
		}

		since, err := lastSample(c)
		if err != nil {
			s.rec.Pull("error")
			c.String(http.StatusBadRequest, "invalid last_sample")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), s.poll)
		defer cancel()

		report, err := src.PullSince(ctx, since)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.rec.Pull("timeout")
				c.Status(http.StatusNoContent)
				return
			}
			s.rec.Pull("error")
			c.Status(http.StatusServiceUnavailable)
			return
		}

		s.rec.Pull("ok")
		c.SetCookie(lastSampleParam, strconv.FormatInt(report.Newest(), 10), 0, "/", "", false, false)
		write(c, report)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	src := s.Source()
	if src == nil {
		c.String(http.StatusServiceUnavailable, "no device session")
		return
	}
	c.JSON(http.StatusOK, src.Snapshot())
}

// handleStream pushes a report to a websocket client every time new samples
// arrive.
func (s *Server) handleStream(c *gin.Context) {
	src := s.Source()
	if src == nil {
		c.String(http.StatusServiceUnavailable, "no device session")
		return
	}
	since, err := lastSample(c)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid last_sample")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client sends nothing; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := s.log.With(zap.String("request_id", c.GetString(requestIDHeader)))
	for ctx.Err() == nil {
		pollCtx, pollCancel := context.WithTimeout(ctx, s.poll)
		report, err := src.PullSince(pollCtx, since)
		pollCancel()
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			return
		}
		s.rec.Pull("ok")
		if err := conn.WriteJSON(report); err != nil {
			log.Debug("stream closed", zap.Error(err))
			return
		}
		since = report.Newest()
	}
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			s.rec.RateLimited()
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}

// lastSample reads the last_sample query parameter, falling back to the
// cookie set by the previous response, then to 0.
func lastSample(c *gin.Context) (int64, error) {
	raw := c.Query(lastSampleParam)
	if raw == "" {
		if cookie, err := c.Cookie(lastSampleParam); err == nil {
			raw = cookie
		}
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

type nopRecorder struct{}

func (nopRecorder) Pull(string)  {}
func (nopRecorder) RateLimited() {}
