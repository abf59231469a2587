// Package httpapi serves the local control API: run state, start/stop,
// metric selection, the schedule, a websocket stream of views and metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"netgauge/internal/controller"
	"netgauge/internal/engine"
	"netgauge/internal/eventbus"
	"netgauge/internal/measure"
	"netgauge/internal/probe"
	"netgauge/internal/scheduler"
	logx "netgauge/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8765"

// Runs is the slice of the controller the API drives.
type Runs interface {
	View() controller.View
	Start(ctx context.Context) (controller.View, error)
	Stop(ctx context.Context) (controller.View, error)
	SelectMetric(ctx context.Context, m measure.Metric) (controller.View, error)
}

type Options struct {
	Addr string
	Runs Runs
	Bus  eventbus.Bus
	// Schedule reports the recurring-run scheduler; nil when not running.
	Schedule    func() scheduler.Info
	Metrics     http.Handler
	MetricsPath string
	Log         logx.Logger
}

type Server struct {
	opts   Options
	log    logx.Logger
	router *gin.Engine
}

func New(opts Options) *Server {
	if strings.TrimSpace(opts.Addr) == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if strings.TrimSpace(opts.MetricsPath) == "" {
		opts.MetricsPath = "/metrics"
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{opts: opts, log: log.With(logx.String("comp", "httpapi"))}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	api := r.Group("/api")
	api.GET("/state", s.state)
	api.POST("/start", s.start)
	api.POST("/stop", s.stop)
	api.PUT("/metric/:metric", s.selectMetric)
	api.GET("/schedule", s.schedule)
	api.GET("/live", s.live)

	if s.opts.Metrics != nil {
		r.GET(s.opts.MetricsPath, gin.WrapH(s.opts.Metrics))
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("control api listening", logx.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Runs.View())
}

func (s *Server) start(c *gin.Context) {
	v, err := s.opts.Runs.Start(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v)
}

func (s *Server) stop(c *gin.Context) {
	v, err := s.opts.Runs.Stop(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) selectMetric(c *gin.Context) {
	m, err := measure.ParseMetric(c.Param("metric"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := s.opts.Runs.SelectMetric(c.Request.Context(), m)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) schedule(c *gin.Context) {
	resp := gin.H{"probes": probe.Schedule()}
	if s.opts.Schedule != nil {
		resp["scheduler"] = s.opts.Schedule()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrUnknownMetric):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrUnavailable), errors.Is(err, controller.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	if status >= 500 {
		s.log.Warn("request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
