// Package api serves the operator HTTP surface: liveness, prometheus
// metrics, job status and the dead-letter and overrun journals.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-tick/caretaker/internal/job"
	"github.com/go-tick/caretaker/internal/logger"
	"github.com/go-tick/caretaker/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Job is the status view of one registered job.
type Job struct {
	Name     string       `json:"name"`
	Kind     job.Kind     `json:"kind"`
	Schedule string       `json:"schedule"`
	Healthy  bool         `json:"healthy"`
	Running  bool         `json:"running"`
	State    job.RunState `json:"state"`
}

// Backend is what the API reads from.
type Backend interface {
	Jobs() []Job
	Channels() map[string]string
	Ping(ctx context.Context) error
	ListDeadLetters(ctx context.Context, limit, offset int) ([]store.DeadLetter, error)
	DeleteDeadLetters(ctx context.Context, eventID string) (int, error)
	ListOverruns(ctx context.Context, jobName string, limit, offset int) ([]store.Overrun, error)
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
}

func (c *Config) SetDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

type Server struct {
	cfg     Config
	router  *gin.Engine
	server  *http.Server
	backend Backend
	log     logger.Logger
}

func NewServer(cfg Config, backend Backend, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, backend: backend, log: log}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.health)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:name", s.getJob)
	v1.GET("/deadletters", s.listDeadLetters)
	v1.DELETE("/deadletters/:id", s.deleteDeadLetters)
	v1.GET("/overruns", s.listOverruns)

	s.router = router
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx ends, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("operator api listening", logger.String("addr", s.cfg.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("operator api: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("operator api shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("api request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	channels := s.backend.Channels()
	if err := s.backend.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error(), "channels": channels})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "channels": channels})
}

func (s *Server) listJobs(c *gin.Context) {
	jobs := s.backend.Jobs()
	if c.Query("failing") == "true" {
		failing := make([]Job, 0, len(jobs))
		for _, j := range jobs {
			if !j.Healthy {
				failing = append(failing, j)
			}
		}
		jobs = failing
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(c *gin.Context) {
	name := c.Param("name")
	for _, j := range s.backend.Jobs() {
		if j.Name == name {
			c.JSON(http.StatusOK, j)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": job.ErrJobNotFound.Error()})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit, offset, ok := paging(c)
	if !ok {
		return
	}

	items, err := s.backend.ListDeadLetters(c.Request.Context(), limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": items, "count": len(items), "limit": limit, "offset": offset})
}

func (s *Server) deleteDeadLetters(c *gin.Context) {
	n, err := s.backend.DeleteDeadLetters(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no dead letters for event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) listOverruns(c *gin.Context) {
	limit, offset, ok := paging(c)
	if !ok {
		return
	}

	items, err := s.backend.ListOverruns(c.Request.Context(), c.Query("job"), limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overruns": items, "count": len(items), "limit": limit, "offset": offset})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Error("api request failed", logger.String("path", c.FullPath()), logger.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func paging(c *gin.Context) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
