// Package status serves the operational HTTP endpoints: liveness, scheduler
// and dispatcher state, and Prometheus metrics.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"token-alerts/internal/alerting"
	"token-alerts/internal/scheduler"
	"token-alerts/internal/version"
)

// DispatcherStats supplies delivery counters.
type DispatcherStats interface {
	Stats() alerting.DispatcherStats
}

// Server is the gin status server.
type Server struct {
	listen     string
	schedulers []*scheduler.Scheduler
	dispatcher DispatcherStats
	started    time.Time
	logger     zerolog.Logger
	listener   net.Listener
}

// Response is the body of GET /status.
type Response struct {
	Version    string                    `json:"version"`
	Uptime     string                    `json:"uptime"`
	Tasks      []scheduler.Snapshot      `json:"tasks"`
	Dispatcher *alerting.DispatcherStats `json:"dispatcher,omitempty"`
}

// New constructs the status server.
func New(listen string, schedulers []*scheduler.Scheduler, dispatcher DispatcherStats, logger zerolog.Logger) *Server {
	return &Server{
		listen:     listen,
		schedulers: schedulers,
		dispatcher: dispatcher,
		started:    time.Now(),
		logger:     logger.With().Str("component", "status").Logger(),
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := Response{
		Version: version.Info(),
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Tasks:   make([]scheduler.Snapshot, 0, len(s.schedulers)),
	}
	for _, sch := range s.schedulers {
		resp.Tasks = append(resp.Tasks, sch.Snapshot())
	}
	if s.dispatcher != nil {
		stats := s.dispatcher.Stats()
		resp.Dispatcher = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// Listen binds the listen address. Calling it before Run surfaces a busy or
// invalid address before any other component starts.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("status server listen %s: %w", s.listen, err)
	}
	s.listener = ln
	return nil
}

// Addr reports the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves until ctx is cancelled, then shuts down gracefully. It binds the
// address itself when Listen was not called.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.listener.Addr().String()).Msg("status server listening")
		if err := srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}
