// Package server exposes a running session over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procevents/internal/controller"
	"github.com/loykin/procevents/internal/metrics"
	"github.com/loykin/procevents/internal/report"
)

// StatusSource provides the controller snapshot served on /status.
type StatusSource interface {
	Status() controller.Status
}

// Router provides embeddable HTTP handlers for observing a session.
// Endpoints:
//
//	GET {basePath}/status    controller snapshot as JSON
//	GET {basePath}/metrics   Prometheus exposition
//	GET {basePath}/events    websocket stream of transcript lines
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	status   StatusSource
	rep      *report.Reporter
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(status StatusSource, rep *report.Reporter, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{status: status, rep: rep, basePath: sanitizeBase(basePath), log: log.With("component", "server")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/events", r.handleEvents)
	return g
}

// Server is a started status server.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer listens on addr and serves the router in the background.
func NewServer(addr, basePath string, status StatusSource, rep *report.Reporter, log *slog.Logger) (*Server, error) {
	r := NewRouter(status, rep, basePath, log)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("status server stopped", "error", err)
		}
	}()
	r.log.Info("status server listening", "addr", ln.Addr().String())
	return &Server{srv: srv, ln: ln}, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting requests and waits for handlers within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.Join(err, s.srv.Close())
	}
	return nil
}

func (s *Server) Close() error { return s.srv.Close() }

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.status == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no session"})
		return
	}
	writeJSON(c, http.StatusOK, r.status.Status())
}
