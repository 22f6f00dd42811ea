// Package api serves the local REST surface on a Unix socket and the
// multiplexed WebSocket used for notification push.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/events"
	"github.com/InstruktAI/teleclaude/internal/mesh"
	"github.com/InstruktAI/teleclaude/internal/session"
)

// DefaultSocketPath is where the daemon exposes the REST API.
const DefaultSocketPath = "/tmp/teleclaude-api.sock"

// Dispatcher sends an operation to a peer. *mesh.Dispatcher satisfies it.
type Dispatcher interface {
	Send(ctx context.Context, target string, cmd mesh.Command) (adapters.Envelope, error)
}

// HookSink receives agent hook events posted by the CLI hook scripts.
// *output.Tracker satisfies it.
type HookSink interface {
	ApplyHook(sessionID, hook, payload string)
}

// Server is the REST and WebSocket surface.
type Server struct {
	socketPath   string
	machine      string
	projectsRoot string

	sessions   *session.Manager
	registry   *mesh.Registry
	store      *events.Store
	handlers   adapters.Handlers
	dispatcher Dispatcher
	hooks      HookSink

	hub    *Hub
	router *gin.Engine
	srv    *http.Server
}

// Opts holds parameters for creating a Server.
type Opts struct {
	SocketPath   string // defaults to DefaultSocketPath
	Machine      string
	ProjectsRoot string
	Sessions     *session.Manager
	Registry     *mesh.Registry
	Store        *events.Store
	Handlers     adapters.Handlers
	Dispatcher   Dispatcher
	Hooks        HookSink // optional
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Machine == "" {
		return nil, fmt.Errorf("api: machine name is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: session manager is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("api: notification store is required")
	}
	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	s := &Server{
		socketPath:   socketPath,
		machine:      opts.Machine,
		projectsRoot: opts.ProjectsRoot,
		sessions:     opts.Sessions,
		registry:     opts.Registry,
		store:        opts.Store,
		handlers:     opts.Handlers,
		dispatcher:   opts.Dispatcher,
		hooks:        opts.Hooks,
		hub:          NewHub(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Hub returns the WebSocket hub, which satisfies events.Broadcaster.
func (s *Server) Hub() *Hub { return s.hub }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the Unix socket and serves until ctx is cancelled. A stale
// socket file from a previous process is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("api: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.socketPath, err)
	}
	s.srv = &http.Server{Handler: s.router}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "api: serve: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Shutdown(context.Background())
		s.srv = nil
	}
	s.hub.Close()
	os.Remove(s.socketPath)
}
