package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/mesh"
	"github.com/InstruktAI/teleclaude/internal/models"
	"github.com/InstruktAI/teleclaude/internal/session"
)

// Dispatcher sends an operation to a peer. *mesh.Dispatcher satisfies it.
type Dispatcher interface {
	Send(ctx context.Context, target string, cmd mesh.Command) (adapters.Envelope, error)
}

// Server accepts tool calls on a local Unix socket. One acceptor, one
// goroutine per connection; every reply is an envelope.
type Server struct {
	socketPath   string
	machine      string
	projectsRoot string

	sessions   *session.Manager
	handlers   adapters.Handlers
	registry   *mesh.Registry
	dispatcher Dispatcher // optional; without it remote targets fail per-peer

	mu       sync.Mutex
	listener net.Listener
}

// Opts holds parameters for creating a Server.
type Opts struct {
	SocketPath   string
	Machine      string
	ProjectsRoot string // directory scanned by list_projects
	Sessions     *session.Manager
	Handlers     adapters.Handlers
	Registry     *mesh.Registry
	Dispatcher   Dispatcher
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.SocketPath == "" {
		return nil, fmt.Errorf("toolserver: socket path is required")
	}
	if opts.Machine == "" {
		return nil, fmt.Errorf("toolserver: machine name is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("toolserver: session manager is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("toolserver: registry is required")
	}
	return &Server{
		socketPath:   opts.SocketPath,
		machine:      opts.Machine,
		projectsRoot: opts.ProjectsRoot,
		sessions:     opts.Sessions,
		handlers:     opts.Handlers,
		registry:     opts.Registry,
		dispatcher:   opts.Dispatcher,
	}, nil
}

// Start binds the socket and begins accepting. A stale socket file from a
// previous process is removed; in-flight calls on the old socket fail
// fast with a recoverable connection error.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("toolserver: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("toolserver: listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go s.acceptLoop(ctx, ln)
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		os.Remove(s.socketPath)
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("toolserver: accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("toolserver: %v", err)
			}
			return
		}
		env := s.Handle(ctx, req)
		if err := WriteFrame(conn, env); err != nil {
			log.Printf("toolserver: %v", err)
			return
		}
	}
}

// Handle gates and dispatches one tool call.
func (s *Server) Handle(ctx context.Context, req Request) adapters.Envelope {
	role := s.callerRole(req.CallerSessionID)
	if !Allowed(role, req.Tool) {
		return adapters.Fail(fmt.Sprintf("unknown tool %q", req.Tool))
	}

	switch req.Tool {
	case ToolListComputers:
		return adapters.OK(map[string]any{"computers": s.registry.Snapshot()})
	case ToolListProjects:
		return s.listProjects(ctx, req)
	case ToolListSessions:
		return s.listSessions(ctx, req)
	case ToolStartSession:
		return s.startSession(ctx, req)
	case ToolSendMessage:
		return s.sendMessage(ctx, req)
	case ToolSendFile:
		return s.sendFile(ctx, req)
	case ToolGetSessionData:
		return s.getSessionData(req)
	case ToolEndSession:
		return s.command(ctx, req, "end_session")
	case ToolStick:
		return s.command(ctx, req, "stick")
	case ToolUnstick:
		return s.command(ctx, req, "unstick")
	case ToolStopNotifications:
		return s.stopNotifications(req)
	case ToolDeploy:
		return s.deploy(ctx, req)
	case ToolEscalate:
		return s.command(ctx, req, "escalate")
	default:
		return adapters.Fail(fmt.Sprintf("unknown tool %q", req.Tool))
	}
}

// callerRole resolves the calling session's human role. Calls without a
// session are local operator tooling and get admin.
func (s *Server) callerRole(sessionID string) string {
	if sessionID == "" {
		return models.RoleAdmin
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return models.RoleUnauthorized
	}
	return sess.HumanRole
}

func (s *Server) listProjects(ctx context.Context, req Request) adapters.Envelope {
	computer := req.Args["computer"]
	if computer != "" && computer != s.machine {
		return s.remote(ctx, computer, req)
	}
	if s.projectsRoot == "" {
		return adapters.OK(map[string]any{"projects": []string{}})
	}
	entries, err := os.ReadDir(s.projectsRoot)
	if err != nil {
		return adapters.FailErr(fmt.Errorf("toolserver: list projects: %w", err))
	}
	var projects []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			projects = append(projects, filepath.Join(s.projectsRoot, e.Name()))
		}
	}
	return adapters.OK(map[string]any{"projects": projects})
}

func (s *Server) listSessions(ctx context.Context, req Request) adapters.Envelope {
	computer := req.Args["computer"]
	if computer != "" && computer != s.machine {
		return s.remote(ctx, computer, req)
	}
	sessions, err := s.sessions.List(computer)
	if err != nil {
		return adapters.FailErr(err)
	}
	return adapters.OK(map[string]any{"sessions": sessions})
}

func (s *Server) startSession(ctx context.Context, req Request) adapters.Envelope {
	computer := req.Args["computer"]
	if computer != "" && computer != s.machine {
		return s.remote(ctx, computer, req)
	}
	return s.handlers.Command(ctx, adapters.Event{
		Type:    adapters.EventCommand,
		Command: "new_session",
		Args:    req.Args,
		Meta: adapters.Metadata{
			Adapter:   adapters.KindRedis,
			SessionID: req.CallerSessionID,
		},
	})
}

func (s *Server) sendMessage(ctx context.Context, req Request) adapters.Envelope {
	return s.handlers.Message(ctx, adapters.Event{
		Type: adapters.EventMessage,
		Text: req.Args["text"],
		Meta: adapters.Metadata{
			Adapter:   adapters.KindRedis,
			SessionID: req.Args["session_id"],
		},
	})
}

func (s *Server) sendFile(ctx context.Context, req Request) adapters.Envelope {
	return s.handlers.File(ctx, adapters.Event{
		Type:     adapters.EventFile,
		Blob:     req.Blob,
		Filename: req.Args["filename"],
		Meta: adapters.Metadata{
			Adapter:   adapters.KindRedis,
			SessionID: req.Args["session_id"],
		},
	})
}

func (s *Server) getSessionData(req Request) adapters.Envelope {
	id := req.Args["session_id"]
	sess, err := s.sessions.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return adapters.Fail(fmt.Sprintf("unknown session %q", id))
		}
		return adapters.FailErr(err)
	}
	transcript, err := s.sessions.Transcript(id)
	if err != nil {
		return adapters.FailErr(err)
	}
	return adapters.OK(map[string]any{
		"session":    sess,
		"transcript": transcript,
	})
}

func (s *Server) stopNotifications(req Request) adapters.Envelope {
	id := req.Args["session_id"]
	if id == "" {
		return adapters.Fail("stop_notifications requires a session id")
	}
	if err := s.sessions.Unbind(id, adapters.KindRedis); err != nil {
		return adapters.FailErr(err)
	}
	return adapters.OK(nil)
}

// deploy fans the operation out to the named peers (or every online peer)
// and reports per-target outcomes.
func (s *Server) deploy(ctx context.Context, req Request) adapters.Envelope {
	var targets []string
	if raw := req.Args["computers"]; raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
	} else {
		for _, p := range s.registry.Snapshot() {
			if p.Online && p.MachineName != s.machine {
				targets = append(targets, p.MachineName)
			}
		}
	}
	results := make(map[string]any, len(targets))
	for _, target := range targets {
		env := s.remote(ctx, target, req)
		results[target] = env
	}
	return adapters.OK(map[string]any{"results": results})
}

// remote forwards the call to a peer, classifying failures per target.
func (s *Server) remote(ctx context.Context, target string, req Request) adapters.Envelope {
	if s.dispatcher == nil {
		return adapters.Fail(fmt.Sprintf("machine %q is not reachable: mesh transport disabled", target))
	}
	args, err := json.Marshal(req.Args)
	if err != nil {
		return adapters.FailErr(err)
	}
	env, err := s.dispatcher.Send(ctx, target, mesh.Command{
		Operation:        req.Tool,
		SessionID:        req.Args["session_id"],
		Args:             args,
		InitiatorSession: req.CallerSessionID,
	})
	if err != nil {
		if errors.Is(err, mesh.ErrPeerOffline) {
			return adapters.Fail(fmt.Sprintf("machine %q is offline", target))
		}
		if errors.Is(err, mesh.ErrTimeout) {
			return adapters.Fail(fmt.Sprintf("machine %q did not respond in time", target))
		}
		return adapters.FailErr(err)
	}
	return env
}

func (s *Server) command(ctx context.Context, req Request, op string) adapters.Envelope {
	return s.handlers.Command(ctx, adapters.Event{
		Type:    adapters.EventCommand,
		Command: op,
		Args:    req.Args,
		Meta: adapters.Metadata{
			Adapter:   adapters.KindRedis,
			SessionID: callerOr(req),
			UserName:  req.Args["customer_name"],
		},
	})
}

func callerOr(req Request) string {
	if req.CallerSessionID != "" {
		return req.CallerSessionID
	}
	return req.Args["session_id"]
}
