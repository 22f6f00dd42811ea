package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/mesh"
	"github.com/InstruktAI/teleclaude/internal/models"
	"github.com/InstruktAI/teleclaude/internal/session"
)

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/sessions", s.handleListSessions)
	router.POST("/sessions", s.handleCreateSession)
	router.DELETE("/sessions/:id", s.handleEndSession)
	router.POST("/sessions/:id/message", s.handleSendMessage)
	router.GET("/sessions/:id/transcript", s.handleTranscript)
	router.POST("/sessions/:id/hook", s.handleHook)

	router.GET("/computers", s.handleComputers)
	// One catch-all serves both the project list and the per-project todo
	// endpoint; a static /projects sibling would conflict in the route tree.
	router.GET("/projects/*rest", s.handleProjectRoutes)
	router.GET("/agents/availability", s.handleAgentAvailability)

	s.registerNotificationRoutes(router)

	router.GET("/ws", s.hub.handleWS)
}

func respond(c *gin.Context, env adapters.Envelope) {
	code := http.StatusOK
	if !env.Success() {
		code = http.StatusBadRequest
	}
	c.JSON(code, env)
}

func (s *Server) handleListSessions(c *gin.Context) {
	computer := c.Query("computer")
	if computer != "" && computer != s.machine {
		respond(c, s.remote(c, computer, "list_sessions", map[string]string{"computer": computer}, ""))
		return
	}
	sessions, err := s.sessions.List(computer)
	if err != nil {
		respond(c, adapters.FailErr(err))
		return
	}
	respond(c, adapters.OK(map[string]any{"sessions": sessions}))
}

type createSessionBody struct {
	Computer     string `json:"computer"`
	ProjectDir   string `json:"project_dir"`
	Agent        string `json:"agent"`
	ThinkingMode string `json:"thinking_mode"`
	Title        string `json:"title"`
	Message      string `json:"message"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respond(c, adapters.Fail(fmt.Sprintf("bad request body: %v", err)))
		return
	}
	args := map[string]string{
		"project_dir":   body.ProjectDir,
		"agent":         body.Agent,
		"thinking_mode": body.ThinkingMode,
		"title":         body.Title,
	}
	if body.Computer != "" && body.Computer != s.machine {
		respond(c, s.remote(c, body.Computer, "new_session", args, ""))
		return
	}

	env := s.handlers.Command(c.Request.Context(), adapters.Event{
		Type:    adapters.EventCommand,
		Command: "new_session",
		Args:    args,
		Meta:    adapters.Metadata{Adapter: adapters.KindRest},
	})
	if env.Success() && body.Message != "" {
		if data, ok := env.Data.(map[string]any); ok {
			if id, ok := data["session_id"].(string); ok {
				s.handlers.Message(c.Request.Context(), adapters.Event{
					Type: adapters.EventMessage,
					Text: body.Message,
					Meta: adapters.Metadata{Adapter: adapters.KindRest, SessionID: id},
				})
			}
		}
	}
	respond(c, env)
}

func (s *Server) handleEndSession(c *gin.Context) {
	id := c.Param("id")
	computer := c.Query("computer")
	if computer != "" && computer != s.machine {
		respond(c, s.remote(c, computer, "end_session", map[string]string{"session_id": id}, id))
		return
	}
	respond(c, s.handlers.Command(c.Request.Context(), adapters.Event{
		Type:    adapters.EventCommand,
		Command: "end_session",
		Args:    map[string]string{"session_id": id},
		Meta:    adapters.Metadata{Adapter: adapters.KindRest, SessionID: id},
	}))
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Text == "" {
		respond(c, adapters.Fail("message text is required"))
		return
	}
	respond(c, s.handlers.Message(c.Request.Context(), adapters.Event{
		Type: adapters.EventMessage,
		Text: body.Text,
		Meta: adapters.Metadata{Adapter: adapters.KindRest, SessionID: c.Param("id")},
	}))
}

// handleHook ingests agent lifecycle hooks fired by the CLI inside the
// pane. They drive the activity state machine ahead of the poll cycle.
func (s *Server) handleHook(c *gin.Context) {
	var body struct {
		Hook    string `json:"hook"`
		Payload string `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Hook == "" {
		respond(c, adapters.Fail("hook name is required"))
		return
	}
	if s.hooks == nil {
		respond(c, adapters.Fail("hook ingestion is not enabled"))
		return
	}
	s.hooks.ApplyHook(c.Param("id"), body.Hook, body.Payload)
	respond(c, adapters.OK(nil))
}

func (s *Server) handleTranscript(c *gin.Context) {
	id := c.Param("id")
	transcript, err := s.sessions.Transcript(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, adapters.Fail(fmt.Sprintf("unknown session %q", id)))
			return
		}
		respond(c, adapters.FailErr(err))
		return
	}
	respond(c, adapters.OK(map[string]any{"transcript": transcript}))
}

func (s *Server) handleComputers(c *gin.Context) {
	respond(c, adapters.OK(map[string]any{"computers": s.registry.Snapshot()}))
}

// handleProjectRoutes dispatches /projects/ (list) and
// /projects/{path}/todos (todo file for the project directory at path).
func (s *Server) handleProjectRoutes(c *gin.Context) {
	rest := c.Param("rest")
	if rest == "" || rest == "/" {
		s.handleProjects(c)
		return
	}
	dir, ok := strings.CutSuffix(rest, "/todos")
	if !ok || dir == "" {
		c.JSON(http.StatusNotFound, adapters.Fail("not found"))
		return
	}
	s.handleProjectTodos(c, dir)
}

func (s *Server) handleProjects(c *gin.Context) {
	if s.projectsRoot == "" {
		respond(c, adapters.OK(map[string]any{"projects": []string{}}))
		return
	}
	entries, err := os.ReadDir(s.projectsRoot)
	if err != nil {
		respond(c, adapters.FailErr(fmt.Errorf("api: list projects: %w", err)))
		return
	}
	projects := []string{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			projects = append(projects, filepath.Join(s.projectsRoot, e.Name()))
		}
	}
	respond(c, adapters.OK(map[string]any{"projects": projects}))
}

// TodoItem is one checkbox line from a project's TODO.md.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

func (s *Server) handleProjectTodos(c *gin.Context, dir string) {
	data, err := os.ReadFile(filepath.Join(dir, "TODO.md"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respond(c, adapters.OK(map[string]any{"todos": []TodoItem{}}))
			return
		}
		respond(c, adapters.FailErr(fmt.Errorf("api: read todos: %w", err)))
		return
	}
	respond(c, adapters.OK(map[string]any{"todos": parseTodos(string(data))}))
}

func parseTodos(text string) []TodoItem {
	items := []TodoItem{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- [ ] "):
			items = append(items, TodoItem{Text: strings.TrimPrefix(line, "- [ ] ")})
		case strings.HasPrefix(line, "- [x] "), strings.HasPrefix(line, "- [X] "):
			items = append(items, TodoItem{Text: line[6:], Done: true})
		}
	}
	return items
}

func (s *Server) handleAgentAvailability(c *gin.Context) {
	agents := []string{models.AgentClaude, models.AgentGemini, models.AgentCodex}
	availability := make(map[string]bool, len(agents))
	for _, agent := range agents {
		_, err := exec.LookPath(agent)
		availability[agent] = err == nil
	}
	respond(c, adapters.OK(map[string]any{"agents": availability}))
}

// remote forwards a session operation to a peer daemon.
func (s *Server) remote(c *gin.Context, target, op string, args map[string]string, sessionID string) adapters.Envelope {
	if s.dispatcher == nil {
		return adapters.Fail(fmt.Sprintf("machine %q is not reachable: mesh transport disabled", target))
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return adapters.FailErr(err)
	}
	env, err := s.dispatcher.Send(c.Request.Context(), target, mesh.Command{
		Operation: op,
		SessionID: sessionID,
		Args:      raw,
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
