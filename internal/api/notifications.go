package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/events"
)

func (s *Server) registerNotificationRoutes(router *gin.Engine) {
	n := router.Group("/api/notifications")
	n.GET("", s.handleListNotifications)
	n.GET("/:id", s.handleGetNotification)
	n.PATCH("/:id/seen", s.handleSeenNotification)
	n.POST("/:id/claim", s.handleClaimNotification)
	n.PATCH("/:id/status", s.handleNotificationStatus)
	n.POST("/:id/resolve", s.handleResolveNotification)
}

func (s *Server) handleListNotifications(c *gin.Context) {
	var f events.ListFilter
	if raw := c.Query("level"); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil {
			respond(c, adapters.Fail(fmt.Sprintf("bad level %q", raw)))
			return
		}
		f.Level = &level
	}
	f.Domain = c.Query("domain")
	f.HumanStatus = c.Query("human_status")
	f.AgentStatus = c.Query("agent_status")
	f.Visibility = c.Query("visibility")
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respond(c, adapters.Fail(fmt.Sprintf("bad since %q", raw)))
			return
		}
		f.Since = &since
	}
	f.Limit, _ = strconv.Atoi(c.Query("limit"))
	f.Offset, _ = strconv.Atoi(c.Query("offset"))

	rows, err := s.store.List(f)
	if err != nil {
		respond(c, adapters.FailErr(err))
		return
	}
	respond(c, adapters.OK(map[string]any{"notifications": rows}))
}

func notificationID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		respond(c, adapters.Fail(fmt.Sprintf("bad notification id %q", c.Param("id"))))
		return 0, false
	}
	return uint(id), true
}

func respondNotification(c *gin.Context, n *events.Notification, err error) {
	if err != nil {
		if errors.Is(err, events.ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, adapters.Fail(err.Error()))
			return
		}
		respond(c, adapters.FailErr(err))
		return
	}
	respond(c, adapters.OK(n))
}

func (s *Server) handleGetNotification(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	n, err := s.store.Get(id)
	respondNotification(c, n, err)
}

func (s *Server) handleSeenNotification(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	unseen := c.Query("unseen") == "true"
	n, err := s.store.MarkSeen(id, unseen)
	respondNotification(c, n, err)
}

func (s *Server) handleClaimNotification(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		respond(c, adapters.Fail("agent_id is required"))
		return
	}
	n, err := s.store.Claim(id, body.AgentID)
	respondNotification(c, n, err)
}

func (s *Server) handleNotificationStatus(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	var body struct {
		Status  string `json:"status"`
		AgentID string `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Status == "" {
		respond(c, adapters.Fail("status is required"))
		return
	}
	n, err := s.store.SetAgentStatus(id, body.Status, body.AgentID)
	respondNotification(c, n, err)
}

func (s *Server) handleResolveNotification(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	var body struct {
		Summary    string `json:"summary"`
		Link       string `json:"link,omitempty"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Summary == "" {
		respond(c, adapters.Fail("summary is required"))
		return
	}
	resolution, err := json.Marshal(body)
	if err != nil {
		respond(c, adapters.FailErr(err))
		return
	}
	n, err := s.store.Resolve(id, string(resolution))
	respondNotification(c, n, err)
}
