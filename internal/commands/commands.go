// Package commands implements the shared operation handlers invoked
// identically by every adapter, the REST surface, the tool server, and the
// cross-machine consumer.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/models"
	"github.com/InstruktAI/teleclaude/internal/relay"
	"github.com/InstruktAI/teleclaude/internal/session"
	"github.com/InstruktAI/teleclaude/internal/termbridge"
)

// Relay is the diversion surface the message handler consults.
type Relay interface {
	Active(sessionID string) bool
	DivertCustomerMessage(ctx context.Context, sessionID, userName, platform, text string) error
	Escalate(ctx context.Context, sessionID, customerName, reason, contextSummary string) (string, error)
}

// Bridge is the pane surface for text injection and signals.
type Bridge interface {
	SendText(sessionID, text string, appendMarker bool) (string, error)
	Signal(sessionID, signal string) error
	Resize(sessionID string, cols, rows int) error
}

// Baseline resets the output baseline after an injection.
type Baseline interface {
	ResetBaseline(sessionID string) error
}

// Notifier posts transient feedback notices to a session's surfaces. The
// next substantive broadcast deletes them. *adapters.Client satisfies it.
type Notifier interface {
	SendTransient(ctx context.Context, sessionID, text string)
}

// Handlers is the shared operation dispatch.
type Handlers struct {
	sessions *session.Manager
	bridge   Bridge
	baseline Baseline
	relay    Relay    // optional; without it escalate is unavailable
	notify   Notifier // optional; without it acks are silent
}

// Opts holds parameters for creating Handlers.
type Opts struct {
	Sessions *session.Manager
	Bridge   Bridge
	Baseline Baseline
	Relay    Relay
	Notify   Notifier
}

// New creates Handlers.
func New(opts Opts) (*Handlers, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("commands: session manager is required")
	}
	if opts.Bridge == nil {
		return nil, fmt.Errorf("commands: bridge is required")
	}
	return &Handlers{
		sessions: opts.Sessions,
		bridge:   opts.Bridge,
		baseline: opts.Baseline,
		relay:    opts.Relay,
		notify:   opts.Notify,
	}, nil
}

// ack posts a transient acceptance notice for an operation.
func (h *Handlers) ack(ctx context.Context, sessionID, text string) {
	if h.notify != nil && sessionID != "" {
		h.notify.SendTransient(ctx, sessionID, text)
	}
}

// AdapterHandlers adapts the shared dispatch to the adapter client's
// callback shape.
func (h *Handlers) AdapterHandlers() adapters.Handlers {
	return adapters.Handlers{
		Command: h.HandleCommand,
		Message: h.HandleMessage,
		Voice:   h.handleVoice,
		File:    h.handleFile,
	}
}

// HandleCommand dispatches one named operation.
func (h *Handlers) HandleCommand(ctx context.Context, ev adapters.Event) adapters.Envelope {
	switch ev.Command {
	case "new_session":
		return h.newSession(ctx, ev)
	case "end_session":
		return h.endSession(ctx, ev)
	case "cancel":
		return h.cancel(ev)
	case "resize":
		return h.resize(ev)
	case "resume":
		return h.resume(ctx, ev)
	case "stick":
		return h.stick(ev)
	case "unstick":
		return h.unstick(ev)
	case "escalate":
		return h.escalate(ctx, ev)
	default:
		return adapters.Fail(fmt.Sprintf("unknown operation %q", ev.Command))
	}
}

// HandleMessage injects user text into the session's pane, or diverts it
// to the relay thread while an escalation is active.
func (h *Handlers) HandleMessage(ctx context.Context, ev adapters.Event) adapters.Envelope {
	sessionID := ev.Meta.SessionID
	if sessionID == "" {
		return adapters.Fail("message without session id")
	}
	if ev.Text == "" {
		return adapters.Fail("empty message")
	}

	if h.relay != nil && h.relay.Active(sessionID) {
		err := h.relay.DivertCustomerMessage(ctx, sessionID, ev.Meta.UserName, ev.Meta.Adapter, ev.Text)
		if err != nil && !errors.Is(err, relay.ErrRelayInactive) {
			return adapters.FailErr(err)
		}
		if err == nil {
			return adapters.OK(map[string]any{"diverted": true})
		}
	}

	if _, err := h.bridge.SendText(sessionID, relay.Sanitize(ev.Text), true); err != nil {
		if errors.Is(err, termbridge.ErrPaneMissing) {
			return adapters.Fail("session terminal is gone; resume the session first")
		}
		return adapters.FailErr(err)
	}
	if h.baseline != nil {
		if err := h.baseline.ResetBaseline(sessionID); err != nil {
			log.Printf("commands: reset baseline %s: %v", sessionID, err)
		}
	}
	if err := h.sessions.Touch(sessionID); err != nil {
		log.Printf("commands: touch %s: %v", sessionID, err)
	}
	if err := h.sessions.RecordMessage(sessionID, "user", ev.Meta.UserName, ev.Meta.Adapter, ev.Text); err != nil {
		log.Printf("commands: %v", err)
	}
	return adapters.OK(nil)
}

func (h *Handlers) newSession(ctx context.Context, ev adapters.Event) adapters.Envelope {
	opts := session.CreateOpts{
		ProjectDir:   ev.Args["project_dir"],
		Agent:        ev.Args["agent"],
		Thinking:     ev.Args["thinking_mode"],
		Title:        ev.Args["title"],
		HumanRole:    ev.Args["human_role"],
		InitiatorID:  ev.Meta.SessionID,
		AdapterTypes: []string{ev.Meta.Adapter},
	}
	if kinds := ev.Args["adapter_types"]; kinds != "" {
		opts.AdapterTypes = splitCSV(kinds)
	}
	sess, err := h.sessions.Create(ctx, opts)
	if err != nil {
		if errors.Is(err, session.ErrNested) {
			return adapters.Fail("cannot start a nested session from here")
		}
		return adapters.FailErr(err)
	}
	h.ack(ctx, sess.ID, fmt.Sprintf("Session started (%s). Output will appear here.", sess.Agent))
	return adapters.OK(sessionInfo(sess))
}

func (h *Handlers) endSession(ctx context.Context, ev adapters.Event) adapters.Envelope {
	id := ev.Args["session_id"]
	if id == "" {
		id = ev.Meta.SessionID
	}
	if id == "" {
		return adapters.Fail("end_session requires a session id")
	}
	if err := h.sessions.Close(ctx, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return adapters.Fail(fmt.Sprintf("unknown session %q", id))
		}
		return adapters.FailErr(err)
	}
	h.ack(ctx, id, "Session ended.")
	return adapters.OK(nil)
}

func (h *Handlers) cancel(ev adapters.Event) adapters.Envelope {
	id := ev.Meta.SessionID
	if id == "" {
		return adapters.Fail("cancel requires a session id")
	}
	signal := termbridge.SignalInterrupt
	if ev.Args["hard"] == "true" {
		signal = termbridge.SignalDoubleInterrupt
	}
	if err := h.bridge.Signal(id, signal); err != nil {
		return adapters.FailErr(err)
	}
	return adapters.OK(nil)
}

func (h *Handlers) resize(ev adapters.Event) adapters.Envelope {
	id := ev.Meta.SessionID
	if id == "" {
		return adapters.Fail("resize requires a session id")
	}
	cols, err1 := strconv.Atoi(ev.Args["cols"])
	rows, err2 := strconv.Atoi(ev.Args["rows"])
	if err1 != nil || err2 != nil || cols <= 0 || rows <= 0 {
		return adapters.Fail("resize requires positive integer cols and rows")
	}
	if err := h.bridge.Resize(id, cols, rows); err != nil {
		return adapters.FailErr(err)
	}
	return adapters.OK(nil)
}

func (h *Handlers) resume(ctx context.Context, ev adapters.Event) adapters.Envelope {
	kind := ev.Args["kind"]
	key := ev.Args["key"]
	if kind == "" || key == "" {
		return adapters.Fail("resume requires kind and key")
	}
	create := session.CreateOpts{
		ProjectDir:   ev.Args["project_dir"],
		AdapterTypes: []string{ev.Meta.Adapter},
	}
	sess, err := h.sessions.Resume(ctx, kind, key, create)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return adapters.Fail(fmt.Sprintf("no session found for %s %q", kind, key))
		}
		return adapters.FailErr(err)
	}
	return adapters.OK(sessionInfo(sess))
}

func (h *Handlers) escalate(ctx context.Context, ev adapters.Event) adapters.Envelope {
	if h.relay == nil {
		return adapters.Fail("escalation is not configured")
	}
	id := ev.Meta.SessionID
	if id == "" {
		return adapters.Fail("escalate requires a session id")
	}
	name := ev.Args["customer_name"]
	if name == "" {
		name = ev.Meta.UserName
	}
	reason := ev.Args["reason"]
	if reason == "" {
		return adapters.Fail("escalate requires a reason")
	}
	threadID, err := h.relay.Escalate(ctx, id, name, reason, ev.Args["context_summary"])
	if err != nil {
		if errors.Is(err, relay.ErrRelayActive) {
			return adapters.Fail("an escalation is already in progress for this session")
		}
		return adapters.FailErr(err)
	}
	h.ack(ctx, id, "A human operator has been notified and will join shortly.")
	return adapters.OK(map[string]any{"thread_id": threadID})
}

func (h *Handlers) stick(ev adapters.Event) adapters.Envelope {
	id := ev.Args["session_id"]
	if id == "" {
		id = ev.Meta.SessionID
	}
	if id == "" {
		return adapters.Fail("stick requires a session id")
	}
	pinned, err := h.sessions.Stick(id)
	if err != nil {
		return adapters.FailErr(err)
	}
	if !pinned {
		return adapters.Fail("sticky set is full; unstick a session first")
	}
	return adapters.OK(map[string]any{"sticky": true})
}

func (h *Handlers) unstick(ev adapters.Event) adapters.Envelope {
	id := ev.Args["session_id"]
	if id == "" {
		id = ev.Meta.SessionID
	}
	if id == "" {
		return adapters.Fail("unstick requires a session id")
	}
	if err := h.sessions.Unstick(id); err != nil {
		return adapters.FailErr(err)
	}
	return adapters.OK(map[string]any{"sticky": false})
}

// handleVoice injects a transcribed voice note as text. Transcription is
// the adapter's job; the Telegram adapter only downloads the audio blob,
// so voice input stays unavailable until a transcriber is configured in
// front of it.
func (h *Handlers) handleVoice(ctx context.Context, ev adapters.Event) adapters.Envelope {
	if ev.Text == "" {
		return adapters.Fail("voice transcription is not configured; please send your request as text")
	}
	return h.HandleMessage(ctx, ev)
}

func (h *Handlers) handleFile(ctx context.Context, ev adapters.Event) adapters.Envelope {
	sessionID := ev.Meta.SessionID
	if sessionID == "" {
		return adapters.Fail("file without session id")
	}
	if ev.Filename == "" || len(ev.Blob) == 0 {
		return adapters.Fail("file event without content")
	}
	path, err := h.sessions.SaveUpload(sessionID, ev.Filename, ev.Blob)
	if err != nil {
		return adapters.FailErr(err)
	}
	note := fmt.Sprintf("The user uploaded a file, saved at %s", path)
	if _, err := h.bridge.SendText(sessionID, note, true); err != nil {
		return adapters.FailErr(err)
	}
	if h.baseline != nil {
		h.baseline.ResetBaseline(sessionID)
	}
	return adapters.OK(map[string]any{"path": path})
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sessionInfo is the session projection every create/resume envelope carries.
func sessionInfo(sess *models.Session) map[string]any {
	info := map[string]any{
		"session_id":  sess.ID,
		"computer":    sess.Computer,
		"project_dir": sess.ProjectDir,
		"agent":       sess.Agent,
		"status":      sess.Status,
		"title":       sess.Title,
	}
	if sess.NativeSessionID != "" {
		info["native_session_id"] = sess.NativeSessionID
	}
	return info
}
