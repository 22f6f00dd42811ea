package output

import (
	"sync"
	"time"
)

// Per-session activity states surfaced in listings.
const (
	StateIdle       = ""
	StateInput      = "input-highlight"       // user text just submitted
	StateTempOutput = "temp-output-highlight" // a tool invocation is in flight
	StateOutput     = "output-highlight"      // agent turn completed
)

// Hook event names emitted by the agent CLI's lifecycle hooks.
const (
	HookPromptSubmit = "user_prompt_submit"
	HookToolUse      = "tool_use"
	HookToolDone     = "tool_done"
	HookAgentStop    = "agent_stop"
	HookReset        = "activity_reset"
)

// sessionActivity is the tracked state for one session.
type sessionActivity struct {
	state      string
	activeTool string
	changedAt  time.Time
	hookDriven bool
}

// Tracker derives per-session activity states from agent hook events, with
// stream silence as the fallback signal when no hooks arrive.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionActivity

	// OnSummary is invoked with (sessionID, summary) when an agent turn
	// completes. Optional.
	OnSummary func(sessionID, summary string)

	now func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*sessionActivity),
		now:      time.Now,
	}
}

// ApplyHook transitions a session's state for a hook event. The payload is
// the tool name for tool_use and the turn summary for agent_stop.
func (t *Tracker) ApplyHook(sessionID, hook, payload string) {
	t.mu.Lock()
	sa := t.ensure(sessionID)
	sa.hookDriven = true
	sa.changedAt = t.now()

	switch hook {
	case HookPromptSubmit:
		sa.state = StateInput
		sa.activeTool = ""
	case HookToolUse:
		sa.state = StateTempOutput
		sa.activeTool = payload
	case HookToolDone:
		sa.state = StateInput
		sa.activeTool = ""
	case HookAgentStop:
		sa.state = StateOutput
		sa.activeTool = ""
	case HookReset:
		sa.state = StateIdle
		sa.activeTool = ""
		sa.hookDriven = false
	}
	onSummary := t.OnSummary
	t.mu.Unlock()

	if hook == HookAgentStop && onSummary != nil && payload != "" {
		onSummary(sessionID, payload)
	}
}

// ObserveOutput records pane output for a session. For sessions without
// hook-driven state it marks the turn in progress.
func (t *Tracker) ObserveOutput(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sa := t.ensure(sessionID)
	if sa.hookDriven {
		return
	}
	sa.state = StateTempOutput
	sa.changedAt = t.now()
}

// ObserveSilence marks a turn as completed for sessions without hook-driven
// state once the pane has been quiet for the given duration.
func (t *Tracker) ObserveSilence(sessionID string, quiet time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sa := t.ensure(sessionID)
	if sa.hookDriven || sa.state != StateTempOutput {
		return
	}
	if t.now().Sub(sa.changedAt) >= quiet {
		sa.state = StateOutput
	}
}

// State returns the current state and active tool for a session.
func (t *Tracker) State(sessionID string) (state, activeTool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sa, ok := t.sessions[sessionID]
	if !ok {
		return StateIdle, ""
	}
	return sa.state, sa.activeTool
}

// Forget drops tracked state for a closed session.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) ensure(sessionID string) *sessionActivity {
	sa, ok := t.sessions[sessionID]
	if !ok {
		sa = &sessionActivity{}
		t.sessions[sessionID] = sa
	}
	return sa
}
