// Package adapters is the unified adapter client: the single boundary every
// inbound user event crosses in and every outbound message crosses out.
package adapters

import (
	"context"
	"time"
)

// Adapter identifiers.
const (
	KindTelegram = "telegram"
	KindDiscord  = "discord"
	KindWhatsApp = "whatsapp"
	KindWeb      = "web"
	KindRest     = "rest"
	KindRedis    = "redis"
)

// Render modes an adapter declares at registration.
const (
	RenderHuman = "human" // wrapped, ANSI-stripped, summarised
	RenderAgent = "agent" // precise, whitespace- and newline-preserved
)

// Inbound event types after normalization.
const (
	EventCommand = "command"
	EventMessage = "message"
	EventVoice   = "voice"
	EventFile    = "file"
)

// Metadata accompanies every normalized inbound event.
type Metadata struct {
	Adapter        string    // adapter identifier (KindTelegram, ...)
	PlatformUserID string    // platform-specific user id, if any
	UserName       string    // human-readable name
	Locale         string    // BCP-47 locale hint, if the platform provides one
	MessageID      string    // original platform message id (for best-effort delete)
	SessionID      string    // resolved TeleClaude session, if known
	Timestamp      time.Time // when the platform delivered the event
}

// Event is a normalized inbound user event.
type Event struct {
	Type     string            // EventCommand, EventMessage, EventVoice, EventFile
	Command  string            // command name, for EventCommand
	Args     map[string]string // named command arguments
	Text     string            // message text, for EventMessage
	Blob     []byte            // voice or file payload
	Filename string            // for EventFile
	Meta     Metadata
}

// Rendering carries both output forms of one delta; each adapter picks the
// form it declared.
type Rendering struct {
	Human string
	Agent string
}

// For returns the form matching mode, defaulting to the human form.
func (r Rendering) For(mode string) string {
	if mode == RenderAgent {
		return r.Agent
	}
	return r.Human
}

// Adapter is the capability set every I/O surface implements. No adapter
// inherits from another; shared behavior lives in the Client.
type Adapter interface {
	// Name returns the adapter identifier (KindTelegram, ...).
	Name() string

	// RenderMode returns RenderHuman or RenderAgent.
	RenderMode() string

	// Start connects the adapter and begins delivering inbound events to
	// the callback registered via the Client.
	Start(ctx context.Context) error

	// Stop disconnects the adapter.
	Stop() error

	// SendMessage delivers text for a session to the platform surface and
	// returns the platform message id, when the platform has one.
	SendMessage(ctx context.Context, sessionID, text string) (string, error)

	// DeleteMessage removes a previously sent message. Best-effort: not
	// every platform supports deletion.
	DeleteMessage(ctx context.Context, sessionID, messageID string) error

	// DeliverToSession pushes text to the session's surface on behalf of
	// another origin (relay handback, cross-machine mirror). originHint
	// names the source for platforms that render attribution.
	DeliverToSession(ctx context.Context, sessionID, text, originHint string) error
}

// InboundFunc receives normalized events from adapters.
type InboundFunc func(ctx context.Context, ev Event) Envelope
