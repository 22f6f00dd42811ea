package adapters

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/InstruktAI/teleclaude/internal/models"
)

// Handlers is the common handler set every adapter dispatches into.
type Handlers struct {
	Command func(ctx context.Context, ev Event) Envelope
	Message func(ctx context.Context, ev Event) Envelope
	Voice   func(ctx context.Context, ev Event) Envelope
	File    func(ctx context.Context, ev Event) Envelope
}

// Client owns the adapter instances and is the fan-in/fan-out point for all
// session traffic.
type Client struct {
	db          *gorm.DB
	handlers    Handlers
	sendTimeout time.Duration

	mu       sync.RWMutex
	adapters map[string]Adapter

	dedup *dedupWindow
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	DB          *gorm.DB
	Handlers    Handlers
	SendTimeout time.Duration // per-adapter outbound timeout; defaults to 30s
	DedupWindow time.Duration // duplicate inbound suppression; defaults to 5s
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("adapters: client: db is required")
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Client{
		db:          opts.DB,
		handlers:    opts.Handlers,
		sendTimeout: sendTimeout,
		adapters:    make(map[string]Adapter),
		dedup:       newDedupWindow(window),
	}, nil
}

// Register adds an adapter instance. The adapter delivers its normalized
// inbound events to HandleEvent.
func (c *Client) Register(a Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Name()] = a
}

// Adapter returns the registered adapter for kind, or nil.
func (c *Client) Adapter(kind string) Adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adapters[kind]
}

// StartAll starts every registered adapter. Failures are reported per
// adapter; one adapter failing to start does not stop the others.
func (c *Client) StartAll(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for name, a := range c.adapters {
		if err := a.Start(ctx); err != nil {
			log.Printf("adapters: start %s: %v", name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("adapters: start %s: %w", name, err)
			}
		}
	}
	return firstErr
}

// StopAll stops every registered adapter.
func (c *Client) StopAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, a := range c.adapters {
		if err := a.Stop(); err != nil {
			log.Printf("adapters: stop %s: %v", name, err)
		}
	}
}

// HandleEvent is the single inbound dispatch point. Every adapter calls it
// with a normalized event; the result envelope must be unwrapped by the
// caller and translated into a transport-appropriate reply.
func (c *Client) HandleEvent(ctx context.Context, ev Event) Envelope {
	// Drop duplicates: the same session can be observable on multiple
	// adapters (chat bridge plus REST), which would deliver the same
	// platform message twice.
	if ev.Meta.SessionID != "" && ev.Meta.MessageID != "" {
		if c.dedup.seen(ev.Meta.SessionID, ev.Meta.MessageID) {
			return OK(map[string]any{"deduplicated": true})
		}
	}

	var h func(ctx context.Context, ev Event) Envelope
	switch ev.Type {
	case EventCommand:
		h = c.handlers.Command
	case EventMessage:
		h = c.handlers.Message
	case EventVoice:
		h = c.handlers.Voice
	case EventFile:
		h = c.handlers.File
	default:
		return Fail(fmt.Sprintf("unknown event type %q", ev.Type))
	}
	if h == nil {
		return Fail(fmt.Sprintf("no handler for event type %q", ev.Type))
	}
	return h(ctx, ev)
}

// SendMessage broadcasts the same text to every adapter bound to the
// session. Equivalent to Broadcast with identical renderings.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) {
	c.Broadcast(ctx, sessionID, Rendering{Human: text, Agent: text})
}

// Broadcast delivers one output delta to every adapter in the session's
// adapter_types, each receiving the rendering form it declared. Sends run
// in parallel; per-adapter failures are logged and never fail siblings.
// The broadcast waits for all sends to finish, preserving per-adapter
// submission order for callers that serialize their broadcasts.
func (c *Client) Broadcast(ctx context.Context, sessionID string, r Rendering) {
	var sess models.Session
	if err := c.db.First(&sess, "id = ?", sessionID).Error; err != nil {
		log.Printf("adapters: broadcast to unknown session %s: dropped", sessionID)
		return
	}
	if sess.Status == models.SessionClosed {
		log.Printf("adapters: broadcast to closed session %s: dropped", sessionID)
		return
	}

	// Substantive output clears any pending feedback notices first.
	c.deleteTransients(ctx, sessionID)

	var wg sync.WaitGroup
	for _, kind := range sess.Adapters() {
		a := c.Adapter(kind)
		if a == nil {
			log.Printf("adapters: session %s bound to unregistered adapter %q", sessionID, kind)
			continue
		}
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
			defer cancel()
			if _, err := a.SendMessage(sendCtx, sessionID, r.For(a.RenderMode())); err != nil {
				log.Printf("adapters: send via %s for session %s: %v", a.Name(), sessionID, err)
			}
		}(a)
	}
	wg.Wait()
}

// SendTransient posts a feedback/notice message to every bound adapter and
// tracks the resulting platform message ids so the next substantive
// broadcast deletes them (best-effort).
func (c *Client) SendTransient(ctx context.Context, sessionID, text string) {
	var sess models.Session
	if err := c.db.First(&sess, "id = ?", sessionID).Error; err != nil {
		return
	}
	for _, kind := range sess.Adapters() {
		a := c.Adapter(kind)
		if a == nil {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
		msgID, err := a.SendMessage(sendCtx, sessionID, text)
		cancel()
		if err != nil {
			log.Printf("adapters: transient via %s for session %s: %v", kind, sessionID, err)
			continue
		}
		if msgID == "" {
			continue
		}
		c.db.Create(&models.TransientMessage{
			SessionID: sessionID,
			Adapter:   kind,
			MessageID: msgID,
		})
	}
}

// deleteTransients removes tracked notice messages for a session.
func (c *Client) deleteTransients(ctx context.Context, sessionID string) {
	var pending []models.TransientMessage
	if err := c.db.Where("session_id = ?", sessionID).Find(&pending).Error; err != nil {
		return
	}
	for _, tm := range pending {
		if a := c.Adapter(tm.Adapter); a != nil {
			if err := a.DeleteMessage(ctx, sessionID, tm.MessageID); err != nil {
				log.Printf("adapters: delete transient %s/%s: %v", tm.Adapter, tm.MessageID, err)
			}
		}
	}
	c.db.Where("session_id = ?", sessionID).Delete(&models.TransientMessage{})
}
