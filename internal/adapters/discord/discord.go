// Package discord implements the Discord adapter over the Gateway
// WebSocket. Every session gets its own thread under the configured
// channel; the help-desk relay reuses the same connection for admin
// threads.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/models"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the retry backoff.
	maxBackoff = 2 * time.Minute
	// maxMessageLen is Discord's content limit; longer output is chunked.
	maxMessageLen = 2000
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error) {
	return r.s.MessageThreadStartComplex(channelID, messageID, data)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Sessions is the session-store surface the adapter needs. *session.Manager
// satisfies it.
type Sessions interface {
	Get(id string) (*models.Session, error)
	List(computer string) ([]models.Session, error)
	SetAdapterMeta(id, kind string, body any) error
}

// Relay is the admin-thread surface messages inside active help-desk
// threads are routed into. *relay.Manager satisfies it.
type Relay interface {
	SessionForThread(threadID string) (*models.Session, error)
	HandleAdminMessage(ctx context.Context, sessionID, userName, text string, fromBot bool) error
}

// threadMeta is the adapter-private metadata persisted per session.
type threadMeta struct {
	ThreadID  string `json:"thread_id"`
	ChannelID string `json:"channel_id"`
}

// Adapter is the Discord surface. It renders the human output form.
type Adapter struct {
	sess      session
	botToken  string
	channelID string
	sessions  Sessions
	inbound   adapters.InboundFunc

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu            sync.Mutex
	relay         Relay // bound after the relay manager exists
	botUserID     string
	connected     bool
	threads       map[string]string // thread id -> session id
	removeHandler func()
}

// Opts holds parameters for creating a Discord Adapter.
type Opts struct {
	BotToken  string // Discord bot token
	ChannelID string // channel session threads hang off
	Sessions  Sessions
	Inbound   adapters.InboundFunc
	// For testing: inject a mock session instead of the real gateway.
	Session session
}

// New creates a Discord Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("discord: session store is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		sessions:    opts.Sessions,
		inbound:     opts.Inbound,
		threads:     make(map[string]string),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// BindRelay routes messages in active help-desk threads to r. The relay
// manager is constructed after the adapter (it needs the adapter as its
// thread platform), so the seam is bound late rather than passed in Opts.
func (a *Adapter) BindRelay(r Relay) {
	a.mu.Lock()
	a.relay = r
	a.mu.Unlock()
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string { return adapters.KindDiscord }

// RenderMode returns the output form this surface consumes.
func (a *Adapter) RenderMode() string { return adapters.RenderHuman }

// Start opens the Gateway connection and registers the message handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, m)
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Stop closes the Gateway connection.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	return a.sess.Close()
}

// SendMessage posts text into the session's thread, creating the thread on
// first use. Content beyond the platform limit is chunked; the returned id
// is the last chunk's message id.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	threadID, err := a.ensureThread(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var lastID string
	for _, chunk := range chunk(text, maxMessageLen) {
		var msg *discordgo.Message
		err := a.retryOnRateLimit(ctx, func() error {
			var sendErr error
			msg, sendErr = a.sess.ChannelMessageSend(threadID, chunk)
			return sendErr
		})
		if err != nil {
			return "", fmt.Errorf("discord: send to session %s: %w", sessionID, err)
		}
		lastID = msg.ID
	}
	return lastID, nil
}

// DeleteMessage removes a previously sent message from the session thread.
func (a *Adapter) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	threadID, err := a.ensureThread(ctx, sessionID)
	if err != nil {
		return err
	}
	return a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(threadID, messageID)
	})
}

// DeliverToSession pushes attributed text into the session thread.
func (a *Adapter) DeliverToSession(ctx context.Context, sessionID, text, originHint string) error {
	if originHint != "" {
		text = fmt.Sprintf("**%s**\n%s", originHint, text)
	}
	_, err := a.SendMessage(ctx, sessionID, text)
	return err
}

// CreateThread opens a thread under channelID with an anchor message and
// posts the opening text into it. Used by the help-desk relay.
func (a *Adapter) CreateThread(ctx context.Context, channelID, title, opening string) (string, error) {
	var anchor *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		anchor, sendErr = a.sess.ChannelMessageSend(channelID, title)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: thread anchor: %w", err)
	}
	var thread *discordgo.Channel
	err = a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		thread, apiErr = a.sess.MessageThreadStartComplex(channelID, anchor.ID, &discordgo.ThreadStart{
			Name:                title,
			AutoArchiveDuration: 1440,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create thread: %w", err)
	}
	if opening != "" {
		if err := a.SendToThread(ctx, thread.ID, opening); err != nil {
			return "", err
		}
	}
	return thread.ID, nil
}

// SendToThread posts text into an existing thread.
func (a *Adapter) SendToThread(ctx context.Context, threadID, text string) error {
	for _, c := range chunk(text, maxMessageLen) {
		err := a.retryOnRateLimit(ctx, func() error {
			_, sendErr := a.sess.ChannelMessageSend(threadID, c)
			return sendErr
		})
		if err != nil {
			return fmt.Errorf("discord: send to thread %s: %w", threadID, err)
		}
	}
	return nil
}

// ensureThread returns the session's thread id, creating and persisting the
// thread on first use.
func (a *Adapter) ensureThread(ctx context.Context, sessionID string) (string, error) {
	sess, err := a.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	meta, err := sess.AdapterMetadata()
	if err != nil {
		return "", err
	}
	if raw, ok := meta[adapters.KindDiscord]; ok {
		var tm threadMeta
		if err := json.Unmarshal(raw, &tm); err == nil && tm.ThreadID != "" {
			a.remember(tm.ThreadID, sessionID)
			return tm.ThreadID, nil
		}
	}

	title := sess.Title
	if title == "" {
		title = fmt.Sprintf("%s / %s", sess.Agent, sessionID)
	}
	threadID, err := a.CreateThread(ctx, a.channelID, title, "")
	if err != nil {
		return "", err
	}
	tm := threadMeta{ThreadID: threadID, ChannelID: a.channelID}
	if err := a.sessions.SetAdapterMeta(sessionID, adapters.KindDiscord, tm); err != nil {
		return "", err
	}
	a.remember(threadID, sessionID)
	return threadID, nil
}

func (a *Adapter) remember(threadID, sessionID string) {
	a.mu.Lock()
	a.threads[threadID] = sessionID
	a.mu.Unlock()
}

// sessionFor maps a thread back to its session, falling back to a store
// scan after a restart when the in-memory map is cold.
func (a *Adapter) sessionFor(threadID string) string {
	a.mu.Lock()
	if id, ok := a.threads[threadID]; ok {
		a.mu.Unlock()
		return id
	}
	a.mu.Unlock()

	sessions, err := a.sessions.List("")
	if err != nil {
		return ""
	}
	for i := range sessions {
		meta, err := sessions[i].AdapterMetadata()
		if err != nil {
			continue
		}
		raw, ok := meta[adapters.KindDiscord]
		if !ok {
			continue
		}
		var tm threadMeta
		if json.Unmarshal(raw, &tm) == nil && tm.ThreadID == threadID {
			a.remember(threadID, sessions[i].ID)
			return sessions[i].ID
		}
	}
	return ""
}

// handleMessage normalizes a gateway message into an inbound event.
func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if m.Author.ID == botID {
		return
	}

	// Admin replies inside an active help-desk thread belong to the
	// relay, not to a session pane.
	a.mu.Lock()
	rel := a.relay
	a.mu.Unlock()
	if rel != nil {
		if sess, err := rel.SessionForThread(m.ChannelID); err == nil {
			text := a.normalizeMentions(m.Content)
			if err := rel.HandleAdminMessage(ctx, sess.ID, m.Author.Username, text, m.Author.Bot); err != nil {
				log.Printf("discord: admin message in thread %s: %v", m.ChannelID, err)
			}
			return
		}
	}

	if a.inbound == nil {
		return
	}

	// Threads are channels in Discord; only messages inside a session
	// thread reach the shared handlers. Everything else is dropped.
	sessionID := a.sessionFor(m.ChannelID)
	if sessionID == "" {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	ev := adapters.Event{
		Type: adapters.EventMessage,
		Text: m.Content,
		Meta: adapters.Metadata{
			Adapter:        adapters.KindDiscord,
			PlatformUserID: m.Author.ID,
			UserName:       m.Author.Username,
			MessageID:      m.ID,
			SessionID:      sessionID,
			Timestamp:      ts,
		},
	}
	if cmd, args, ok := parseCommand(m.Content); ok {
		ev.Type = adapters.EventCommand
		ev.Command = cmd
		ev.Args = args
		ev.Text = ""
	}

	env := a.inbound(ctx, ev)
	if !env.Success() && env.Error != "" {
		err := a.retryOnRateLimit(ctx, func() error {
			_, sendErr := a.sess.ChannelMessageSend(m.ChannelID, env.Error)
			return sendErr
		})
		if err != nil {
			log.Printf("discord: report failure to thread %s: %v", m.ChannelID, err)
		}
	}
}

// normalizeMentions rewrites Discord mentions of the bot user into the
// textual @agent form so the handback matcher sees a single spelling.
func (a *Adapter) normalizeMentions(text string) string {
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if botID == "" {
		return text
	}
	text = strings.ReplaceAll(text, "<@!"+botID+">", "@agent")
	return strings.ReplaceAll(text, "<@"+botID+">", "@agent")
}

// parseCommand recognizes "/name key=value ..." messages.
func parseCommand(text string) (string, map[string]string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	args := make(map[string]string)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		args[k] = v
	}
	return fields[0], args, true
}

// chunk splits text into pieces within limit, preferring newline breaks.
func chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		out = append(out, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
