// Package telegram implements the Telegram adapter over long polling.
// Each chat holds one current session; plain messages route to it and
// slash commands manage the lifecycle.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/models"
)

const (
	// maxMessageLen is Telegram's content limit; longer output is chunked.
	maxMessageLen = 4096
	// stallTimeout forces a reconnect when the long poll goes quiet. The
	// library blocks on a dead connection instead of closing the channel.
	stallTimeout = 150 * time.Second
	// maxReconnectBackoff caps the reconnect delay.
	maxReconnectBackoff = 30 * time.Second
)

// bot abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(u tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Sessions is the session-store surface the adapter needs. *session.Manager
// satisfies it.
type Sessions interface {
	Get(id string) (*models.Session, error)
	List(computer string) ([]models.Session, error)
	SetAdapterMeta(id, kind string, body any) error
}

// chatMeta is the adapter-private metadata persisted per session.
type chatMeta struct {
	ChatID int64 `json:"chat_id"`
}

// Adapter is the Telegram surface. It renders the human output form.
type Adapter struct {
	bot      bot
	token    string
	allowed  map[int64]bool
	sessions Sessions
	inbound  adapters.InboundFunc
	http     *http.Client

	mu        sync.Mutex
	connected bool
	chats     map[string]int64 // session id -> chat id
	cancel    context.CancelFunc
}

// Opts holds parameters for creating a Telegram Adapter.
type Opts struct {
	Token          string
	AllowedUserIDs []int64 // empty means any user may talk to the bot
	Sessions       Sessions
	Inbound        adapters.InboundFunc
	// For testing: inject a mock bot instead of the real API.
	Bot bot
}

// New creates a Telegram Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Bot == nil && opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("telegram: session store is required")
	}
	allowed := make(map[int64]bool, len(opts.AllowedUserIDs))
	for _, id := range opts.AllowedUserIDs {
		allowed[id] = true
	}
	return &Adapter{
		bot:      opts.Bot,
		token:    opts.Token,
		allowed:  allowed,
		sessions: opts.Sessions,
		inbound:  opts.Inbound,
		http:     &http.Client{Timeout: time.Minute},
		chats:    make(map[string]int64),
	}, nil
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string { return adapters.KindTelegram }

// RenderMode returns the output form this surface consumes.
func (a *Adapter) RenderMode() string { return adapters.RenderHuman }

// Start connects the bot and begins the long-poll loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.bot == nil {
		b, err := tgbotapi.NewBotAPI(a.token)
		if err != nil {
			return fmt.Errorf("telegram: init bot: %w", err)
		}
		log.Printf("telegram: connected as %s", b.Self.UserName)
		a.bot = b
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.connected = true
	go a.pollLoop(pollCtx)
	return nil
}

// Stop ends the long-poll loop.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	a.cancel()
	a.bot.StopReceivingUpdates()
	return nil
}

// pollLoop runs update polling with stall detection, reconnecting with
// exponential backoff when the connection goes dead.
func (a *Adapter) pollLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := a.bot.GetUpdatesChan(u)

		err := a.poll(ctx, updates)
		a.bot.StopReceivingUpdates()
		if err == nil {
			return // context cancelled
		}
		log.Printf("telegram: poll disconnected, reconnecting in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

func (a *Adapter) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			if update.Message != nil {
				a.handleUpdate(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

// SendMessage posts text into the session's chat. Content beyond the
// platform limit is chunked; the returned id is the last chunk's.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	chatID, err := a.chatFor(sessionID)
	if err != nil {
		return "", err
	}
	var lastID string
	for _, c := range chunk(text, maxMessageLen) {
		sent, err := a.bot.Send(tgbotapi.NewMessage(chatID, c))
		if err != nil {
			return "", fmt.Errorf("telegram: send to session %s: %w", sessionID, err)
		}
		lastID = fmt.Sprintf("%d", sent.MessageID)
	}
	return lastID, nil
}

// DeleteMessage removes a previously sent message from the session chat.
func (a *Adapter) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	chatID, err := a.chatFor(sessionID)
	if err != nil {
		return err
	}
	var msgID int
	if _, err := fmt.Sscanf(messageID, "%d", &msgID); err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	if _, err := a.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return fmt.Errorf("telegram: delete message %s: %w", messageID, err)
	}
	return nil
}

// DeliverToSession pushes attributed text into the session chat.
func (a *Adapter) DeliverToSession(ctx context.Context, sessionID, text, originHint string) error {
	if originHint != "" {
		text = fmt.Sprintf("[%s]\n%s", originHint, text)
	}
	_, err := a.SendMessage(ctx, sessionID, text)
	return err
}

// BindChat associates a session with a chat and persists the mapping.
func (a *Adapter) BindChat(sessionID string, chatID int64) error {
	if err := a.sessions.SetAdapterMeta(sessionID, adapters.KindTelegram, chatMeta{ChatID: chatID}); err != nil {
		return err
	}
	a.mu.Lock()
	a.chats[sessionID] = chatID
	a.mu.Unlock()
	return nil
}

// chatFor resolves the session's chat id from cache or persisted metadata.
func (a *Adapter) chatFor(sessionID string) (int64, error) {
	a.mu.Lock()
	if id, ok := a.chats[sessionID]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	sess, err := a.sessions.Get(sessionID)
	if err != nil {
		return 0, err
	}
	meta, err := sess.AdapterMetadata()
	if err != nil {
		return 0, err
	}
	raw, ok := meta[adapters.KindTelegram]
	if !ok {
		return 0, fmt.Errorf("telegram: session %s has no chat binding", sessionID)
	}
	var cm chatMeta
	if err := json.Unmarshal(raw, &cm); err != nil || cm.ChatID == 0 {
		return 0, fmt.Errorf("telegram: session %s has no chat binding", sessionID)
	}
	a.mu.Lock()
	a.chats[sessionID] = cm.ChatID
	a.mu.Unlock()
	return cm.ChatID, nil
}

// sessionFor finds the chat's most recently active session.
func (a *Adapter) sessionFor(chatID int64) string {
	sessions, err := a.sessions.List("")
	if err != nil {
		return ""
	}
	var best string
	var bestAt time.Time
	for i := range sessions {
		meta, err := sessions[i].AdapterMetadata()
		if err != nil {
			continue
		}
		raw, ok := meta[adapters.KindTelegram]
		if !ok {
			continue
		}
		var cm chatMeta
		if json.Unmarshal(raw, &cm) != nil || cm.ChatID != chatID {
			continue
		}
		if best == "" || sessions[i].LastActivityAt.After(bestAt) {
			best = sessions[i].ID
			bestAt = sessions[i].LastActivityAt
		}
	}
	return best
}

// handleUpdate normalizes one inbound Telegram message.
func (a *Adapter) handleUpdate(ctx context.Context, m *tgbotapi.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}
	if len(a.allowed) > 0 && !a.allowed[m.From.ID] {
		log.Printf("telegram: access denied for user %d (%s)", m.From.ID, m.From.UserName)
		return
	}
	if a.inbound == nil {
		return
	}

	meta := adapters.Metadata{
		Adapter:        adapters.KindTelegram,
		PlatformUserID: fmt.Sprintf("%d", m.From.ID),
		UserName:       m.From.UserName,
		Locale:         m.From.LanguageCode,
		MessageID:      fmt.Sprintf("%d", m.MessageID),
		SessionID:      a.sessionFor(m.Chat.ID),
		Timestamp:      m.Time(),
	}

	var ev adapters.Event
	switch {
	case m.Document != nil:
		blob, err := a.download(m.Document.FileID)
		if err != nil {
			log.Printf("telegram: download document: %v", err)
			a.reply(m.Chat.ID, "Could not fetch the uploaded file.")
			return
		}
		ev = adapters.Event{
			Type:     adapters.EventFile,
			Blob:     blob,
			Filename: m.Document.FileName,
			Meta:     meta,
		}
	case m.Voice != nil:
		// The event carries the raw audio only. Transcription happens
		// between here and the shared handlers; without a transcriber the
		// handlers refuse the event with an explanation.
		blob, err := a.download(m.Voice.FileID)
		if err != nil {
			log.Printf("telegram: download voice: %v", err)
			return
		}
		ev = adapters.Event{Type: adapters.EventVoice, Blob: blob, Meta: meta}
	case m.Text != "":
		ev = adapters.Event{Type: adapters.EventMessage, Text: m.Text, Meta: meta}
		if cmd, args, ok := parseCommand(m.Text); ok {
			ev.Type = adapters.EventCommand
			ev.Command = cmd
			ev.Args = args
			ev.Text = ""
		}
	default:
		return
	}

	env := a.inbound(ctx, ev)
	// New sessions started from a chat inherit that chat as their surface.
	if env.Success() && ev.Type == adapters.EventCommand && ev.Command == "new_session" {
		if data, ok := env.Data.(map[string]any); ok {
			if id, ok := data["session_id"].(string); ok {
				if err := a.BindChat(id, m.Chat.ID); err != nil {
					log.Printf("telegram: bind chat for %s: %v", id, err)
				}
			}
		}
	}
	if !env.Success() && env.Error != "" {
		a.reply(m.Chat.ID, env.Error)
	}
}

func (a *Adapter) reply(chatID int64, text string) {
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Printf("telegram: reply: %v", err)
	}
}

// download fetches a platform file's bytes via its direct URL.
func (a *Adapter) download(fileID string) ([]byte, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve file %s: %w", fileID, err)
	}
	resp, err := a.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("telegram: fetch file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: fetch file %s: status %d", fileID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseCommand recognizes "/name key=value ..." messages. Telegram appends
// "@botname" to commands in group chats; it is stripped.
func parseCommand(text string) (string, map[string]string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name, _, _ := strings.Cut(fields[0], "@")
	if name == "" {
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
	return name, args, true
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
