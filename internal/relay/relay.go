package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/InstruktAI/teleclaude/internal/models"
)

// Relay message roles.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

var (
	// ErrRelayActive indicates an escalation is already in progress.
	ErrRelayActive = errors.New("relay: already active")
	// ErrRelayInactive indicates no escalation is in progress.
	ErrRelayInactive = errors.New("relay: not active")
)

// ThreadPlatform creates and posts to admin-facing forum threads. The
// Discord adapter satisfies it.
type ThreadPlatform interface {
	CreateThread(ctx context.Context, channelID, title, opening string) (threadID string, err error)
	SendToThread(ctx context.Context, threadID, text string) error
}

// CustomerSender delivers text back to the customer on their originating
// adapter. The adapter client satisfies it.
type CustomerSender interface {
	SendMessage(ctx context.Context, sessionID, text string)
}

// PaneInjector injects handback context into the session's terminal pane
// and suppresses the echo from rebroadcast.
type PaneInjector interface {
	SendText(sessionID, text string, appendMarker bool) (string, error)
	ResetBaseline(sessionID string) error
}

// Emitter publishes platform events. Optional.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any) error
}

// Manager owns escalation relay state and message flow.
type Manager struct {
	db       *gorm.DB
	platform ThreadPlatform
	sender   CustomerSender
	injector PaneInjector
	emitter  Emitter

	adminChannelID string
	now            func() time.Time
}

// Opts holds parameters for creating a Manager.
type Opts struct {
	DB             *gorm.DB
	Platform       ThreadPlatform
	Sender         CustomerSender
	Injector       PaneInjector
	Emitter        Emitter // optional
	AdminChannelID string
}

// NewManager creates a relay Manager.
func NewManager(opts Opts) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: manager: db is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("relay: manager: thread platform is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("relay: manager: customer sender is required")
	}
	if opts.Injector == nil {
		return nil, fmt.Errorf("relay: manager: pane injector is required")
	}
	if opts.AdminChannelID == "" {
		return nil, fmt.Errorf("relay: manager: admin channel id is required")
	}
	return &Manager{
		db:             opts.DB,
		platform:       opts.Platform,
		sender:         opts.Sender,
		injector:       opts.Injector,
		emitter:        opts.Emitter,
		adminChannelID: opts.AdminChannelID,
		now:            time.Now,
	}, nil
}

// Escalate opens an admin thread for a customer session and switches the
// session into diversion mode.
func (m *Manager) Escalate(ctx context.Context, sessionID, customerName, reason, contextSummary string) (string, error) {
	var sess models.Session
	if err := m.db.First(&sess, "id = ?", sessionID).Error; err != nil {
		return "", fmt.Errorf("relay: escalate %s: %w", sessionID, err)
	}
	if sess.RelayActive() {
		return "", ErrRelayActive
	}

	title := fmt.Sprintf("Help desk: %s", customerName)
	opening := fmt.Sprintf("**Reason:** %s\n", reason)
	if contextSummary != "" {
		opening += fmt.Sprintf("**Context:** %s\n", contextSummary)
	}
	opening += fmt.Sprintf("**Session:** %s\n\nReply here to talk to %s. Mention @agent to hand the conversation back.",
		sessionID, customerName)

	threadID, err := m.platform.CreateThread(ctx, m.adminChannelID, title, opening)
	if err != nil {
		return "", fmt.Errorf("relay: escalate %s: create thread: %w", sessionID, err)
	}

	startedAt := m.now()
	updates := map[string]any{
		"relay_status":     "active",
		"relay_channel_id": threadID,
		"relay_started_at": &startedAt,
	}
	if err := m.db.Model(&models.Session{}).Where("id = ?", sessionID).Updates(updates).Error; err != nil {
		return "", fmt.Errorf("relay: escalate %s: %w", sessionID, err)
	}

	m.emit(ctx, "escalation.raised", map[string]any{
		"session_id": sessionID,
		"thread_id":  threadID,
		"reason":     reason,
		"customer":   customerName,
	})
	return threadID, nil
}

// Active reports whether the session is currently diverted.
func (m *Manager) Active(sessionID string) bool {
	var sess models.Session
	if err := m.db.First(&sess, "id = ?", sessionID).Error; err != nil {
		return false
	}
	return sess.RelayActive()
}

// DivertCustomerMessage forwards a customer message to the admin thread
// instead of the terminal pane. Returns ErrRelayInactive when the session
// is not diverted so the caller falls through to normal handling.
func (m *Manager) DivertCustomerMessage(ctx context.Context, sessionID, userName, platform, text string) error {
	sess, err := m.activeSession(sessionID)
	if err != nil {
		return err
	}
	m.record(sessionID, RoleCustomer, userName, text)
	line := fmt.Sprintf("%s (%s): %s", userName, platform, text)
	if err := m.platform.SendToThread(ctx, sess.RelayChannelID, line); err != nil {
		return fmt.Errorf("relay: divert for %s: %w", sessionID, err)
	}
	return nil
}

// HandleAdminMessage processes a message posted in a relay thread: either
// it triggers handback (@agent token) or it is mirrored to the customer.
// fromBot suppresses mirror and context recording for bot-authored posts.
func (m *Manager) HandleAdminMessage(ctx context.Context, sessionID, userName, text string, fromBot bool) error {
	if fromBot {
		return nil
	}
	if _, err := m.activeSession(sessionID); err != nil {
		return err
	}
	if HasHandbackToken(text) {
		return m.handback(ctx, sessionID)
	}
	m.record(sessionID, RoleAdmin, userName, text)
	m.sender.SendMessage(ctx, sessionID, fmt.Sprintf("%s: %s", userName, text))
	return nil
}

// SessionForThread resolves the diverted session owning a relay thread.
func (m *Manager) SessionForThread(threadID string) (*models.Session, error) {
	var sess models.Session
	err := m.db.First(&sess, "relay_status = ? AND relay_channel_id = ?", "active", threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRelayInactive
	}
	if err != nil {
		return nil, fmt.Errorf("relay: session for thread %s: %w", threadID, err)
	}
	return &sess, nil
}

// handback compiles the relay window into a context block, injects it into
// the pane, and clears the diversion state.
func (m *Manager) handback(ctx context.Context, sessionID string) error {
	sess, err := m.activeSession(sessionID)
	if err != nil {
		return err
	}

	var msgs []models.RelayMessage
	q := m.db.Where("session_id = ?", sessionID).Order("id asc")
	if sess.RelayStartedAt != nil {
		q = q.Where("created_at >= ?", *sess.RelayStartedAt)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return fmt.Errorf("relay: handback %s: %w", sessionID, err)
	}

	block := compileContext(msgs)
	if _, err := m.injector.SendText(sessionID, Sanitize(block), false); err != nil {
		return fmt.Errorf("relay: handback %s: inject: %w", sessionID, err)
	}
	if err := m.injector.ResetBaseline(sessionID); err != nil {
		log.Printf("relay: handback %s: %v", sessionID, err)
	}

	threadID := sess.RelayChannelID
	updates := map[string]any{
		"relay_status":     "",
		"relay_channel_id": "",
		"relay_started_at": nil,
	}
	if err := m.db.Model(&models.Session{}).Where("id = ?", sessionID).Updates(updates).Error; err != nil {
		return fmt.Errorf("relay: handback %s: clear state: %w", sessionID, err)
	}
	m.db.Where("session_id = ?", sessionID).Delete(&models.RelayMessage{})

	m.emit(ctx, "escalation.resolved", map[string]any{
		"session_id": sessionID,
		"thread_id":  threadID,
	})
	return nil
}

// compileContext renders the relay window chronologically with role labels.
func compileContext(msgs []models.RelayMessage) string {
	var b strings.Builder
	b.WriteString("The following help-desk conversation took place while you were paused. ")
	b.WriteString("Resume assisting the customer with this context:\n\n")
	for _, msg := range msgs {
		label := "Customer"
		if msg.Role == RoleAdmin {
			label = "Admin"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", label, msg.UserName, msg.Content)
	}
	return b.String()
}

func (m *Manager) activeSession(sessionID string) (*models.Session, error) {
	var sess models.Session
	if err := m.db.First(&sess, "id = ?", sessionID).Error; err != nil {
		return nil, fmt.Errorf("relay: session %s: %w", sessionID, err)
	}
	if !sess.RelayActive() {
		return nil, ErrRelayInactive
	}
	return &sess, nil
}

func (m *Manager) record(sessionID, role, userName, text string) {
	err := m.db.Create(&models.RelayMessage{
		SessionID: sessionID,
		Role:      role,
		UserName:  userName,
		Content:   text,
		CreatedAt: m.now(),
	}).Error
	if err != nil {
		log.Printf("relay: record message for %s: %v", sessionID, err)
	}
}

func (m *Manager) emit(ctx context.Context, eventType string, payload map[string]any) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.Emit(ctx, eventType, payload); err != nil {
		log.Printf("relay: emit %s: %v", eventType, err)
	}
}
