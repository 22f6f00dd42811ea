// Package session owns session lifecycle: creation, lookup, resume,
// soft-close, idle compaction, sticky pins, and inactivity sweeps.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/InstruktAI/teleclaude/internal/models"
	"github.com/InstruktAI/teleclaude/internal/termbridge"
)

// Resume lookup kinds.
const (
	ResumeByInternalID   = "by-internal-id"
	ResumeByNativeClaude = "by-native-claude"
	ResumeByNativeGemini = "by-native-gemini"
	ResumeByNativeCodex  = "by-native-codex"
)

var (
	// ErrNotFound indicates an unknown session id or native handle.
	ErrNotFound = errors.New("session: not found")
	// ErrNested indicates a recursive top-level operation inside an
	// active relay or AI-to-AI chain.
	ErrNested = errors.New("session: nested operation rejected")
)

// Pane is the terminal surface the manager provisions sessions on.
// *termbridge.Bridge satisfies it.
type Pane interface {
	EnsurePane(sessionID, projectDir string) error
	SendText(sessionID, text string, appendMarker bool) (string, error)
	KillPane(sessionID string) error
}

// Watcher is the output pipeline hook for session lifecycle.
// *output.Scheduler satisfies it.
type Watcher interface {
	Watch(ctx context.Context, sessionID string)
	Forget(sessionID string)
}

// Emitter publishes platform events. Optional.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any) error
}

// RemoteResolver looks a session up on peers when it is absent locally.
// Optional; wired to the mesh transport.
type RemoteResolver func(ctx context.Context, kind, key string) (*models.Session, error)

// Manager coordinates the session table, panes, and the output pipeline.
type Manager struct {
	db      *gorm.DB
	pane    Pane
	watcher Watcher
	emitter Emitter
	remote  RemoteResolver

	machine     string
	idleTimeout time.Duration
	customerTTL time.Duration
	stickyCap   int

	now func() time.Time
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	DB          *gorm.DB
	Pane        Pane
	Watcher     Watcher        // optional
	Emitter     Emitter        // optional
	Remote      RemoteResolver // optional
	Machine     string
	IdleTimeout time.Duration // defaults to 30m
	CustomerTTL time.Duration // defaults to 72h
	StickyCap   int           // defaults to 5
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: manager: db is required")
	}
	if opts.Pane == nil {
		return nil, fmt.Errorf("session: manager: pane is required")
	}
	if opts.Machine == "" {
		return nil, fmt.Errorf("session: manager: machine name is required")
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	customerTTL := opts.CustomerTTL
	if customerTTL <= 0 {
		customerTTL = 72 * time.Hour
	}
	stickyCap := opts.StickyCap
	if stickyCap <= 0 {
		stickyCap = 5
	}
	return &Manager{
		db:          opts.DB,
		pane:        opts.Pane,
		watcher:     opts.Watcher,
		emitter:     opts.Emitter,
		remote:      opts.Remote,
		machine:     opts.Machine,
		idleTimeout: idle,
		customerTTL: customerTTL,
		stickyCap:   stickyCap,
		now:         time.Now,
	}, nil
}

// CreateOpts holds parameters for Create.
type CreateOpts struct {
	ProjectDir      string
	Agent           string
	Thinking        string
	Title           string
	AdapterTypes    []string
	AdapterMeta     map[string]any
	HumanRole       string
	HumanEmail      string
	IdentityKey     string
	InitiatorID     string // session that started this one, for AI-to-AI nesting
	NativeSessionID string // resume an external continuation
}

// Create provisions a pane, launches the agent CLI in it, persists the row,
// and starts the output poller.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*models.Session, error) {
	if opts.ProjectDir == "" {
		return nil, fmt.Errorf("session: create: project dir is required")
	}
	if !ValidAgent(opts.Agent) {
		return nil, fmt.Errorf("session: create: unknown agent %q", opts.Agent)
	}
	if opts.Thinking != "" && !ValidThinking(opts.Thinking) {
		return nil, fmt.Errorf("session: create: unknown thinking mode %q", opts.Thinking)
	}
	if len(opts.AdapterTypes) == 0 {
		return nil, fmt.Errorf("session: create: at least one adapter binding is required")
	}
	if err := m.checkNesting(opts.InitiatorID); err != nil {
		return nil, err
	}

	role := opts.HumanRole
	if role == "" {
		role = models.RoleAdmin
	}

	id := uuid.NewString()
	sess := &models.Session{
		ID:                 id,
		Computer:           m.machine,
		PaneName:           termbridge.PaneName(id),
		ProjectDir:         opts.ProjectDir,
		Agent:              opts.Agent,
		Thinking:           opts.Thinking,
		Title:              opts.Title,
		Status:             models.SessionActive,
		HumanRole:          role,
		HumanEmail:         opts.HumanEmail,
		IdentityKey:        opts.IdentityKey,
		InitiatorSessionID: opts.InitiatorID,
		NativeSessionID:    opts.NativeSessionID,
		CreatedAt:          m.now(),
		LastActivityAt:     m.now(),
	}
	sess.SetAdapters(opts.AdapterTypes)
	for kind, body := range opts.AdapterMeta {
		if err := sess.SetAdapterMetadata(kind, body); err != nil {
			return nil, err
		}
	}

	if err := m.pane.EnsurePane(id, opts.ProjectDir); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	cmd, err := LaunchCommand(opts.Agent, opts.Thinking, opts.NativeSessionID)
	if err != nil {
		m.pane.KillPane(id)
		return nil, err
	}
	if _, err := m.pane.SendText(id, cmd, false); err != nil {
		m.pane.KillPane(id)
		return nil, fmt.Errorf("session: create: launch agent: %w", err)
	}

	if err := m.db.Create(sess).Error; err != nil {
		m.pane.KillPane(id)
		return nil, fmt.Errorf("session: create: persist: %w", err)
	}

	if m.watcher != nil {
		m.watcher.Watch(ctx, id)
	}
	m.emit(ctx, "session.created", map[string]any{
		"session_id": id, "computer": m.machine, "agent": opts.Agent,
		"project_dir": opts.ProjectDir, "human_role": role,
	})
	return sess, nil
}

// checkNesting rejects creation initiated from a session that is itself
// nested or currently diverted to a relay.
func (m *Manager) checkNesting(initiatorID string) error {
	if initiatorID == "" {
		return nil
	}
	var initiator models.Session
	if err := m.db.First(&initiator, "id = ?", initiatorID).Error; err != nil {
		return fmt.Errorf("session: create: initiator %s: %w", initiatorID, ErrNotFound)
	}
	if initiator.RelayActive() || initiator.InitiatorSessionID != "" {
		return ErrNested
	}
	return nil
}

// Get returns a session by internal id.
func (m *Manager) Get(id string) (*models.Session, error) {
	var sess models.Session
	if err := m.db.First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return &sess, nil
}

// List returns active sessions, optionally filtered by computer.
func (m *Manager) List(computer string) ([]models.Session, error) {
	q := m.db.Where("status <> ?", models.SessionClosed).Order("last_activity_at desc")
	if computer != "" {
		q = q.Where("computer = ?", computer)
	}
	var out []models.Session
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return out, nil
}

// Resume finds an existing session by internal id or native agent handle.
// Local lookup first, then the cross-machine resolver. For native kinds, a
// miss creates a fresh session that resumes the external continuation.
func (m *Manager) Resume(ctx context.Context, kind, key string, create CreateOpts) (*models.Session, error) {
	var sess models.Session
	var err error
	switch kind {
	case ResumeByInternalID:
		err = m.db.First(&sess, "id = ?", key).Error
	case ResumeByNativeClaude:
		err = m.db.First(&sess, "native_session_id = ? AND agent = ?", key, models.AgentClaude).Error
	case ResumeByNativeGemini:
		err = m.db.First(&sess, "native_session_id = ? AND agent = ?", key, models.AgentGemini).Error
	case ResumeByNativeCodex:
		err = m.db.First(&sess, "native_session_id = ? AND agent = ?", key, models.AgentCodex).Error
	default:
		return nil, fmt.Errorf("session: resume: unknown kind %q", kind)
	}
	if err == nil {
		return m.reactivate(ctx, &sess)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session: resume %s %s: %w", kind, key, err)
	}

	if m.remote != nil {
		if remote, rerr := m.remote(ctx, kind, key); rerr == nil && remote != nil {
			return remote, nil
		}
	}

	if kind == ResumeByInternalID {
		return nil, ErrNotFound
	}
	create.NativeSessionID = key
	if create.Agent == "" {
		create.Agent = agentForResumeKind(kind)
	}
	return m.Create(ctx, create)
}

func agentForResumeKind(kind string) string {
	switch kind {
	case ResumeByNativeGemini:
		return models.AgentGemini
	case ResumeByNativeCodex:
		return models.AgentCodex
	default:
		return models.AgentClaude
	}
}

// reactivate brings a found session back to active: recreate a missing pane
// (resuming the native continuation when one exists) and restart polling.
func (m *Manager) reactivate(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess.Status == models.SessionClosed || sess.Status == models.SessionIdleCompacted {
		if err := m.pane.EnsurePane(sess.ID, sess.ProjectDir); err != nil {
			return nil, fmt.Errorf("session: resume %s: %w", sess.ID, err)
		}
		cmd, err := LaunchCommand(sess.Agent, sess.Thinking, sess.NativeSessionID)
		if err != nil {
			return nil, err
		}
		if _, err := m.pane.SendText(sess.ID, cmd, false); err != nil {
			return nil, fmt.Errorf("session: resume %s: relaunch agent: %w", sess.ID, err)
		}
		updates := map[string]any{"status": models.SessionActive, "last_activity_at": m.now()}
		if err := m.db.Model(sess).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("session: resume %s: %w", sess.ID, err)
		}
		sess.Status = models.SessionActive
	}
	if m.watcher != nil {
		m.watcher.Watch(ctx, sess.ID)
	}
	return sess, nil
}

// Close soft-closes a session: the pane is killed, the poller dropped, the
// row kept for transcript and resume lookups.
func (m *Manager) Close(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.Status == models.SessionClosed {
		return nil
	}
	if err := m.pane.KillPane(id); err != nil {
		log.Printf("session: close %s: kill pane: %v", id, err)
	}
	if m.watcher != nil {
		m.watcher.Forget(id)
	}
	updates := map[string]any{"status": models.SessionClosed, "last_activity_at": m.now()}
	if err := m.db.Model(&models.Session{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("session: close %s: %w", id, err)
	}
	m.emit(ctx, "session.closed", map[string]any{"session_id": id, "computer": m.machine})
	return nil
}

// Touch advances a session's activity timestamp.
func (m *Manager) Touch(id string) error {
	return m.db.Model(&models.Session{}).Where("id = ?", id).
		Update("last_activity_at", m.now()).Error
}

// SetNativeID records the agent CLI's continuation handle once known.
func (m *Manager) SetNativeID(id, nativeID string) error {
	return m.db.Model(&models.Session{}).Where("id = ?", id).
		Update("native_session_id", nativeID).Error
}

// Stick pins a session. The sticky set is capped; additions past the cap
// are refused without error.
func (m *Manager) Stick(id string) (bool, error) {
	var count int64
	if err := m.db.Model(&models.Session{}).
		Where("sticky = ? AND status <> ?", true, models.SessionClosed).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("session: stick %s: %w", id, err)
	}
	if count >= int64(m.stickyCap) {
		return false, nil
	}
	if err := m.db.Model(&models.Session{}).Where("id = ?", id).
		Update("sticky", true).Error; err != nil {
		return false, fmt.Errorf("session: stick %s: %w", id, err)
	}
	return true, nil
}

// Unstick unpins a session. Removals are always allowed.
func (m *Manager) Unstick(id string) error {
	return m.db.Model(&models.Session{}).Where("id = ?", id).
		Update("sticky", false).Error
}

// Bind adds an adapter to the session's binding set.
func (m *Manager) Bind(id, kind string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	kinds := append(sess.Adapters(), kind)
	sess.SetAdapters(kinds)
	return m.db.Model(&models.Session{}).Where("id = ?", id).
		Update("adapter_types", sess.AdapterTypes).Error
}

// Unbind removes an adapter from the session's binding set. The set must
// stay non-empty while the session is active.
func (m *Manager) Unbind(id, kind string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	kinds := sess.Adapters()
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if k != kind {
			out = append(out, k)
		}
	}
	if len(out) == 0 && sess.Status == models.SessionActive {
		return fmt.Errorf("session: unbind %s: last adapter binding cannot be removed", id)
	}
	sess.SetAdapters(out)
	return m.db.Model(&models.Session{}).Where("id = ?", id).
		Update("adapter_types", sess.AdapterTypes).Error
}

// SetAdapterMeta stores one adapter's private metadata blob for the
// session (Telegram topic id, Discord thread id, Redis stream name).
func (m *Manager) SetAdapterMeta(id, kind string, body any) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := sess.SetAdapterMetadata(kind, body); err != nil {
		return err
	}
	return m.db.Model(&models.Session{}).Where("id = ?", id).
		Update("adapter_meta", sess.AdapterMeta).Error
}

// RecordMessage appends one entry to the session's conversation
// bookkeeping, used for transcript projection and resume context.
func (m *Manager) RecordMessage(id, role, userName, adapter, content string) error {
	var next int64
	m.db.Model(&models.SessionMessage{}).Where("session_id = ?", id).Count(&next)
	err := m.db.Create(&models.SessionMessage{
		SessionID: id,
		Sequence:  int(next) + 1,
		Role:      role,
		UserName:  userName,
		Adapter:   adapter,
		Content:   content,
		CreatedAt: m.now(),
	}).Error
	if err != nil {
		return fmt.Errorf("session: record message for %s: %w", id, err)
	}
	return nil
}

// Transcript returns the session's recorded conversation in order.
func (m *Manager) Transcript(id string) ([]models.SessionMessage, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	var msgs []models.SessionMessage
	if err := m.db.Where("session_id = ?", id).Order("sequence asc").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("session: transcript %s: %w", id, err)
	}
	return msgs, nil
}

// SetSummary stores the turn summary produced on agent stop.
func (m *Manager) SetSummary(id, summary string) error {
	now := m.now()
	err := m.db.Model(&models.Session{}).Where("id = ?", id).Updates(map[string]any{
		"last_summary":    summary,
		"last_summary_at": &now,
	}).Error
	if err != nil {
		return fmt.Errorf("session: set summary %s: %w", id, err)
	}
	return m.RecordMessage(id, "agent", "", "", summary)
}

// SaveUpload writes an inbound file under the session project's uploads
// directory and returns the absolute path for the agent to read.
func (m *Manager) SaveUpload(id, filename string, blob []byte) (string, error) {
	sess, err := m.Get(id)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(sess.ProjectDir, ".teleclaude", "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("session: save upload for %s: %w", id, err)
	}
	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("session: save upload for %s: %w", id, err)
	}
	return path, nil
}

func (m *Manager) emit(ctx context.Context, eventType string, payload map[string]any) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.Emit(ctx, eventType, payload); err != nil {
		log.Printf("session: emit %s: %v", eventType, err)
	}
}
