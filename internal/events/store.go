package events

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Human status axis.
const (
	HumanUnseen = "unseen"
	HumanSeen   = "seen"
)

// Agent status axis.
const (
	AgentNone       = "none"
	AgentClaimed    = "claimed"
	AgentInProgress = "in_progress"
	AgentResolved   = "resolved"
)

// ErrNotificationNotFound indicates an unknown notification id or group key.
var ErrNotificationNotFound = errors.New("events: notification not found")

// Notification is a mutable projection of an envelope group. The two
// status axes advance independently.
type Notification struct {
	ID uint `gorm:"primaryKey" json:"id"`

	EventType  string `gorm:"size:128;not null;index" json:"event_type"`
	Version    int    `json:"version"`
	Source     string `gorm:"size:128" json:"source"`
	Level      int    `gorm:"index" json:"level"`
	Domain     string `gorm:"size:64;index" json:"domain"`
	Visibility string `gorm:"size:16;index" json:"visibility"`
	Entity     string `gorm:"size:256" json:"entity,omitempty"`

	Description string `gorm:"type:text" json:"description"`
	Payload     string `gorm:"type:text" json:"payload,omitempty"`

	IdempotencyKey string `gorm:"size:512;uniqueIndex" json:"idempotency_key,omitempty"`
	GroupKey       string `gorm:"size:512;index" json:"group_key,omitempty"`

	HumanStatus string `gorm:"size:8;default:unseen;index" json:"human_status"`
	AgentStatus string `gorm:"size:16;default:none;index" json:"agent_status"`
	AgentID     string `gorm:"size:128" json:"agent_id,omitempty"`
	Resolution  string `gorm:"type:text" json:"resolution,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	SeenAt     *time.Time `json:"seen_at,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Store persists notifications in the events database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store and migrates its table.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("events: store: db is required")
	}
	if err := db.AutoMigrate(&Notification{}); err != nil {
		return nil, fmt.Errorf("events: store: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Insert creates a notification row.
func (s *Store) Insert(n *Notification) error {
	if n.HumanStatus == "" {
		n.HumanStatus = HumanUnseen
	}
	if n.AgentStatus == "" {
		n.AgentStatus = AgentNone
	}
	if err := s.db.Create(n).Error; err != nil {
		return fmt.Errorf("events: insert notification: %w", err)
	}
	return nil
}

// Get returns a notification by id.
func (s *Store) Get(id uint) (*Notification, error) {
	var n Notification
	if err := s.db.First(&n, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotificationNotFound
		}
		return nil, fmt.Errorf("events: get notification %d: %w", id, err)
	}
	return &n, nil
}

// FindByIdempotencyKey returns the row holding key, or nil when absent.
func (s *Store) FindByIdempotencyKey(key string) (*Notification, error) {
	var n Notification
	err := s.db.First(&n, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: find by idempotency key: %w", err)
	}
	return &n, nil
}

// FindByGroupKey returns the most recent row for a lifecycle group, or nil.
func (s *Store) FindByGroupKey(key string) (*Notification, error) {
	var n Notification
	err := s.db.Where("group_key = ?", key).Order("id desc").First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: find by group key: %w", err)
	}
	return &n, nil
}

// Update persists changed fields of a notification row.
func (s *Store) Update(n *Notification) error {
	if err := s.db.Save(n).Error; err != nil {
		return fmt.Errorf("events: update notification %d: %w", n.ID, err)
	}
	return nil
}

// MarkSeen flips the human axis. unseen=true reverts to unseen.
func (s *Store) MarkSeen(id uint, unseen bool) (*Notification, error) {
	n, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if unseen {
		n.HumanStatus = HumanUnseen
		n.SeenAt = nil
	} else {
		n.HumanStatus = HumanSeen
		now := s.now()
		n.SeenAt = &now
	}
	return n, s.Update(n)
}

// Claim advances the agent axis from none to claimed. claimed_at is set
// only on this first transition; re-claims by the same agent are no-ops
// and claims on already-claimed rows fail.
func (s *Store) Claim(id uint, agentID string) (*Notification, error) {
	n, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if n.AgentStatus != AgentNone {
		if n.AgentID == agentID {
			return n, nil
		}
		return nil, fmt.Errorf("events: notification %d already %s by %s", id, n.AgentStatus, n.AgentID)
	}
	now := s.now()
	n.AgentStatus = AgentClaimed
	n.AgentID = agentID
	n.ClaimedAt = &now
	return n, s.Update(n)
}

// SetAgentStatus moves the agent axis to an explicit status. claimed_at is
// never touched here; only the none-to-claimed transition in Claim sets it.
func (s *Store) SetAgentStatus(id uint, status, agentID string) (*Notification, error) {
	switch status {
	case AgentClaimed, AgentInProgress, AgentResolved:
	default:
		return nil, fmt.Errorf("events: invalid agent status %q", status)
	}
	n, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if n.AgentStatus == AgentNone && status == AgentClaimed {
		return s.Claim(id, agentID)
	}
	n.AgentStatus = status
	if agentID != "" {
		n.AgentID = agentID
	}
	if status == AgentResolved && n.ResolvedAt == nil {
		now := s.now()
		n.ResolvedAt = &now
	}
	return n, s.Update(n)
}

// Resolve marks a row resolved with a resolution blob.
func (s *Store) Resolve(id uint, resolution string) (*Notification, error) {
	n, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	n.AgentStatus = AgentResolved
	n.Resolution = resolution
	if n.ResolvedAt == nil {
		now := s.now()
		n.ResolvedAt = &now
	}
	return n, s.Update(n)
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Level       *int
	Domain      string
	HumanStatus string
	AgentStatus string
	Visibility  string
	Since       *time.Time
	Limit       int
	Offset      int
}

// List returns notifications newest-first.
func (s *Store) List(f ListFilter) ([]Notification, error) {
	q := s.db.Model(&Notification{}).Order("id desc")
	if f.Level != nil {
		q = q.Where("level = ?", *f.Level)
	}
	if f.Domain != "" {
		q = q.Where("domain = ?", f.Domain)
	}
	if f.HumanStatus != "" {
		q = q.Where("human_status = ?", f.HumanStatus)
	}
	if f.AgentStatus != "" {
		q = q.Where("agent_status = ?", f.AgentStatus)
	}
	if f.Visibility != "" {
		q = q.Where("visibility = ?", f.Visibility)
	}
	if f.Since != nil {
		q = q.Where("created_at >= ?", *f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q = q.Limit(limit).Offset(f.Offset)

	var out []Notification
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("events: list notifications: %w", err)
	}
	return out, nil
}
