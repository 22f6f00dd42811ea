// Package models defines the GORM persistence models for TeleClaude.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Session lifecycle statuses.
const (
	SessionActive        = "active"
	SessionClosed        = "closed"
	SessionIdleCompacted = "idle-compacted"
)

// Human roles, ordered from most to least privileged.
const (
	RoleAdmin        = "admin"
	RoleMember       = "member"
	RoleWorker       = "worker"
	RoleContributor  = "contributor"
	RoleNewcomer     = "newcomer"
	RoleCustomer     = "customer"
	RoleUnauthorized = "unauthorized"
)

// Agent variants TeleClaude can run in a pane.
const (
	AgentClaude = "claude"
	AgentGemini = "gemini"
	AgentCodex  = "codex"
)

// Session is a persistent terminal pane running an interactive agent CLI,
// bound to a non-empty set of adapters while active.
type Session struct {
	ID         string `gorm:"primaryKey;size:64"`
	Computer   string `gorm:"size:64;not null;index"`
	PaneName   string `gorm:"size:128;not null"`
	ProjectDir string `gorm:"size:512;not null;index"`
	Agent      string `gorm:"size:16;not null"` // claude, gemini, codex
	Thinking   string `gorm:"size:8"`           // fast, medium, slow, deep
	Title      string `gorm:"size:256"`
	Status     string `gorm:"size:16;default:active;index"`

	// AdapterTypes is a comma-separated ordered set of adapter identifiers
	// (telegram, discord, whatsapp, web, rest, redis). Non-empty while active.
	AdapterTypes string `gorm:"size:128"`
	// AdapterMeta maps adapter identifier to adapter-private JSON
	// (Telegram topic id, Discord thread id, Redis stream name).
	AdapterMeta string `gorm:"type:text"`

	InitiatorSessionID string `gorm:"size:64;index"` // AI-to-AI nesting back-reference
	HumanRole          string `gorm:"size:16;default:admin"`
	HumanEmail         string `gorm:"size:128"`
	IdentityKey        string `gorm:"size:192;index"` // "{platform}:{platform_user_id}"

	// Relay (help-desk escalation diversion) state.
	RelayStatus    string `gorm:"size:16"` // "" or "active"
	RelayChannelID string `gorm:"size:128"`
	RelayStartedAt *time.Time

	// NativeSessionID is the agent CLI's own continuation handle, used to
	// resume with --resume.
	NativeSessionID string `gorm:"size:128;index"`

	LastSummary   string `gorm:"type:text"`
	LastSummaryAt *time.Time

	// Normalized UX state. Unrecognized keys ride along in UXExtras.
	NotificationSent bool   `gorm:"default:false"`
	UXExtras         string `gorm:"type:text"`

	Sticky bool `gorm:"default:false;index"`

	CreatedAt            time.Time
	LastActivityAt       time.Time `gorm:"index"`
	LastMemoryExtraction *time.Time
	HelpDeskProcessedAt  *time.Time
}

// Adapters returns the ordered adapter identifier list.
func (s *Session) Adapters() []string {
	if s.AdapterTypes == "" {
		return nil
	}
	parts := strings.Split(s.AdapterTypes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SetAdapters stores the ordered adapter identifier set, dropping duplicates
// while preserving first-seen order.
func (s *Session) SetAdapters(kinds []string) {
	seen := make(map[string]bool, len(kinds))
	var out []string
	for _, k := range kinds {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	s.AdapterTypes = strings.Join(out, ",")
}

// HasAdapter reports whether kind is in the bound adapter set.
func (s *Session) HasAdapter(kind string) bool {
	for _, k := range s.Adapters() {
		if k == kind {
			return true
		}
	}
	return false
}

// AdapterMetadata decodes the adapter-private metadata map.
func (s *Session) AdapterMetadata() (map[string]json.RawMessage, error) {
	meta := make(map[string]json.RawMessage)
	if s.AdapterMeta == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(s.AdapterMeta), &meta); err != nil {
		return nil, fmt.Errorf("models: session %s adapter metadata: %w", s.ID, err)
	}
	return meta, nil
}

// SetAdapterMetadata stores one adapter's private metadata blob.
func (s *Session) SetAdapterMetadata(kind string, body any) error {
	meta, err := s.AdapterMetadata()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("models: marshal %s metadata: %w", kind, err)
	}
	meta[kind] = raw
	all, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("models: marshal adapter metadata: %w", err)
	}
	s.AdapterMeta = string(all)
	return nil
}

// RelayActive reports whether the session is in help-desk diversion mode.
func (s *Session) RelayActive() bool {
	return s.RelayStatus == "active"
}
