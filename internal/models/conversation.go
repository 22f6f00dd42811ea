package models

import "time"

// SessionMessage stores one message of a session's conversation bookkeeping:
// inbound user text and outbound agent summaries. Used for transcript
// projection and resume context across daemon restarts.
type SessionMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;not null;index"`
	Sequence  int    `gorm:"not null"`
	Role      string `gorm:"size:16;not null"` // "user", "agent", "system"
	UserName  string `gorm:"size:64"`
	Adapter   string `gorm:"size:16"` // originating adapter kind, if any
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// TransientMessage tracks a feedback/notice message an adapter has posted
// for a session. It is deleted (best-effort) when the next substantive
// message arrives.
type TransientMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;not null;index"`
	Adapter   string `gorm:"size:16;not null"`
	MessageID string `gorm:"size:128;not null"`
	CreatedAt time.Time
}

// RelayMessage stores one message of an active escalation relay window,
// used to compile the handback context block.
type RelayMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;not null;index"`
	Role      string `gorm:"size:16;not null"` // "admin" or "customer"
	UserName  string `gorm:"size:64"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
