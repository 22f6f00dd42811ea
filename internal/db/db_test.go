package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/InstruktAI/teleclaude/internal/models"
)

func TestConnectAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "teleclaude.db")
	conn, err := Connect(path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := models.Session{
		ID:             "s-1",
		Computer:       "alpha",
		PaneName:       "tc-s-1",
		ProjectDir:     "/tmp/proj",
		Agent:          models.AgentClaude,
		Status:         models.SessionActive,
		LastActivityAt: time.Now(),
	}
	s.SetAdapters([]string{"rest"})
	if err := conn.Create(&s).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}

	var got models.Session
	if err := conn.First(&got, "id = ?", "s-1").Error; err != nil {
		t.Fatalf("read session: %v", err)
	}
	if got.Computer != "alpha" || !got.HasAdapter("rest") {
		t.Errorf("session round-trip mismatch: %+v", got)
	}
}
