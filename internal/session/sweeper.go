package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/InstruktAI/teleclaude/internal/models"
)

// IdleSweep compacts sessions that have been quiet past the idle timeout.
// Admin-tier sessions are compacted and marked idle-compacted; customer
// sessions get the same compaction but are never closed by this sweep.
func (m *Manager) IdleSweep(ctx context.Context) error {
	cutoff := m.now().Add(-m.idleTimeout)
	var idle []models.Session
	err := m.db.
		Where("status = ? AND last_activity_at < ? AND sticky = ?",
			models.SessionActive, cutoff, false).
		Find(&idle).Error
	if err != nil {
		return fmt.Errorf("session: idle sweep: %w", err)
	}

	for i := range idle {
		sess := &idle[i]
		if err := m.compact(ctx, sess); err != nil {
			log.Printf("session: idle compact %s: %v", sess.ID, err)
			continue
		}
		if sess.HumanRole == models.RoleCustomer {
			// Customers keep their session; only the 72h sweep ends it.
			m.Touch(sess.ID)
			continue
		}
		updates := map[string]any{
			"status":           models.SessionIdleCompacted,
			"last_activity_at": m.now(),
		}
		if err := m.db.Model(sess).Updates(updates).Error; err != nil {
			log.Printf("session: idle sweep %s: %v", sess.ID, err)
		}
	}
	return nil
}

// compact asks for a memory extraction, then tells the agent CLI to
// compact its own context.
func (m *Manager) compact(ctx context.Context, sess *models.Session) error {
	m.emit(ctx, "memory.extraction_requested", map[string]any{
		"session_id":   sess.ID,
		"identity_key": sess.IdentityKey,
		"project_dir":  sess.ProjectDir,
	})
	if _, err := m.pane.SendText(sess.ID, "/compact", false); err != nil {
		return err
	}
	now := m.now()
	return m.db.Model(sess).Update("last_memory_extraction", &now).Error
}

// CustomerSweep closes customer sessions inactive past the retention TTL.
func (m *Manager) CustomerSweep(ctx context.Context) error {
	cutoff := m.now().Add(-m.customerTTL)
	var stale []models.Session
	err := m.db.
		Where("status <> ? AND human_role = ? AND last_activity_at < ?",
			models.SessionClosed, models.RoleCustomer, cutoff).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("session: customer sweep: %w", err)
	}
	for i := range stale {
		if err := m.Close(ctx, stale[i].ID); err != nil {
			log.Printf("session: customer sweep close %s: %v", stale[i].ID, err)
		}
	}
	return nil
}

// Sweeper runs the periodic lifecycle sweeps on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
}

// StartSweeper schedules the idle sweep every minute and the customer
// retention sweep hourly, then starts the scheduler.
func StartSweeper(ctx context.Context, m *Manager) (*Sweeper, error) {
	c := cron.New()
	if _, err := c.AddFunc("* * * * *", func() {
		if err := m.IdleSweep(ctx); err != nil {
			log.Printf("session: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("session: schedule idle sweep: %w", err)
	}
	if _, err := c.AddFunc("@hourly", func() {
		if err := m.CustomerSweep(ctx); err != nil {
			log.Printf("session: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("session: schedule customer sweep: %w", err)
	}
	c.Start()
	return &Sweeper{cron: c}, nil
}

// Stop halts the sweeps, waiting for any running sweep to finish.
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
	}
}
