package events

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openEventsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(openEventsTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestStore_ClaimSetsClaimedAtOnce(t *testing.T) {
	s := newTestStore(t)
	n := &Notification{EventType: "escalation.raised", Level: LevelBusiness}
	if err := s.Insert(n); err != nil {
		t.Fatalf("insert: %v", err)
	}

	claimed, err := s.Claim(n.ID, "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.AgentStatus != AgentClaimed || claimed.ClaimedAt == nil {
		t.Fatalf("after claim: %+v", claimed)
	}
	firstClaim := *claimed.ClaimedAt

	// Advancing through the axis leaves claimed_at untouched.
	time.Sleep(5 * time.Millisecond)
	inProgress, err := s.SetAgentStatus(n.ID, AgentInProgress, "agent-1")
	if err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	if !inProgress.ClaimedAt.Equal(firstClaim) {
		t.Error("claimed_at changed on claimed -> in_progress")
	}
	resolved, err := s.SetAgentStatus(n.ID, AgentResolved, "agent-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.ClaimedAt.Equal(firstClaim) {
		t.Error("claimed_at changed on in_progress -> resolved")
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved_at not stamped")
	}
}

func TestStore_ClaimConflicts(t *testing.T) {
	s := newTestStore(t)
	n := &Notification{EventType: "escalation.raised"}
	s.Insert(n)
	s.Claim(n.ID, "agent-1")

	// Same agent re-claiming is a no-op.
	if _, err := s.Claim(n.ID, "agent-1"); err != nil {
		t.Errorf("re-claim by owner: %v", err)
	}
	// A different agent cannot steal the claim.
	if _, err := s.Claim(n.ID, "agent-2"); err == nil {
		t.Error("claim stolen by second agent")
	}
}

func TestStore_HumanAxisIndependent(t *testing.T) {
	s := newTestStore(t)
	n := &Notification{EventType: "session.created"}
	s.Insert(n)
	s.Claim(n.ID, "agent-1")

	seen, err := s.MarkSeen(n.ID, false)
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if seen.HumanStatus != HumanSeen || seen.SeenAt == nil {
		t.Errorf("after seen: %+v", seen)
	}
	if seen.AgentStatus != AgentClaimed {
		t.Error("human axis disturbed the agent axis")
	}

	unseen, _ := s.MarkSeen(n.ID, true)
	if unseen.HumanStatus != HumanUnseen || unseen.SeenAt != nil {
		t.Errorf("after unseen: %+v", unseen)
	}
}

func TestStore_IdempotencyKeyUnique(t *testing.T) {
	s := newTestStore(t)
	if err := s.Insert(&Notification{EventType: "session.created", IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(&Notification{EventType: "session.created", IdempotencyKey: "k1"}); err == nil {
		t.Error("duplicate idempotency key accepted")
	}
}

func TestStore_ListFilters(t *testing.T) {
	s := newTestStore(t)
	s.Insert(&Notification{EventType: "a", Level: LevelWorkflow, Domain: "helpdesk"})
	s.Insert(&Notification{EventType: "b", Level: LevelInfrastructure, Domain: "jobs"})
	s.Insert(&Notification{EventType: "c", Level: LevelWorkflow, Domain: "helpdesk"})

	lvl := LevelWorkflow
	got, err := s.List(ListFilter{Level: &lvl, Domain: "helpdesk"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("filtered list = %d rows, want 2", len(got))
	}
	// Newest first.
	if got[0].EventType != "c" {
		t.Errorf("order: first = %s", got[0].EventType)
	}
}

func TestStore_SetAgentStatusValidation(t *testing.T) {
	s := newTestStore(t)
	n := &Notification{EventType: "a"}
	s.Insert(n)
	if _, err := s.SetAgentStatus(n.ID, "bogus", ""); err == nil {
		t.Error("invalid agent status accepted")
	}
}
