package output

import (
	"context"
	"sync"
	"testing"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/termbridge"
)

type fakeCapturer struct {
	mu       sync.Mutex
	content  map[string]string
	missing  map[string]bool
	captures int
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{content: make(map[string]string), missing: make(map[string]bool)}
}

func (f *fakeCapturer) Capture(sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.missing[sessionID] {
		return "", termbridge.ErrPaneMissing
	}
	return f.content[sessionID], nil
}

func (f *fakeCapturer) set(sessionID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[sessionID] = content
}

type fakeSink struct {
	mu     sync.Mutex
	deltas []adapters.Rendering
}

func (f *fakeSink) Broadcast(_ context.Context, _ string, r adapters.Rendering) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, r)
}

func (f *fakeSink) all() []adapters.Rendering {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]adapters.Rendering, len(f.deltas))
	copy(cp, f.deltas)
	return cp
}

func newTestScheduler(t *testing.T, cap Capturer, sink Sink) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerOpts{Bridge: cap, Sink: sink})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestPollOnce_EmitsOnlyNewContent(t *testing.T) {
	cap := newFakeCapturer()
	sink := &fakeSink{}
	s := newTestScheduler(t, cap, sink)
	ctx := context.Background()

	cap.set("s1", "$ claude\nstarting up\n")
	if err := s.pollOnce(ctx, "s1"); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	cap.set("s1", "$ claude\nstarting up\nhello there\n")
	if err := s.pollOnce(ctx, "s1"); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("deltas = %d, want 2", len(got))
	}
	if got[0].Agent != "$ claude\nstarting up\n" {
		t.Errorf("first delta = %q", got[0].Agent)
	}
	if got[1].Agent != "hello there\n" {
		t.Errorf("second delta = %q, want only the appendix", got[1].Agent)
	}
}

func TestPollOnce_NoDeltaNoBroadcast(t *testing.T) {
	cap := newFakeCapturer()
	sink := &fakeSink{}
	s := newTestScheduler(t, cap, sink)
	ctx := context.Background()

	cap.set("s1", "stable content\n")
	s.pollOnce(ctx, "s1")
	s.pollOnce(ctx, "s1")
	s.pollOnce(ctx, "s1")

	if got := sink.all(); len(got) != 1 {
		t.Errorf("deltas = %d, want 1 (unchanged pane stays quiet)", len(got))
	}
}

func TestPollOnce_RewrittenPaneEmitsFullCapture(t *testing.T) {
	cap := newFakeCapturer()
	sink := &fakeSink{}
	s := newTestScheduler(t, cap, sink)
	ctx := context.Background()

	cap.set("s1", "old screen\n")
	s.pollOnce(ctx, "s1")
	cap.set("s1", "fresh screen after clear\n")
	s.pollOnce(ctx, "s1")

	got := sink.all()
	if len(got) != 2 || got[1].Agent != "fresh screen after clear\n" {
		t.Errorf("rewritten pane deltas = %+v", got)
	}
}

func TestResetBaseline_SuppressesInjectionEcho(t *testing.T) {
	cap := newFakeCapturer()
	sink := &fakeSink{}
	s := newTestScheduler(t, cap, sink)
	ctx := context.Background()

	cap.set("s1", "agent output\n")
	s.pollOnce(ctx, "s1")

	// Text injected into the pane echoes back in the capture. Resetting the
	// baseline swallows the echo so the originator does not see it again.
	cap.set("s1", "agent output\n> injected admin message\n")
	if err := s.ResetBaseline("s1"); err != nil {
		t.Fatalf("reset baseline: %v", err)
	}
	s.pollOnce(ctx, "s1")

	if got := sink.all(); len(got) != 1 {
		t.Errorf("deltas = %d, want 1 (echo suppressed)", len(got))
	}
}

func TestPollOnce_MissingPane(t *testing.T) {
	cap := newFakeCapturer()
	cap.missing["s1"] = true
	sink := &fakeSink{}
	s := newTestScheduler(t, cap, sink)

	err := s.pollOnce(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected error for missing pane")
	}
}

func TestWatchUnwatch_BaselineSurvivesRestart(t *testing.T) {
	cap := newFakeCapturer()
	sink := &fakeSink{}
	s := newTestScheduler(t, cap, sink)
	ctx := context.Background()

	cap.set("s1", "existing scrollback\n")
	s.pollOnce(ctx, "s1")

	s.Watch(ctx, "s1")
	if !s.Watching("s1") {
		t.Fatal("session not watched")
	}
	s.Unwatch("s1")
	if s.Watching("s1") {
		t.Fatal("session still watched after unwatch")
	}

	// Re-polling after a restart must not rebroadcast retained scrollback.
	s.pollOnce(ctx, "s1")
	if got := sink.all(); len(got) != 1 {
		t.Errorf("deltas = %d, want 1 (baseline retained)", len(got))
	}

	s.Forget("s1")
	s.pollOnce(ctx, "s1")
	if got := sink.all(); len(got) != 2 {
		t.Errorf("deltas after forget = %d, want 2 (baseline dropped)", len(got))
	}
}
