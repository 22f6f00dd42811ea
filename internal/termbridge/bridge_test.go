package termbridge

import (
	"errors"
	"strings"
	"testing"
)

func TestEnsurePane_Idempotent(t *testing.T) {
	mock := newMockTmux()
	b := New(Opts{Tmux: mock})

	if err := b.EnsurePane("s1", "/tmp/proj"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := b.EnsurePane("s1", "/tmp/proj"); err != nil {
		t.Fatalf("ensure twice: %v", err)
	}
	if !mock.SessionExists(PaneName("s1")) {
		t.Fatal("pane not created")
	}
}

func TestSendText_AppendsMarkerWhenShellReady(t *testing.T) {
	mock := newMockTmux()
	b := New(Opts{Tmux: mock})
	b.EnsurePane("s1", "")

	nonce, err := b.SendText("s1", "ls", true)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if nonce == "" {
		t.Fatal("expected a sentinel nonce for a ready shell")
	}
	sent := mock.lastSent(PaneName("s1"))
	if !strings.Contains(sent, "__EXIT__"+nonce+"__") {
		t.Errorf("sent text missing sentinel: %q", sent)
	}

	// Shell echoes the marker with exit code; detection follows.
	mock.echoMarker(PaneName("s1"), nonce, 0)
	capture, err := b.Capture("s1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if code, found := FindMarker(capture, nonce); !found || code != 0 {
		t.Errorf("marker detect = (%d, %v), want (0, true)", code, found)
	}
}

func TestSendText_SkipsMarkerForNestedShell(t *testing.T) {
	mock := newMockTmux()
	b := New(Opts{Tmux: mock})
	b.EnsurePane("s1", "")

	nonce, err := b.SendText("s1", "bash", true)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if nonce != "" {
		t.Error("nested shell must not get a sentinel")
	}
	if sent := mock.lastSent(PaneName("s1")); sent != "bash" {
		t.Errorf("sent = %q, want bare text", sent)
	}
}

func TestSendText_SkipsMarkerWhenPaneBusy(t *testing.T) {
	mock := newMockTmux()
	b := New(Opts{Tmux: mock})
	b.EnsurePane("s1", "")
	mock.setCurrent(PaneName("s1"), "claude")

	nonce, err := b.SendText("s1", "explain this", true)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if nonce != "" {
		t.Error("busy pane must not get a sentinel")
	}
}

func TestSendText_PaneMissing(t *testing.T) {
	b := New(Opts{Tmux: newMockTmux()})
	_, err := b.SendText("ghost", "ls", true)
	if !errors.Is(err, ErrPaneMissing) {
		t.Errorf("err = %v, want ErrPaneMissing", err)
	}
}

func TestSignal(t *testing.T) {
	mock := newMockTmux()
	b := New(Opts{Tmux: mock})
	b.EnsurePane("s1", "")

	if err := b.Signal("s1", SignalInterrupt); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if got := mock.lastSent(PaneName("s1")); got != "C-c" {
		t.Errorf("sent = %q, want C-c", got)
	}
	if err := b.Signal("s1", "bogus"); err == nil {
		t.Error("unknown signal should error")
	}
}

func TestKillPane_MissingIsNoop(t *testing.T) {
	b := New(Opts{Tmux: newMockTmux()})
	if err := b.KillPane("ghost"); err != nil {
		t.Errorf("kill missing pane: %v", err)
	}
}

func TestResize(t *testing.T) {
	mock := newMockTmux()
	b := New(Opts{Tmux: mock})
	b.EnsurePane("s1", "")
	if err := b.Resize("s1", 120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := b.Resize("ghost", 120, 40); !errors.Is(err, ErrPaneMissing) {
		t.Errorf("err = %v, want ErrPaneMissing", err)
	}
}
