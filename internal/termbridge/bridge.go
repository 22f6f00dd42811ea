package termbridge

import (
	"fmt"

	"github.com/google/uuid"
)

// Signal names accepted by Bridge.Signal.
const (
	SignalInterrupt       = "interrupt"
	SignalDoubleInterrupt = "double-interrupt"
	SignalClear           = "clear"
)

// Bridge manages one tmux session (a single pane) per TeleClaude session.
type Bridge struct {
	tmux Tmux
	cols int
	rows int
}

// Opts holds parameters for creating a Bridge.
type Opts struct {
	Tmux Tmux // defaults to RealTmux
	Cols int  // defaults to 200
	Rows int  // defaults to 50
}

// New creates a Bridge.
func New(opts Opts) *Bridge {
	t := opts.Tmux
	if t == nil {
		t = RealTmux{}
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 200
	}
	if rows <= 0 {
		rows = 50
	}
	return &Bridge{tmux: t, cols: cols, rows: rows}
}

// PaneName derives the tmux session name for a TeleClaude session id.
func PaneName(sessionID string) string {
	return "tc-" + sessionID
}

// EnsurePane creates the pane for a session if absent. Idempotent.
func (b *Bridge) EnsurePane(sessionID, projectDir string) error {
	name := PaneName(sessionID)
	if b.tmux.SessionExists(name) {
		return nil
	}
	if err := b.tmux.CreateSession(name, projectDir, b.cols, b.rows); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// SendText injects text into the session's pane. When appendMarker is true
// and the pane's foreground process is a ready shell (and the text does not
// itself start a shell), a completion sentinel is appended; the returned
// nonce is non-empty in that case and can be matched against later captures
// with FindMarker.
func (b *Bridge) SendText(sessionID, text string, appendMarker bool) (nonce string, err error) {
	name := PaneName(sessionID)
	if !b.tmux.SessionExists(name) {
		return "", ErrPaneMissing
	}

	payload := text
	if appendMarker {
		// Introspection failure reads as empty, which defaults to ready.
		current, _ := b.tmux.CurrentCommand(name)
		if ShouldAppendMarker(current, text) {
			nonce = uuid.NewString()
			payload = text + markerEcho(nonce)
		}
	}

	if err := b.tmux.SendKeys(name, payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nonce, nil
}

// Capture returns a snapshot of the pane's visible and scrollback content.
func (b *Bridge) Capture(sessionID string) (string, error) {
	name := PaneName(sessionID)
	if !b.tmux.SessionExists(name) {
		return "", ErrPaneMissing
	}
	out, err := b.tmux.CapturePane(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return out, nil
}

// Signal sends an interrupt, double interrupt, or clear to the pane.
func (b *Bridge) Signal(sessionID, signal string) error {
	name := PaneName(sessionID)
	if !b.tmux.SessionExists(name) {
		return ErrPaneMissing
	}
	var err error
	switch signal {
	case SignalInterrupt:
		err = b.tmux.SendRaw(name, "C-c")
	case SignalDoubleInterrupt:
		if err = b.tmux.SendRaw(name, "C-c"); err == nil {
			err = b.tmux.SendRaw(name, "C-c")
		}
	case SignalClear:
		err = b.tmux.SendRaw(name, "C-l")
	default:
		return fmt.Errorf("termbridge: unknown signal %q", signal)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Resize resizes the session's pane window.
func (b *Bridge) Resize(sessionID string, cols, rows int) error {
	name := PaneName(sessionID)
	if !b.tmux.SessionExists(name) {
		return ErrPaneMissing
	}
	if err := b.tmux.Resize(name, cols, rows); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// KillPane destroys the session's pane. Missing panes are not an error.
func (b *Bridge) KillPane(sessionID string) error {
	name := PaneName(sessionID)
	if !b.tmux.SessionExists(name) {
		return nil
	}
	if err := b.tmux.KillSession(name); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// CurrentCommand exposes the pane's foreground process name.
func (b *Bridge) CurrentCommand(sessionID string) (string, error) {
	name := PaneName(sessionID)
	if !b.tmux.SessionExists(name) {
		return "", ErrPaneMissing
	}
	return b.tmux.CurrentCommand(name)
}
