// Package termbridge manages one persistent tmux pane per session and the
// exit-marker completion protocol.
package termbridge

import "errors"

// Classified failures. ErrPaneMissing is recoverable (recreate and resume);
// ErrTransport is fatal for the operation but the session stays alive.
var (
	ErrPaneMissing = errors.New("termbridge: pane missing")
	ErrTransport   = errors.New("termbridge: tmux transport failure")
)

// Tmux abstracts the tmux binary, enabling test mocks.
type Tmux interface {
	// SessionExists reports whether a tmux session with the given name exists.
	SessionExists(name string) bool

	// CreateSession creates a detached tmux session sized cols x rows, with
	// the given working directory.
	CreateSession(name, dir string, cols, rows int) error

	// KillSession destroys the tmux session.
	KillSession(name string) error

	// SendKeys injects text into the session's pane followed by Enter.
	SendKeys(name, text string) error

	// SendRaw injects a raw key chord (e.g. "C-c") without Enter.
	SendRaw(name, keys string) error

	// CapturePane returns the visible plus scrollback content of the pane.
	CapturePane(name string) (string, error)

	// CurrentCommand returns the pane's foreground process name
	// (#{pane_current_command}).
	CurrentCommand(name string) (string, error)

	// Resize resizes the session's window to cols x rows.
	Resize(name string, cols, rows int) error
}
