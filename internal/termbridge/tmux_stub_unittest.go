//go:build unittest

package termbridge

// RealTmux is a no-op stub used during unit testing (build tag: unittest).
// The real implementation is in tmux_real.go.
type RealTmux struct{}

func (RealTmux) SessionExists(name string) bool                       { return false }
func (RealTmux) CreateSession(name, dir string, cols, rows int) error { return nil }
func (RealTmux) KillSession(name string) error                        { return nil }
func (RealTmux) SendKeys(name, text string) error                     { return nil }
func (RealTmux) SendRaw(name, keys string) error                      { return nil }
func (RealTmux) CapturePane(name string) (string, error)              { return "", nil }
func (RealTmux) CurrentCommand(name string) (string, error)           { return "", nil }
func (RealTmux) Resize(name string, cols, rows int) error             { return nil }
