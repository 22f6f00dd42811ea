//go:build !unittest

package termbridge

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// RealTmux is the production implementation that calls the real tmux binary.
type RealTmux struct{}

func (RealTmux) SessionExists(name string) bool {
	cmd := exec.Command("tmux", "has-session", "-t", name)
	return cmd.Run() == nil
}

func (RealTmux) CreateSession(name, dir string, cols, rows int) error {
	args := []string{"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	cmd := exec.Command("tmux", args...)
	// Unset TMUX so this works when invoked from inside an existing tmux session.
	cmd.Env = envWithoutTMUX()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create tmux session %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// envWithoutTMUX returns the current environment with the TMUX variable removed,
// allowing tmux new-session to work when called from inside an existing session.
func envWithoutTMUX() []string {
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TMUX=") {
			env = append(env, e)
		}
	}
	return env
}

func (RealTmux) KillSession(name string) error {
	cmd := exec.Command("tmux", "kill-session", "-t", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("kill tmux session %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (RealTmux) SendKeys(name, text string) error {
	cmd := exec.Command("tmux", "send-keys", "-t", name, text, "Enter")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("send keys to %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (RealTmux) SendRaw(name, keys string) error {
	cmd := exec.Command("tmux", "send-keys", "-t", name, keys)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("send raw keys to %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (RealTmux) CapturePane(name string) (string, error) {
	cmd := exec.Command("tmux", "capture-pane", "-t", name, "-p", "-S", "-")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("capture pane %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func (RealTmux) CurrentCommand(name string) (string, error) {
	cmd := exec.Command("tmux", "display-message", "-t", name, "-p", "#{pane_current_command}")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("current command of %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (RealTmux) Resize(name string, cols, rows int) error {
	cmd := exec.Command("tmux", "resize-window", "-t", name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("resize %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}
