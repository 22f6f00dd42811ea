package termbridge

import (
	"fmt"
	"strings"
	"sync"
)

// mockTmux is an in-memory Tmux for tests. Sent keys append to the pane
// content; the current foreground command is settable per session.
type mockTmux struct {
	mu       sync.Mutex
	sessions map[string]*mockPane
	failAll  bool
}

type mockPane struct {
	content string
	current string
	sent    []string
	cols    int
	rows    int
}

func newMockTmux() *mockTmux {
	return &mockTmux{sessions: make(map[string]*mockPane)}
}

func (m *mockTmux) SessionExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	return ok
}

func (m *mockTmux) CreateSession(name, dir string, cols, rows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return fmt.Errorf("tmux unavailable")
	}
	m.sessions[name] = &mockPane{current: "bash", cols: cols, rows: rows}
	return nil
}

func (m *mockTmux) KillSession(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, name)
	return nil
}

func (m *mockTmux) SendKeys(name, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[name]
	if !ok {
		return fmt.Errorf("no session %q", name)
	}
	p.sent = append(p.sent, text)
	p.content += text + "\n"
	return nil
}

func (m *mockTmux) SendRaw(name, keys string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[name]
	if !ok {
		return fmt.Errorf("no session %q", name)
	}
	p.sent = append(p.sent, keys)
	return nil
}

func (m *mockTmux) CapturePane(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[name]
	if !ok {
		return "", fmt.Errorf("no session %q", name)
	}
	return p.content, nil
}

func (m *mockTmux) CurrentCommand(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[name]
	if !ok {
		return "", fmt.Errorf("no session %q", name)
	}
	return p.current, nil
}

func (m *mockTmux) Resize(name string, cols, rows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[name]
	if !ok {
		return fmt.Errorf("no session %q", name)
	}
	p.cols, p.rows = cols, rows
	return nil
}

func (m *mockTmux) setCurrent(name, cmd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.sessions[name]; ok {
		p.current = cmd
	}
}

func (m *mockTmux) appendContent(name, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.sessions[name]; ok {
		p.content += text
	}
}

func (m *mockTmux) lastSent(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[name]
	if !ok || len(p.sent) == 0 {
		return ""
	}
	return p.sent[len(p.sent)-1]
}

// echoMarker simulates the shell echoing a sent sentinel with exit code.
func (m *mockTmux) echoMarker(name, nonce string, code int) {
	m.appendContent(name, strings.ReplaceAll(Marker(nonce), "$?", fmt.Sprint(code))+"\n")
}
