package toolserver

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/commands"
	"github.com/InstruktAI/teleclaude/internal/mesh"
	"github.com/InstruktAI/teleclaude/internal/models"
	"github.com/InstruktAI/teleclaude/internal/session"
	"github.com/InstruktAI/teleclaude/internal/termbridge"
)

type stubBridge struct {
	panes map[string]bool
	sent  map[string][]string
}

func newStubBridge() *stubBridge {
	return &stubBridge{panes: make(map[string]bool), sent: make(map[string][]string)}
}

func (f *stubBridge) EnsurePane(sessionID, _ string) error {
	f.panes[sessionID] = true
	return nil
}

func (f *stubBridge) SendText(sessionID, text string, _ bool) (string, error) {
	if !f.panes[sessionID] {
		return "", termbridge.ErrPaneMissing
	}
	f.sent[sessionID] = append(f.sent[sessionID], text)
	return "", nil
}

func (f *stubBridge) KillPane(sessionID string) error { delete(f.panes, sessionID); return nil }

func (f *stubBridge) Signal(string, string) error       { return nil }
func (f *stubBridge) Resize(string, int, int) error     { return nil }
func (f *stubBridge) ResetBaseline(string) error        { return nil }

type stubDispatcher struct {
	calls []string
	env   adapters.Envelope
	err   error
}

func (f *stubDispatcher) Send(_ context.Context, target string, cmd mesh.Command) (adapters.Envelope, error) {
	f.calls = append(f.calls, target+":"+cmd.Operation)
	return f.env, f.err
}

func newTestServer(t *testing.T) (*Server, *session.Manager, *stubBridge, *stubDispatcher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Session{}, &models.SessionMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bridge := newStubBridge()
	mgr, err := session.NewManager(session.ManagerOpts{DB: db, Pane: bridge, Machine: "alpha"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h, err := commands.New(commands.Opts{Sessions: mgr, Bridge: bridge, Baseline: bridge})
	if err != nil {
		t.Fatalf("new handlers: %v", err)
	}
	registry := mesh.NewRegistry("alpha", "ops", "alpha.local", "/usr/bin/teleclaude", 30*time.Second)
	dispatcher := &stubDispatcher{env: adapters.OK(nil)}
	srv, err := New(Opts{
		SocketPath: filepath.Join(t.TempDir(), "tools.sock"),
		Machine:    "alpha",
		Sessions:   mgr,
		Handlers:   h.AdapterHandlers(),
		Registry:   registry,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, mgr, bridge, dispatcher
}

func startSession(t *testing.T, mgr *session.Manager, role string) string {
	t.Helper()
	sess, err := mgr.Create(context.Background(), session.CreateOpts{
		ProjectDir:   "/work/p",
		Agent:        models.AgentClaude,
		AdapterTypes: []string{adapters.KindRedis, adapters.KindTelegram},
		HumanRole:    role,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess.ID
}

func TestRoleGating(t *testing.T) {
	cases := []struct {
		role string
		tool string
		want bool
	}{
		{models.RoleAdmin, ToolDeploy, true},
		{models.RoleAdmin, ToolEscalate, false},
		{models.RoleCustomer, ToolEscalate, true},
		{models.RoleCustomer, ToolSendMessage, true},
		{models.RoleCustomer, ToolStopNotifications, true},
		{models.RoleCustomer, ToolListComputers, false},
		{models.RoleCustomer, ToolStartSession, false},
		{models.RoleCustomer, ToolDeploy, false},
		{models.RoleCustomer, ToolStick, false},
		{models.RoleMember, ToolStartSession, true},
		{models.RoleMember, ToolStick, true},
		{models.RoleMember, ToolDeploy, false},
		{models.RoleContributor, ToolStick, false},
		{models.RoleUnauthorized, ToolListSessions, false},
		{"made-up-role", ToolSendMessage, false},
	}
	for _, c := range cases {
		if got := Allowed(c.role, c.tool); got != c.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", c.role, c.tool, got, c.want)
		}
	}
}

func TestHandle_GatedToolLooksUnknown(t *testing.T) {
	srv, mgr, _, _ := newTestServer(t)
	customer := startSession(t, mgr, models.RoleCustomer)

	env := srv.Handle(context.Background(), Request{
		Tool:            ToolListComputers,
		CallerSessionID: customer,
	})
	if env.Success() {
		t.Error("customer saw list_computers")
	}
	// The refusal is indistinguishable from a nonexistent tool.
	if env.Error != fmt.Sprintf("unknown tool %q", ToolListComputers) {
		t.Errorf("error = %q", env.Error)
	}
}

func TestHandle_ListComputersAndSessions(t *testing.T) {
	srv, mgr, _, _ := newTestServer(t)
	startSession(t, mgr, models.RoleAdmin)

	env := srv.Handle(context.Background(), Request{Tool: ToolListComputers})
	if !env.Success() {
		t.Fatalf("list_computers: %+v", env)
	}

	env = srv.Handle(context.Background(), Request{Tool: ToolListSessions})
	if !env.Success() {
		t.Fatalf("list_sessions: %+v", env)
	}
	data := env.Data.(map[string]any)
	if got := data["sessions"].([]models.Session); len(got) != 1 {
		t.Errorf("sessions = %d, want 1", len(got))
	}
}

func TestHandle_StartAndMessageAndData(t *testing.T) {
	srv, _, bridge, _ := newTestServer(t)
	ctx := context.Background()

	env := srv.Handle(ctx, Request{
		Tool: ToolStartSession,
		Args: map[string]string{"project_dir": "/work/p", "agent": "claude"},
	})
	if !env.Success() {
		t.Fatalf("start_session: %+v", env)
	}
	id := env.Data.(map[string]any)["session_id"].(string)

	env = srv.Handle(ctx, Request{
		Tool: ToolSendMessage,
		Args: map[string]string{"session_id": id, "text": "status report please"},
	})
	if !env.Success() {
		t.Fatalf("send_message: %+v", env)
	}
	sent := bridge.sent[id]
	if sent[len(sent)-1] != "status report please" {
		t.Errorf("pane got %v", sent)
	}

	env = srv.Handle(ctx, Request{
		Tool: ToolGetSessionData,
		Args: map[string]string{"session_id": id},
	})
	if !env.Success() {
		t.Fatalf("get_session_data: %+v", env)
	}
	transcript := env.Data.(map[string]any)["transcript"].([]models.SessionMessage)
	if len(transcript) != 1 || transcript[0].Content != "status report please" {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestHandle_StopNotifications(t *testing.T) {
	srv, mgr, _, _ := newTestServer(t)
	id := startSession(t, mgr, models.RoleAdmin)

	env := srv.Handle(context.Background(), Request{
		Tool: ToolStopNotifications,
		Args: map[string]string{"session_id": id},
	})
	if !env.Success() {
		t.Fatalf("stop_notifications: %+v", env)
	}
	sess, _ := mgr.Get(id)
	if sess.HasAdapter(adapters.KindRedis) {
		t.Error("redis binding survived stop_notifications")
	}
	if !sess.HasAdapter(adapters.KindTelegram) {
		t.Error("unrelated binding removed")
	}
}

func TestHandle_RemoteTargetGoesThroughDispatcher(t *testing.T) {
	srv, _, _, dispatcher := newTestServer(t)
	dispatcher.env = adapters.OK(map[string]any{"sessions": []any{}})

	env := srv.Handle(context.Background(), Request{
		Tool: ToolListSessions,
		Args: map[string]string{"computer": "beta"},
	})
	if !env.Success() {
		t.Fatalf("remote list_sessions: %+v", env)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "beta:list_sessions" {
		t.Errorf("dispatcher calls = %v", dispatcher.calls)
	}
}

func TestHandle_OfflinePeerClassified(t *testing.T) {
	srv, _, _, dispatcher := newTestServer(t)
	dispatcher.err = fmt.Errorf("%w: beta", mesh.ErrPeerOffline)

	env := srv.Handle(context.Background(), Request{
		Tool: ToolListSessions,
		Args: map[string]string{"computer": "beta"},
	})
	if env.Success() || env.Error != `machine "beta" is offline` {
		t.Errorf("envelope = %+v", env)
	}
}

func TestServer_SocketRoundTrip(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("unix", srv.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, Request{Tool: ToolListComputers}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var env adapters.Envelope
	if err := ReadFrame(conn, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !env.Success() {
		t.Errorf("envelope = %+v", env)
	}

	// Restart contract: the socket is re-created and serves again.
	srv.Stop()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	conn2, err := net.Dial("unix", srv.socketPath)
	if err != nil {
		t.Fatalf("dial after restart: %v", err)
	}
	conn2.Close()
}

func TestHandle_StickAndUnstick(t *testing.T) {
	srv, mgr, _, _ := newTestServer(t)
	id := startSession(t, mgr, models.RoleMember)

	env := srv.Handle(context.Background(), Request{
		Tool: ToolStick,
		Args: map[string]string{"session_id": id},
	})
	if !env.Success() {
		t.Fatalf("stick: %+v", env)
	}
	sess, _ := mgr.Get(id)
	if !sess.Sticky {
		t.Error("session not pinned")
	}

	env = srv.Handle(context.Background(), Request{
		Tool: ToolUnstick,
		Args: map[string]string{"session_id": id},
	})
	if !env.Success() {
		t.Fatalf("unstick: %+v", env)
	}
	sess, _ = mgr.Get(id)
	if sess.Sticky {
		t.Error("session still pinned")
	}
}
