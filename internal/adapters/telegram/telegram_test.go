package telegram

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/models"
)

type mockBot struct {
	sent    []tgbotapi.MessageConfig
	deleted []tgbotapi.DeleteMessageConfig
	nextID  int
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, fmt.Errorf("unexpected chattable %T", c)
	}
	m.sent = append(m.sent, msg)
	m.nextID++
	return tgbotapi.Message{MessageID: m.nextID}, nil
}

func (m *mockBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if del, ok := c.(tgbotapi.DeleteMessageConfig); ok {
		m.deleted = append(m.deleted, del)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (m *mockBot) StopReceivingUpdates() {}

func (m *mockBot) GetFileDirectURL(string) (string, error) {
	return "", fmt.Errorf("no files in tests")
}

type fakeSessions struct {
	byID map[string]*models.Session
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{byID: make(map[string]*models.Session)}
	for _, id := range ids {
		f.byID[id] = &models.Session{ID: id, Agent: models.AgentClaude, Status: models.SessionActive}
	}
	return f
}

func (f *fakeSessions) Get(id string) (*models.Session, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("no session %s", id)
	}
	return s, nil
}

func (f *fakeSessions) List(string) ([]models.Session, error) {
	var out []models.Session
	for _, s := range f.byID {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSessions) SetAdapterMeta(id, kind string, body any) error {
	s, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("no session %s", id)
	}
	return s.SetAdapterMetadata(kind, body)
}

func newTestAdapter(t *testing.T, store *fakeSessions, inbound adapters.InboundFunc) (*Adapter, *mockBot) {
	t.Helper()
	mock := &mockBot{}
	a, err := New(Opts{Sessions: store, Inbound: inbound, Bot: mock})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a, mock
}

func TestSendMessage_UsesBoundChat(t *testing.T) {
	store := newFakeSessions("sess-1")
	a, mock := newTestAdapter(t, store, nil)
	if err := a.BindChat("sess-1", 42); err != nil {
		t.Fatalf("bind: %v", err)
	}

	id, err := a.SendMessage(context.Background(), "sess-1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mock.sent) != 1 || mock.sent[0].ChatID != 42 || mock.sent[0].Text != "hello" {
		t.Errorf("sent = %+v", mock.sent)
	}
	if id != "1" {
		t.Errorf("message id = %q", id)
	}
}

func TestSendMessage_NoBindingFails(t *testing.T) {
	store := newFakeSessions("sess-1")
	a, _ := newTestAdapter(t, store, nil)
	if _, err := a.SendMessage(context.Background(), "sess-1", "hello"); err == nil {
		t.Error("send without chat binding succeeded")
	}
}

func TestSendMessage_ChunksLongOutput(t *testing.T) {
	store := newFakeSessions("sess-1")
	a, mock := newTestAdapter(t, store, nil)
	a.BindChat("sess-1", 42)

	long := strings.Repeat("a", 4000) + "\n" + strings.Repeat("b", 4000)
	if _, err := a.SendMessage(context.Background(), "sess-1", long); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mock.sent) != 2 {
		t.Fatalf("chunks = %d, want 2", len(mock.sent))
	}
}

func TestChatBindingSurvivesRestart(t *testing.T) {
	store := newFakeSessions("sess-1")
	a, _ := newTestAdapter(t, store, nil)
	a.BindChat("sess-1", 42)

	// A fresh adapter instance reads the binding back from the store.
	fresh, mock := newTestAdapter(t, store, nil)
	if _, err := fresh.SendMessage(context.Background(), "sess-1", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if mock.sent[0].ChatID != 42 {
		t.Errorf("chat id = %d, want 42", mock.sent[0].ChatID)
	}
}

func TestHandleUpdate_RoutesTextToChatSession(t *testing.T) {
	store := newFakeSessions("sess-1", "sess-2")
	store.byID["sess-1"].LastActivityAt = time.Now().Add(-time.Hour)
	store.byID["sess-2"].LastActivityAt = time.Now()
	var got []adapters.Event
	a, _ := newTestAdapter(t, store, func(_ context.Context, ev adapters.Event) adapters.Envelope {
		got = append(got, ev)
		return adapters.OK(nil)
	})
	a.BindChat("sess-1", 42)
	a.BindChat("sess-2", 42)

	a.handleUpdate(context.Background(), &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 9, UserName: "dana"},
		Chat:      &tgbotapi.Chat{ID: 42},
		Text:      "run it",
	})
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	// Two sessions share the chat; the most recently active one wins.
	if got[0].Meta.SessionID != "sess-2" {
		t.Errorf("routed to %q, want sess-2", got[0].Meta.SessionID)
	}
	if got[0].Type != adapters.EventMessage || got[0].Text != "run it" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestHandleUpdate_AllowListBlocksStrangers(t *testing.T) {
	store := newFakeSessions("sess-1")
	calls := 0
	mock := &mockBot{}
	a, err := New(Opts{
		Sessions:       store,
		AllowedUserIDs: []int64{9},
		Inbound: func(context.Context, adapters.Event) adapters.Envelope {
			calls++
			return adapters.OK(nil)
		},
		Bot: mock,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	a.BindChat("sess-1", 42)

	ctx := context.Background()
	a.handleUpdate(ctx, &tgbotapi.Message{
		From: &tgbotapi.User{ID: 666}, Chat: &tgbotapi.Chat{ID: 42}, Text: "hi",
	})
	if calls != 0 {
		t.Fatalf("stranger reached inbound")
	}
	a.handleUpdate(ctx, &tgbotapi.Message{
		From: &tgbotapi.User{ID: 9}, Chat: &tgbotapi.Chat{ID: 42}, Text: "hi",
	})
	if calls != 1 {
		t.Errorf("allowed user blocked")
	}
}

func TestHandleUpdate_NewSessionBindsChat(t *testing.T) {
	store := newFakeSessions("sess-new")
	a, _ := newTestAdapter(t, store, func(_ context.Context, ev adapters.Event) adapters.Envelope {
		if ev.Command != "new_session" {
			t.Errorf("command = %q", ev.Command)
		}
		return adapters.OK(map[string]any{"session_id": "sess-new"})
	})

	a.handleUpdate(context.Background(), &tgbotapi.Message{
		From: &tgbotapi.User{ID: 9},
		Chat: &tgbotapi.Chat{ID: 77},
		Text: "/new_session project_dir=/work/p agent=claude",
	})
	chatID, err := a.chatFor("sess-new")
	if err != nil || chatID != 77 {
		t.Errorf("chatFor = %d, %v; want 77", chatID, err)
	}
}

func TestHandleUpdate_FailureRepliedToChat(t *testing.T) {
	store := newFakeSessions("sess-1")
	a, mock := newTestAdapter(t, store, func(context.Context, adapters.Event) adapters.Envelope {
		return adapters.Fail("no pane")
	})
	a.BindChat("sess-1", 42)

	a.handleUpdate(context.Background(), &tgbotapi.Message{
		From: &tgbotapi.User{ID: 9}, Chat: &tgbotapi.Chat{ID: 42}, Text: "hi",
	})
	if len(mock.sent) != 1 || mock.sent[0].Text != "no pane" {
		t.Errorf("sent = %+v", mock.sent)
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		text string
		cmd  string
		ok   bool
	}{
		{"/end_session", "end_session", true},
		{"/new_session@teleclaude_bot agent=claude", "new_session", true},
		{"plain text", "", false},
		{"/", "", false},
	}
	for _, c := range cases {
		cmd, _, ok := parseCommand(c.text)
		if cmd != c.cmd || ok != c.ok {
			t.Errorf("parseCommand(%q) = %q, %v", c.text, cmd, ok)
		}
	}
}

func TestDeleteMessage(t *testing.T) {
	store := newFakeSessions("sess-1")
	a, mock := newTestAdapter(t, store, nil)
	a.BindChat("sess-1", 42)

	if err := a.DeleteMessage(context.Background(), "sess-1", "13"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(mock.deleted) != 1 || mock.deleted[0].MessageID != 13 {
		t.Errorf("deleted = %+v", mock.deleted)
	}
}
