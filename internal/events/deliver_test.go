package events

import (
	"context"
	"testing"

	"github.com/slack-go/slack"
)

type fakePoster struct {
	posted []string
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.posted = append(f.posted, channelID)
	return channelID, "1", nil
}

type fakeBroadcaster struct {
	topics   []string
	payloads []any
}

func (f *fakeBroadcaster) Broadcast(topic string, payload any) {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
}

func TestWSDelivery_BroadcastsRow(t *testing.T) {
	store := newTestStore(t)
	n := &Notification{EventType: "session.created", Level: LevelOperational}
	store.Insert(n)

	b := &fakeBroadcaster{}
	cb := WSDelivery(store, b)
	cb(n.ID, n.EventType, true, true, n.Level)

	if len(b.topics) != 1 || b.topics[0] != NotificationTopic {
		t.Fatalf("topics = %v", b.topics)
	}
	row, ok := b.payloads[0].(*Notification)
	if !ok || row.ID != n.ID {
		t.Errorf("payload = %#v", b.payloads[0])
	}
}

func TestSlackSink_FiltersLevelAndCreation(t *testing.T) {
	store := newTestStore(t)
	n := &Notification{EventType: "escalation.raised", Level: LevelBusiness, Domain: "helpdesk"}
	store.Insert(n)

	poster := &fakePoster{}
	sink, err := NewSlackSink(SlackSinkOpts{Client: poster, Channel: "C123", Store: store})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	cb := sink.Callback()

	cb(n.ID, n.EventType, true, true, LevelBusiness)          // delivered
	cb(n.ID, n.EventType, false, true, LevelBusiness)         // update, skipped
	cb(n.ID, n.EventType, true, true, LevelInfrastructure)    // below workflow, skipped
	cb(n.ID, n.EventType, true, true, LevelWorkflow)          // delivered

	if len(poster.posted) != 2 {
		t.Errorf("posted = %d, want 2", len(poster.posted))
	}
}
