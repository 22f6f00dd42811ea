package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/slack-go/slack"
)

// NotificationTopic is the push-channel topic notification rows go out on.
const NotificationTopic = "notifications"

// Broadcaster pushes a payload to subscribers of a topic. The API layer's
// websocket hub satisfies it.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// WSDelivery returns a push callback that broadcasts the notification row
// directly to push-channel subscribers. No coalescing; every projection
// goes out as-is. Failures are logged and never affect event processing.
func WSDelivery(store *Store, b Broadcaster) PushCallback {
	return func(id uint, eventType string, wasCreated, meaningful bool, level int) {
		n, err := store.Get(id)
		if err != nil {
			log.Printf("events: ws delivery for %d: %v", id, err)
			return
		}
		b.Broadcast(NotificationTopic, n)
	}
}

// slackPoster is the slice of the Slack API the sink uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSink delivers newly created notifications of workflow level and
// above to a Slack channel.
type SlackSink struct {
	client  slackPoster
	channel string
	store   *Store
	timeout time.Duration
}

// SlackSinkOpts holds parameters for creating a SlackSink.
type SlackSinkOpts struct {
	Client  slackPoster // *slack.Client
	Channel string
	Store   *Store
	Timeout time.Duration // per-post timeout; defaults to 10s
}

// NewSlackSink creates a SlackSink.
func NewSlackSink(opts SlackSinkOpts) (*SlackSink, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("events: slack sink: client is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("events: slack sink: channel is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("events: slack sink: store is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackSink{
		client:  opts.Client,
		channel: opts.Channel,
		store:   opts.Store,
		timeout: timeout,
	}, nil
}

// Callback returns the push callback. The level filter uses the callback
// argument, not a re-read of the row.
func (s *SlackSink) Callback() PushCallback {
	return func(id uint, eventType string, wasCreated, meaningful bool, level int) {
		if !wasCreated || level < LevelWorkflow {
			return
		}
		n, err := s.store.Get(id)
		if err != nil {
			log.Printf("events: slack delivery for %d: %v", id, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		text := fmt.Sprintf("*%s* [%s] %s", n.EventType, n.Domain, n.Description)
		if _, _, err := s.client.PostMessageContext(ctx, s.channel,
			slack.MsgOptionText(text, false)); err != nil {
			log.Printf("events: slack delivery for %d: %v", id, err)
		}
	}
}
