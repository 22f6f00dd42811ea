// Package redisbus implements the Redis adapter: the headless surface
// other agents and tools consume. Output rides per-session streams in the
// precise agent form; inbound events arrive on a shared request stream.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/mesh"
)

// InboundStream is the shared request stream external agents write to.
const InboundStream = "adapter:redis:inbound"

// Adapter is the Redis surface. It renders the agent output form.
type Adapter struct {
	streams mesh.Streams
	machine string
	inbound adapters.InboundFunc
	maxLen  int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Opts holds parameters for creating a Redis Adapter.
type Opts struct {
	Streams mesh.Streams
	Machine string
	Inbound adapters.InboundFunc
	MaxLen  int64 // per-session output stream cap; defaults to mesh.DefaultMaxLen
}

// New creates a Redis Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Streams == nil {
		return nil, fmt.Errorf("redisbus: streams client is required")
	}
	if opts.Machine == "" {
		return nil, fmt.Errorf("redisbus: machine name is required")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = mesh.DefaultMaxLen
	}
	return &Adapter{
		streams: opts.Streams,
		machine: opts.Machine,
		inbound: opts.Inbound,
		maxLen:  maxLen,
	}, nil
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string { return adapters.KindRedis }

// RenderMode returns the output form this surface consumes.
func (a *Adapter) RenderMode() string { return adapters.RenderAgent }

// Start begins tailing the shared inbound stream.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	go a.consume(runCtx)
	return nil
}

// Stop ends the inbound consumer.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.cancel()
	done := a.done
	a.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// SendMessage appends the text to the session's output stream.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	id, err := a.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: mesh.OutputStream(sessionID),
		MaxLen: a.maxLen,
		Approx: true,
		Values: map[string]any{
			"origin": a.machine,
			"text":   text,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redisbus: publish for session %s: %w", sessionID, err)
	}
	return id, nil
}

// DeleteMessage is a no-op: stream entries age out via the maxlen cap.
func (a *Adapter) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	return nil
}

// DeliverToSession appends attributed text to the session's output stream.
func (a *Adapter) DeliverToSession(ctx context.Context, sessionID, text, originHint string) error {
	origin := a.machine
	if originHint != "" {
		origin = originHint
	}
	err := a.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: mesh.OutputStream(sessionID),
		MaxLen: a.maxLen,
		Approx: true,
		Values: map[string]any{
			"origin": origin,
			"text":   text,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisbus: deliver for session %s: %w", sessionID, err)
	}
	return nil
}

// inboundEntry is the wire shape external agents write to InboundStream.
type inboundEntry struct {
	Type          string            `json:"type"` // message or command
	Command       string            `json:"command,omitempty"`
	Args          map[string]string `json:"args,omitempty"`
	Text          string            `json:"text,omitempty"`
	SessionID     string            `json:"session_id"`
	UserName      string            `json:"user_name,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// consume tails the inbound stream from its current tip.
func (a *Adapter) consume(ctx context.Context) {
	defer close(a.done)
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := a.streams.XRead(ctx, &redis.XReadArgs{
			Streams: []string{InboundStream, lastID},
			Block:   5 * time.Second,
			Count:   16,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Printf("redisbus: read inbound: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				a.handle(ctx, msg)
			}
		}
	}
}

func (a *Adapter) handle(ctx context.Context, msg redis.XMessage) {
	if a.inbound == nil {
		return
	}
	raw, ok := msg.Values["event"].(string)
	if !ok {
		log.Printf("redisbus: inbound entry %s has no event field", msg.ID)
		return
	}
	var entry inboundEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Printf("redisbus: decode inbound entry %s: %v", msg.ID, err)
		return
	}

	ev := adapters.Event{
		Type:    adapters.EventMessage,
		Text:    entry.Text,
		Command: entry.Command,
		Args:    entry.Args,
		Meta: adapters.Metadata{
			Adapter:   adapters.KindRedis,
			UserName:  entry.UserName,
			MessageID: msg.ID,
			SessionID: entry.SessionID,
			Timestamp: time.Now(),
		},
	}
	if entry.Type == adapters.EventCommand || entry.Command != "" {
		ev.Type = adapters.EventCommand
		ev.Text = ""
	}

	env := a.inbound(ctx, ev)
	if entry.CorrelationID == "" {
		return
	}
	// Callers that set a correlation id get the envelope back on their
	// response stream.
	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("redisbus: encode reply for %s: %v", entry.CorrelationID, err)
		return
	}
	err = a.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: mesh.ResponseStream(entry.CorrelationID),
		MaxLen: 16,
		Approx: true,
		Values: map[string]any{"envelope": string(body)},
	}).Err()
	if err != nil {
		log.Printf("redisbus: publish reply for %s: %v", entry.CorrelationID, err)
	}
}
