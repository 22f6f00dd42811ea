package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/InstruktAI/teleclaude/internal/mesh"
)

// Emitter appends envelopes to the durable platform event stream.
type Emitter struct {
	streams  mesh.Streams
	registry *Registry
	source   string
	maxLen   int64
	now      func() time.Time
}

// EmitterOpts holds parameters for creating an Emitter.
type EmitterOpts struct {
	Streams  mesh.Streams
	Registry *Registry
	Source   string // machine or component name stamped on every envelope
	MaxLen   int64  // stream trim bound; defaults to 10000
}

// NewEmitter creates an Emitter.
func NewEmitter(opts EmitterOpts) (*Emitter, error) {
	if opts.Streams == nil {
		return nil, fmt.Errorf("events: emitter: streams client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("events: emitter: registry is required")
	}
	if opts.Source == "" {
		return nil, fmt.Errorf("events: emitter: source is required")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = mesh.DefaultMaxLen
	}
	return &Emitter{
		streams:  opts.Streams,
		registry: opts.Registry,
		source:   opts.Source,
		maxLen:   maxLen,
		now:      time.Now,
	}, nil
}

// Emit builds an envelope from the schema's defaults and appends it.
// Unregistered types get operational level, the "system" domain, and
// local visibility.
func (e *Emitter) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	env := &Envelope{
		Identity: Identity{
			Type:      eventType,
			Version:   1,
			Source:    e.source,
			Timestamp: e.now().UTC(),
		},
		Semantic: Semantic{
			Level:      LevelOperational,
			Domain:     "system",
			Visibility: VisibilityLocal,
		},
		Data: payload,
	}
	if schema := e.registry.Lookup(eventType); schema != nil {
		env.Semantic.Level = schema.DefaultLevel
		env.Semantic.Domain = schema.DefaultDomain
		env.Semantic.Visibility = schema.DefaultVisibility
		env.Semantic.Description = schema.Description
		env.Identity.IdempotencyKey = schema.IdempotencyKey(payload)
	}
	return e.EmitEnvelope(ctx, env)
}

// EmitEnvelope appends a fully formed envelope to the event stream.
func (e *Emitter) EmitEnvelope(ctx context.Context, env *Envelope) error {
	values, err := env.Wire()
	if err != nil {
		return err
	}
	err = e.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: mesh.EventStream,
		MaxLen: e.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("events: emit %s: %w", env.Identity.Type, err)
	}
	return nil
}
