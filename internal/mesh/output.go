package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/InstruktAI/teleclaude/internal/adapters"
)

// OutputPublisher fans session output deltas onto per-session streams for
// remote subscribers.
type OutputPublisher struct {
	streams Streams
	machine string
}

// NewOutputPublisher creates an OutputPublisher.
func NewOutputPublisher(streams Streams, machine string) (*OutputPublisher, error) {
	if streams == nil {
		return nil, fmt.Errorf("mesh: output publisher: streams client is required")
	}
	if machine == "" {
		return nil, fmt.Errorf("mesh: output publisher: machine name is required")
	}
	return &OutputPublisher{streams: streams, machine: machine}, nil
}

// Publish appends one dual-mode delta to the session's output stream.
func (p *OutputPublisher) Publish(ctx context.Context, sessionID string, r adapters.Rendering) error {
	err := p.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: OutputStream(sessionID),
		MaxLen: DefaultMaxLen,
		Approx: true,
		Values: map[string]any{
			"origin": p.machine,
			"human":  r.Human,
			"agent":  r.Agent,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("mesh: publish output for %s: %w", sessionID, err)
	}
	return nil
}

// SubscribeOutput tails a session's output stream, invoking fn for every
// delta published by another machine. Entries this machine emitted are
// skipped to prevent feedback loops. Blocks until the context is cancelled.
func SubscribeOutput(ctx context.Context, streams Streams, self, sessionID string, fn func(r adapters.Rendering)) {
	stream := OutputStream(sessionID)
	lastID := "$"
	for ctx.Err() == nil {
		res, err := streams.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Block:   5 * time.Second,
			Count:   32,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				log.Printf("mesh: subscribe output %s: %v", sessionID, err)
				time.Sleep(time.Second)
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				lastID = msg.ID
				origin, _ := msg.Values["origin"].(string)
				if origin == self {
					continue
				}
				human, _ := msg.Values["human"].(string)
				agent, _ := msg.Values["agent"].(string)
				fn(adapters.Rendering{Human: human, Agent: agent})
			}
		}
	}
}
