package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/InstruktAI/teleclaude/internal/mesh"
)

// processorGroup is the consumer group on the platform event stream.
const processorGroup = "event-processor"

// Processor consumes the event stream through the cartridge chain. One
// consumer per daemon process; failed envelopes stay in the pending
// entries list until a retry succeeds.
type Processor struct {
	streams    mesh.Streams
	consumer   string
	cartridges []Cartridge
}

// ProcessorOpts holds parameters for creating a Processor.
type ProcessorOpts struct {
	Streams    mesh.Streams
	Machine    string
	Cartridges []Cartridge
}

// NewProcessor creates a Processor named {machine}-{pid}.
func NewProcessor(opts ProcessorOpts) (*Processor, error) {
	if opts.Streams == nil {
		return nil, fmt.Errorf("events: processor: streams client is required")
	}
	if opts.Machine == "" {
		return nil, fmt.Errorf("events: processor: machine name is required")
	}
	if len(opts.Cartridges) == 0 {
		return nil, fmt.Errorf("events: processor: at least one cartridge is required")
	}
	return &Processor{
		streams:    opts.Streams,
		consumer:   fmt.Sprintf("%s-%d", opts.Machine, os.Getpid()),
		cartridges: opts.Cartridges,
	}, nil
}

// Run consumes events until the context is cancelled. Pending entries
// from a previous process incarnation are recovered before live reads.
func (p *Processor) Run(ctx context.Context) error {
	err := p.streams.XGroupCreateMkStream(ctx, mesh.EventStream, processorGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("events: create processor group: %w", err)
	}

	if err := p.consumeBatch(ctx, "0", 0); err != nil && ctx.Err() == nil {
		log.Printf("events: recover pending: %v", err)
	}

	for ctx.Err() == nil {
		if err := p.consumeBatch(ctx, ">", 5*time.Second); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				log.Printf("events: consume: %v", err)
				time.Sleep(time.Second)
			}
		}
	}
	return nil
}

func (p *Processor) consumeBatch(ctx context.Context, id string, block time.Duration) error {
	streams, err := p.streams.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    processorGroup,
		Consumer: p.consumer,
		Streams:  []string{mesh.EventStream, id},
		Count:    32,
		Block:    block,
	}).Result()
	if err != nil {
		return err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			p.handle(ctx, msg)
		}
	}
	return nil
}

// handle runs one entry through the chain. Cartridge errors leave the
// entry unacknowledged so the pending list preserves it for retry; a
// drop (nil envelope) is a successful outcome and is acknowledged.
func (p *Processor) handle(ctx context.Context, msg redis.XMessage) {
	env, err := FromWire(msg.Values)
	if err != nil {
		// Undecodable entries can never succeed; ACK to keep the
		// pending list clean and rely on the log for forensics.
		log.Printf("events: entry %s: %v", msg.ID, err)
		p.streams.XAck(ctx, mesh.EventStream, processorGroup, msg.ID)
		return
	}

	for _, c := range p.cartridges {
		env, err = c.Process(ctx, env)
		if err != nil {
			log.Printf("events: cartridge %s on %s: %v", c.Name(), msg.ID, err)
			return
		}
		if env == nil {
			break
		}
	}
	p.streams.XAck(ctx, mesh.EventStream, processorGroup, msg.ID)
}
