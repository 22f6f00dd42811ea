package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/InstruktAI/teleclaude/internal/adapters"
)

// commandGroup is the consumer group on every commands:{machine} stream.
const commandGroup = "daemon"

// Command is one cross-machine operation entry.
type Command struct {
	Operation         string          `json:"operation"`
	SessionID         string          `json:"session_id,omitempty"`
	Args              json.RawMessage `json:"args,omitempty"`
	InitiatorMachine  string          `json:"initiator_machine"`
	InitiatorSession  string          `json:"initiator_session,omitempty"`
	CorrelationID     string          `json:"correlation_id"`
}

// CommandHandler executes one command locally and returns its envelope.
// The mesh consumer invokes the same handlers local adapters use.
type CommandHandler func(ctx context.Context, cmd Command) adapters.Envelope

// Dispatcher sends commands to peers and waits for their responses.
type Dispatcher struct {
	streams  Streams
	registry *Registry
	machine  string
	timeout  time.Duration
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Streams  Streams
	Registry *Registry
	Machine  string
	Timeout  time.Duration // overall per-command timeout; defaults to 2m
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Streams == nil {
		return nil, fmt.Errorf("mesh: dispatcher: streams client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("mesh: dispatcher: registry is required")
	}
	if opts.Machine == "" {
		return nil, fmt.Errorf("mesh: dispatcher: machine name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Dispatcher{
		streams:  opts.Streams,
		registry: opts.Registry,
		machine:  opts.Machine,
		timeout:  timeout,
	}, nil
}

// Send appends a command to the target machine's stream and blocks until
// its response arrives or the timeout elapses. Offline peers fail fast
// with ErrPeerOffline.
func (d *Dispatcher) Send(ctx context.Context, target string, cmd Command) (adapters.Envelope, error) {
	if target == d.machine {
		return adapters.Envelope{}, fmt.Errorf("mesh: send to self (%s): use local handlers", target)
	}
	if !d.registry.Online(target) {
		return adapters.Envelope{}, fmt.Errorf("%w: %s", ErrPeerOffline, target)
	}

	cmd.InitiatorMachine = d.machine
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return adapters.Envelope{}, fmt.Errorf("mesh: marshal command: %w", err)
	}

	err = d.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: CommandStream(target),
		MaxLen: DefaultMaxLen,
		Approx: true,
		Values: map[string]any{"command": string(body)},
	}).Err()
	if err != nil {
		return adapters.Envelope{}, fmt.Errorf("mesh: send %s to %s: %w", cmd.Operation, target, err)
	}

	return d.awaitResponse(ctx, cmd.CorrelationID)
}

func (d *Dispatcher) awaitResponse(ctx context.Context, correlationID string) (adapters.Envelope, error) {
	deadline := time.Now().Add(d.timeout)
	stream := ResponseStream(correlationID)
	lastID := "0"
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return adapters.Envelope{}, fmt.Errorf("%w: %s", ErrTimeout, correlationID)
		}
		streams, err := d.streams.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Block:   remaining,
			Count:   1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return adapters.Envelope{}, ctx.Err()
			}
			return adapters.Envelope{}, fmt.Errorf("mesh: await response %s: %w", correlationID, err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				raw, _ := msg.Values["envelope"].(string)
				var env adapters.Envelope
				if err := json.Unmarshal([]byte(raw), &env); err != nil {
					return adapters.Envelope{}, fmt.Errorf("mesh: decode response %s: %w", correlationID, err)
				}
				return env, nil
			}
		}
	}
}

// Consumer processes this machine's command stream through a consumer group.
type Consumer struct {
	streams  Streams
	machine  string
	consumer string
	handler  CommandHandler
}

// ConsumerOpts holds parameters for creating a Consumer.
type ConsumerOpts struct {
	Streams Streams
	Machine string
	Handler CommandHandler
}

// NewConsumer creates a Consumer named {machine}-{pid}.
func NewConsumer(opts ConsumerOpts) (*Consumer, error) {
	if opts.Streams == nil {
		return nil, fmt.Errorf("mesh: consumer: streams client is required")
	}
	if opts.Machine == "" {
		return nil, fmt.Errorf("mesh: consumer: machine name is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("mesh: consumer: handler is required")
	}
	return &Consumer{
		streams:  opts.Streams,
		machine:  opts.Machine,
		consumer: fmt.Sprintf("%s-%d", opts.Machine, os.Getpid()),
		handler:  opts.Handler,
	}, nil
}

// Run consumes commands until the context is cancelled. On start it drains
// the consumer group's pending entries (work claimed by a previous process
// incarnation) before switching to live reads.
func (c *Consumer) Run(ctx context.Context) error {
	stream := CommandStream(c.machine)
	err := c.streams.XGroupCreateMkStream(ctx, stream, commandGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("mesh: create consumer group: %w", err)
	}

	// Pending entries first: "0" reads this consumer's PEL without
	// claiming anything new.
	if err := c.consumeBatch(ctx, stream, "0", 0); err != nil && ctx.Err() == nil {
		log.Printf("mesh: drain pending: %v", err)
	}

	for ctx.Err() == nil {
		if err := c.consumeBatch(ctx, stream, ">", 5*time.Second); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				log.Printf("mesh: consume commands: %v", err)
				time.Sleep(time.Second)
			}
		}
	}
	return nil
}

func (c *Consumer) consumeBatch(ctx context.Context, stream, id string, block time.Duration) error {
	streams, err := c.streams.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    commandGroup,
		Consumer: c.consumer,
		Streams:  []string{stream, id},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		return err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			c.process(ctx, stream, msg)
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, stream string, msg redis.XMessage) {
	raw, _ := msg.Values["command"].(string)
	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		// Malformed entries can never succeed; ACK so they do not wedge
		// the pending list.
		log.Printf("mesh: malformed command %s: %v", msg.ID, err)
		c.streams.XAck(ctx, stream, commandGroup, msg.ID)
		return
	}
	if cmd.InitiatorMachine == c.machine {
		c.streams.XAck(ctx, stream, commandGroup, msg.ID)
		return
	}

	env := c.handler(ctx, cmd)

	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("mesh: marshal response %s: %v", cmd.CorrelationID, err)
		return
	}
	err = c.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: ResponseStream(cmd.CorrelationID),
		MaxLen: 16,
		Approx: true,
		Values: map[string]any{"envelope": string(body)},
	}).Err()
	if err != nil {
		// Leave the entry pending for retry after restart.
		log.Printf("mesh: publish response %s: %v", cmd.CorrelationID, err)
		return
	}
	c.streams.XAck(ctx, stream, commandGroup, msg.ID)
}
