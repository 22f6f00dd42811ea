package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/InstruktAI/teleclaude/internal/models"
)

// DefaultHeartbeatInterval is the default period between heartbeat publishes.
const DefaultHeartbeatInterval = 10 * time.Second

// HeartbeatOpts holds parameters for the heartbeat publisher and consumer.
type HeartbeatOpts struct {
	Streams       Streams
	Registry      *Registry
	DB            *gorm.DB // optional; persists the peer cache across restarts
	Machine       string
	User          string
	Host          string
	TransportPath string
	Interval      time.Duration // defaults to 10s
}

// StartHeartbeatPublisher launches a goroutine that publishes this machine's
// liveness to the shared heartbeat stream at a fixed interval. It returns a
// channel that receives an error if publishing fails repeatedly.
func StartHeartbeatPublisher(ctx context.Context, opts HeartbeatOpts) <-chan error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := opts.Streams.XAdd(ctx, &redis.XAddArgs{
					Stream: HeartbeatStream,
					MaxLen: DefaultMaxLen,
					Approx: true,
					Values: map[string]any{
						"machine_name":   opts.Machine,
						"user":           opts.User,
						"host":           opts.Host,
						"transport_path": opts.TransportPath,
						"ts":             time.Now().UTC().Format(time.RFC3339Nano),
					},
				}).Err()
				if err != nil {
					failures++
					log.Printf("mesh: heartbeat publish: %v", err)
					if failures >= 3 {
						errCh <- fmt.Errorf("mesh: heartbeat publish: %w", err)
						return
					}
					continue
				}
				failures = 0
				if opts.Registry != nil {
					opts.Registry.TouchSelf()
				}
			}
		}
	}()

	return errCh
}

// StartHeartbeatConsumer launches a goroutine that tails the shared
// heartbeat stream and keeps the peer registry (and the persistent peer
// cache) current. Entries published by this machine are skipped.
func StartHeartbeatConsumer(ctx context.Context, opts HeartbeatOpts) {
	go func() {
		lastID := "$"
		for ctx.Err() == nil {
			streams, err := opts.Streams.XRead(ctx, &redis.XReadArgs{
				Streams: []string{HeartbeatStream, lastID},
				Block:   5 * time.Second,
				Count:   64,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					log.Printf("mesh: heartbeat consume: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}
			for _, s := range streams {
				for _, msg := range s.Messages {
					lastID = msg.ID
					applyHeartbeat(opts, msg.Values)
				}
			}
		}
	}()
}

func applyHeartbeat(opts HeartbeatOpts, values map[string]any) {
	machine, _ := values["machine_name"].(string)
	if machine == "" || machine == opts.Machine {
		return
	}
	user, _ := values["user"].(string)
	host, _ := values["host"].(string)
	transportPath, _ := values["transport_path"].(string)
	at := time.Now()
	if raw, _ := values["ts"].(string); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			at = parsed
		}
	}

	if opts.Registry != nil {
		opts.Registry.Upsert(machine, user, host, transportPath, at)
	}
	if opts.DB != nil {
		peer := models.Peer{
			MachineName:   machine,
			User:          user,
			Host:          host,
			TransportPath: transportPath,
			LastHeartbeat: at,
		}
		if err := opts.DB.Save(&peer).Error; err != nil {
			log.Printf("mesh: persist peer %s: %v", machine, err)
		}
	}
}
