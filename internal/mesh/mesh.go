// Package mesh connects TeleClaude daemons across machines over a shared
// stream server: heartbeat-based peer discovery, durable command streams
// with consumer-group recovery, and per-session output streams.
package mesh

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Stream names.
const (
	HeartbeatStream = "heartbeat"
	EventStream     = "events"
)

// DefaultMaxLen bounds stream retention via approximate trimming.
const DefaultMaxLen = 10000

var (
	// ErrPeerOffline indicates the target machine has no live heartbeat.
	ErrPeerOffline = errors.New("mesh: peer offline")
	// ErrTimeout indicates a cross-machine command got no response in time.
	ErrTimeout = errors.New("mesh: command timed out")
)

// Streams is the subset of the stream server client the mesh uses.
// *redis.Client satisfies it.
type Streams interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// CommandStream names the durable command stream for a machine.
func CommandStream(machine string) string {
	return "commands:" + machine
}

// ResponseStream names the per-command response stream.
func ResponseStream(correlationID string) string {
	return "response:" + correlationID
}

// OutputStream names the per-session output stream.
func OutputStream(sessionID string) string {
	return "output:" + sessionID
}
