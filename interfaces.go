package devdash

import (
	"context"

	"github.com/devdash-project/devdash/channel"
)

// Adapter is a telemetry source feeding the broker's update queue. Start
// must not block: sources spawn their own goroutines and supervise their
// own reconnection. Close stops the source.
type Adapter interface {
	Start(ctx context.Context) error
	Close() error
	Name() string
	// OnConnectionChange registers a liveness callback; fired once per
	// actual transition, from the source's goroutine.
	OnConnectionChange(func(connected bool))
}

// Forwarder consumes broker snapshots. Forward is called on the broker
// goroutine whenever a tick changed any property, and must not block.
type Forwarder interface {
	Forward(newSnapshot *Snapshot, prevSnapshot *Snapshot) error
}

// ChannelListener receives per-channel change notifications with the full
// decoded value (unit and timestamp included).
type ChannelListener func(ch StandardChannel, value channel.Value)
