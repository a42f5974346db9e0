// Package bridge relays hub traffic between railwatch instances over
// Redis pub/sub, so operators connected to any instance see positions
// and alerts detected by every instance.
package bridge

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/railsignal/railwatch/internal/hub"
	"github.com/railsignal/railwatch/internal/monitoring"
)

// Pub/sub channels shared by all instances.
const (
	ChannelPositions = "railwatch:positions"
	ChannelConflicts = "railwatch:conflicts"
	ChannelSystem    = "railwatch:system"
)

// Broadcaster is the local fan-out the bridge relays inbound messages
// to. *hub.Hub satisfies it.
type Broadcaster interface {
	BroadcastPositionUpdate(update hub.PositionUpdate)
	BroadcastConflictAlert(alert hub.ConflictAlert)
	BroadcastSystemStatus(status any)
}

// envelope wraps every published payload with the publishing instance's
// ID so a bridge never relays its own messages back into its hub.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge publishes local events to Redis and relays the other
// instances' events into the local hub.
type Bridge struct {
	client *redis.Client
	local  Broadcaster
	origin string

	sub  *redis.PubSub
	done chan struct{}

	published atomic.Int64
	relayed   atomic.Int64
	skipped   atomic.Int64
}

// New creates a bridge over the given Redis client, relaying inbound
// messages to local.
func New(client *redis.Client, local Broadcaster) *Bridge {
	return &Bridge{
		client: client,
		local:  local,
		origin: uuid.NewString(),
	}
}

// Start subscribes to the shared channels and launches the listener.
// The listener runs until Stop or until the subscription dies; either
// way the hub keeps serving local sessions.
func (b *Bridge) Start(ctx context.Context) error {
	b.sub = b.client.Subscribe(ctx, ChannelPositions, ChannelConflicts, ChannelSystem)
	if _, err := b.sub.Receive(ctx); err != nil {
		b.sub.Close()
		return err
	}
	b.done = make(chan struct{})
	go b.listen()
	monitoring.Logf("bridge: listening as instance %s", b.origin)
	return nil
}

// Stop closes the subscription and waits for the listener to exit.
func (b *Bridge) Stop() {
	if b.sub == nil {
		return
	}
	b.sub.Close()
	<-b.done
}

func (b *Bridge) listen() {
	defer close(b.done)
	for msg := range b.sub.Channel() {
		b.relay(msg.Channel, []byte(msg.Payload))
	}
	monitoring.Logf("bridge: listener stopped")
}

func (b *Bridge) relay(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		monitoring.Logf("bridge: dropping malformed message on %s: %v", channel, err)
		return
	}
	if env.Origin == b.origin {
		b.skipped.Add(1)
		return
	}

	switch channel {
	case ChannelPositions:
		var update hub.PositionUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			monitoring.Logf("bridge: dropping malformed position update: %v", err)
			return
		}
		b.local.BroadcastPositionUpdate(update)
	case ChannelConflicts:
		var alert hub.ConflictAlert
		if err := json.Unmarshal(env.Payload, &alert); err != nil {
			monitoring.Logf("bridge: dropping malformed conflict alert: %v", err)
			return
		}
		b.local.BroadcastConflictAlert(alert)
	case ChannelSystem:
		var status any
		if err := json.Unmarshal(env.Payload, &status); err != nil {
			monitoring.Logf("bridge: dropping malformed status message: %v", err)
			return
		}
		b.local.BroadcastSystemStatus(status)
	default:
		return
	}
	b.relayed.Add(1)
}

func (b *Bridge) publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Origin: b.origin, Payload: raw})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, frame).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// PublishPosition shares a position update with the other instances.
func (b *Bridge) PublishPosition(ctx context.Context, update hub.PositionUpdate) error {
	return b.publish(ctx, ChannelPositions, update)
}

// PublishConflict shares a conflict alert with the other instances.
func (b *Bridge) PublishConflict(ctx context.Context, alert hub.ConflictAlert) error {
	return b.publish(ctx, ChannelConflicts, alert)
}

// PublishSystemStatus shares a status summary with the other instances.
func (b *Bridge) PublishSystemStatus(ctx context.Context, status any) error {
	return b.publish(ctx, ChannelSystem, status)
}

// BroadcastConflictAlert publishes the alert, logging on failure. With
// BroadcastSystemStatus it lets the bridge stand in wherever a local
// hub can, so detection fan-out reaches every instance.
func (b *Bridge) BroadcastConflictAlert(alert hub.ConflictAlert) {
	if err := b.PublishConflict(context.Background(), alert); err != nil {
		monitoring.Logf("bridge: failed to publish conflict alert: %v", err)
	}
}

// BroadcastSystemStatus publishes the status summary, logging on failure.
func (b *Bridge) BroadcastSystemStatus(status any) {
	if err := b.PublishSystemStatus(context.Background(), status); err != nil {
		monitoring.Logf("bridge: failed to publish system status: %v", err)
	}
}

// Stats describes bridge traffic counters.
type Stats struct {
	Origin    string `json:"origin"`
	Published int64  `json:"published"`
	Relayed   int64  `json:"relayed"`
	Skipped   int64  `json:"skipped"`
}

// Stats returns a snapshot of the traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Origin:    b.origin,
		Published: b.published.Load(),
		Relayed:   b.relayed.Load(),
		Skipped:   b.skipped.Load(),
	}
}
