package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/document"
)

const bridgeChannelPrefix = "collab:room:"

// bridgeEnvelope is the cross-node fan-out payload. Origin tags the
// publishing instance so a node never re-applies its own broadcast.
type bridgeEnvelope struct {
	Origin   string            `json:"origin"`
	RoomID   string            `json:"roomId"`
	Elements document.Snapshot `json:"elements"`
}

// RedisBridge fans accepted updates out across hub instances through Redis
// pub/sub, so clients of the same room on different nodes converge.
type RedisBridge struct {
	client     *redis.Client
	hub        *Hub
	instanceID string
	pubsub     *redis.PubSub
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewRedisBridge connects to Redis, subscribes to every room channel and
// starts applying remote updates to the hub.
func NewRedisBridge(client *redis.Client, hub *Hub, logger *zap.Logger) (*RedisBridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBridge{
		client:     client,
		hub:        hub,
		instanceID: uuid.NewString(),
		pubsub:     client.PSubscribe(ctx, bridgeChannelPrefix+"*"),
		logger:     logger,
		cancel:     cancel,
	}
	go b.listen(ctx)
	return b, nil
}

// Publish sends one accepted update to the other nodes.
func (b *RedisBridge) Publish(roomID string, snap document.Snapshot) error {
	data, err := json.Marshal(bridgeEnvelope{
		Origin:   b.instanceID,
		RoomID:   roomID,
		Elements: snap,
	})
	if err != nil {
		return fmt.Errorf("failed to encode bridge envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Publish(ctx, bridgeChannelPrefix+roomID, data).Err()
}

// Close stops the subscription.
func (b *RedisBridge) Close() error {
	b.cancel()
	return b.pubsub.Close()
}

func (b *RedisBridge) listen(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("Dropping malformed bridge message", zap.Error(err))
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			b.hub.InjectRemote(env.RoomID, env.Elements)
		}
	}
}
