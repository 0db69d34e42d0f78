package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Bridge fans document traffic out between relay instances, so peers of the
// same document connected to different relays still see each other.
type Bridge interface {
	// Publish sends the encoded message to every other instance watching the
	// document. It must not deliver the message back to this instance.
	Publish(ctx context.Context, docID string, raw []byte) error
	// Subscribe delivers messages published by other instances for the
	// document. The returned function cancels the subscription.
	Subscribe(ctx context.Context, docID string, deliver func(raw []byte)) (func(), error)
	Close() error
}

// bridgeEnvelope wraps published bytes with the sending instance id so an
// instance can discard its own publications coming back off the channel.
type bridgeEnvelope struct {
	Instance string `json:"instance"`
	Raw      []byte `json:"raw"`
}

// RedisBridge implements Bridge over redis pub/sub with one channel per
// document.
type RedisBridge struct {
	instance string
	rdb      *redis.Client
}

func NewRedisBridge(ctx context.Context, addr string) (*RedisBridge, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisBridge{instance: uuid.NewString(), rdb: rdb}, nil
}

func channelFor(docID string) string {
	return "doc:" + docID
}

func (b *RedisBridge) Publish(ctx context.Context, docID string, raw []byte) error {
	payload, err := json.Marshal(bridgeEnvelope{Instance: b.instance, Raw: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelFor(docID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (b *RedisBridge) Subscribe(ctx context.Context, docID string, deliver func(raw []byte)) (func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channelFor(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	go func() {
		for m := range pubsub.Channel() {
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			deliver(env.Raw)
		}
	}()
	return func() { _ = pubsub.Close() }, nil
}

func (b *RedisBridge) Close() error {
	return b.rdb.Close()
}
