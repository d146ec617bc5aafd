package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// channelPrefix namespaces the gateway's channels on a shared redis.
const channelPrefix = "cortex:"

// envelope wraps an event on the shared channel so instances can skip their
// own publishes on the way back in.
type envelope struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	Event  Event  `json:"event"`
}

// RedisBridge mirrors local publishes onto redis pub/sub and inbound
// messages back into the local broker. Events are unordered between
// instances but FIFO per producer; there is no durability, so a late
// subscriber may miss earlier events.
type RedisBridge struct {
	client     *redis.Client
	broker     *Broker
	instanceID string
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewRedisBridge builds a bridge and installs it as the broker's mirror.
func NewRedisBridge(client *redis.Client, broker *Broker, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &RedisBridge{
		client:     client,
		broker:     broker,
		instanceID: uuid.New().String(),
		logger:     logger,
	}
	broker.SetMirror(b)
	return b
}

// Forward implements Mirror.
func (r *RedisBridge) Forward(ctx context.Context, topic string, evt Event) error {
	payload, err := json.Marshal(envelope{Origin: r.instanceID, Topic: topic, Event: evt})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, channelPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Start subscribes to the shared channels and re-injects inbound events into
// the local broker until ctx is done or Stop is called.
func (r *RedisBridge) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	sub := r.client.Subscribe(ctx,
		channelPrefix+TopicRequestProgress,
		channelPrefix+TopicClientToolCallbacks,
	)
	// Force the subscription onto the wire before returning.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("bad bus payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if env.Origin == r.instanceID {
					continue
				}
				r.broker.Inject(env.Topic, env.Event)
			}
		}
	}()
	return nil
}

// Stop shuts the inbound loop down.
func (r *RedisBridge) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}
