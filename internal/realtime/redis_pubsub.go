package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-telehealth/backend/internal/consultation"
	"github.com/aura-telehealth/backend/pkg/signaling"
)

const (
	channelPrefix = "consultation:"
	publishTTL    = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance fan-out.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisEventBus publishes session state on a per-consultation Redis channel
// so every instance holding a socket of the session can deliver it.
type RedisEventBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisEventBus creates a Redis pub/sub bridge for consultation events.
func NewRedisEventBus(client *redis.Client, logger *zap.Logger) *RedisEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisEventBus{client: client, logger: logger}
}

// Channel returns the Redis channel name for a consultation.
func Channel(sessionID uuid.UUID) string {
	return channelPrefix + sessionID.String()
}

// PublishState publishes ev as a session-state event.
func (r *RedisEventBus) PublishState(ctx context.Context, ev consultation.StateEvent) error {
	data, err := json.Marshal(statePayload(ev))
	if err != nil {
		return err
	}
	return r.Publish(ctx, ev.SessionID, signaling.EventSessionState, data)
}

// Publish sends an arbitrary event to the consultation channel.
func (r *RedisEventBus) Publish(ctx context.Context, sessionID uuid.UUID, event string, data []byte) error {
	body, err := json.Marshal(redisPayload{Event: event, Data: data, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	return r.client.Publish(ctx, Channel(sessionID), body).Err()
}

// SubscribeSession calls handler for each event on the consultation channel
// until the returned cancel func is called. ctx bounds the subscribe
// confirmation only.
func (r *RedisEventBus) SubscribeSession(ctx context.Context, sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error) {
	pubsub := r.client.Subscribe(ctx, Channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("dropping malformed session event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
