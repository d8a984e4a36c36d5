package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"haven/api/internal/visibility"
)

const relayBroadcastTimeout = 30 * time.Second

// wireEvent is the Redis representation of an Event. Unlike the websocket
// payload it keeps the audience so receiving instances can filter.
type wireEvent struct {
	Event
	Audience *visibility.Subject `json:"audience,omitempty"`
}

// RedisRelay publishes events on a Redis channel and delivers every event
// seen on that channel to the local Broadcaster, so listeners attached to any
// API instance hear about writes made on any other.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	local   Broadcaster
	logger  *zap.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRedisRelay(rdb *redis.Client, channel string, local Broadcaster, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		local:   local,
		logger:  logger.Named("relay"),
		ready:   make(chan struct{}),
	}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	ev = stamp(ev)
	data, err := json.Marshal(wireEvent{Event: ev, Audience: ev.Audience})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by the server.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the channel and blocks until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var wire wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				r.logger.Warn("discard malformed event", zap.Error(err))
				continue
			}
			ev := wire.Event
			ev.Audience = wire.Audience
			bctx, cancel := context.WithTimeout(ctx, relayBroadcastTimeout)
			r.local.Broadcast(bctx, ev)
			cancel()
		}
	}
}
