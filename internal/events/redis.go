package events

import (
	"context"
	"fmt"
	"iot-gateway/internal/gateway"
	"iot-gateway/pkg/utils"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "iot:events:"

// RedisSink republishes every bridge event as JSON on a Redis pub/sub
// channel per event type (iot:events:telemetry, iot:events:heartbeat, ...),
// so out-of-process consumers can follow the event stream.
type RedisSink struct {
	l      *slog.Logger
	client *redis.Client
}

// NewRedisSink creates a sink from a Redis URL (redis://host:port/db).
func NewRedisSink(l *slog.Logger, redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return &RedisSink{
		l:      l.With(slog.String("component", "redis-sink")),
		client: redis.NewClient(opts),
	}, nil
}

// Run consumes every event type from the bridge until ctx is cancelled or
// the bridge closes. Publish failures are logged and the event is dropped;
// the Redis sink never applies backpressure to adapters.
func (s *RedisSink) Run(ctx context.Context, bridge *Bridge) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.l.Warn("redis not reachable yet, continuing anyway", utils.ErrAttr(err))
	}

	sub := bridge.SubscribeAll()

	s.l.Info("redis sink running")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}

			s.publish(ctx, ev)
		}
	}
}

func (s *RedisSink) publish(ctx context.Context, ev gateway.NormalizedEvent) {
	payload, err := utils.ToJSON(ev)
	if err != nil {
		s.l.Error("failed to encode event", utils.ErrAttr(err), slog.String("device_id", ev.DeviceID))

		return
	}

	channel := redisChannelPrefix + string(ev.Type)

	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		s.l.Error("failed to publish event to redis",
			utils.ErrAttr(err),
			slog.String("channel", channel),
			slog.String("device_id", ev.DeviceID),
		)
	}
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
