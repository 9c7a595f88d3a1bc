package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/redis/go-redis/v9"

	"lambda-live-bridge/internal/events"
)

const DefaultEventChannel = "bridge.events"

// RedisService publishes bridge events on a Redis pub/sub channel so that
// out-of-process tooling (UI, code generation) can follow the bridge.
type RedisService struct {
	client  *redis.Client
	channel string
}

func NewRedisService(addr, channel string) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return NewRedisServiceWithClient(client, channel)
}

func NewRedisServiceWithClient(client *redis.Client, channel string) *RedisService {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &RedisService{client: client, channel: channel}
}

// Publish sends e to the configured channel
func (r *RedisService) Publish(ctx context.Context, e events.Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return xray.Capture(ctx, "Redis.Publish", func(ctx1 context.Context) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		err = r.client.Publish(ctx, r.channel, data).Err()

		// Add metadata to subsegment
		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.channel", r.channel)
			seg.AddMetadata("redis.operation", "PUBLISH")
			seg.AddMetadata("bridge.event", string(e.Type))
		}

		return err
	})
}

// Ping checks Redis connection
func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisService) Close() error {
	return r.client.Close()
}
