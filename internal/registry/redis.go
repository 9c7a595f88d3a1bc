package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/redis/go-redis/v9"

	"lambda-live-bridge/internal/models"
)

const (
	DefaultRedisPrefix = "bridge:connection:"
	// StubTTL bounds how long an unreachable stub entry can linger. No
	// platform invocation outlives it.
	StubTTL = time.Hour
)

// removeScript clears the client slot only while it still names ARGV[1].
var removeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return redis.call('DEL', KEYS[2])
`)

// Redis is a Registry backed by a single Redis primary.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. An empty prefix selects DefaultRedisPrefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	r := NewRedis(client, prefix)
	if err := r.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis registry %s: %w", addr, err)
	}
	return r, nil
}

func (r *Redis) clientKey() string        { return r.prefix + "client" }
func (r *Redis) stubKey(id string) string { return r.prefix + "stub:" + id }

func (r *Redis) Put(ctx context.Context, c models.Connection) error {
	if err := validate(c); err != nil {
		return err
	}
	return xray.Capture(ctx, "Registry.Put", func(ctx1 context.Context) error {
		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("registry.role", string(c.Role))
			seg.AddMetadata("registry.connection_id", c.ID)
		}
		if c.Role == models.RoleClient {
			return r.client.HSet(ctx, r.clientKey(),
				"id", c.ID,
				"role", string(c.Role),
				"registeredAt", c.RegisteredAt.UnixMilli(),
			).Err()
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return r.client.Set(ctx, r.stubKey(c.ID), data, StubTTL).Err()
	})
}

func (r *Redis) Get(ctx context.Context, role models.Role) (*models.Connection, error) {
	if err := checkGetRole(role); err != nil {
		return nil, err
	}
	var result *models.Connection
	err := xray.Capture(ctx, "Registry.Get", func(ctx1 context.Context) error {
		fields, err := r.client.HGetAll(ctx, r.clientKey()).Result()
		if err != nil {
			return err
		}
		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("registry.role", string(role))
			seg.AddMetadata("registry.found", len(fields) > 0)
		}
		result, err = decodeClientHash(fields)
		return err
	})
	return result, err
}

func (r *Redis) Lookup(ctx context.Context, id string) (*models.Connection, error) {
	var result *models.Connection
	err := xray.Capture(ctx, "Registry.Lookup", func(ctx1 context.Context) error {
		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("registry.connection_id", id)
		}
		data, err := r.client.Get(ctx, r.stubKey(id)).Bytes()
		if err == nil {
			var c models.Connection
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			result = &c
			return nil
		}
		if err != redis.Nil {
			return err
		}
		fields, err := r.client.HGetAll(ctx, r.clientKey()).Result()
		if err != nil {
			return err
		}
		client, err := decodeClientHash(fields)
		if err != nil {
			return err
		}
		if client != nil && client.ID == id {
			result = client
		}
		return nil
	})
	return result, err
}

func (r *Redis) Remove(ctx context.Context, id string) error {
	return xray.Capture(ctx, "Registry.Remove", func(ctx1 context.Context) error {
		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("registry.connection_id", id)
		}
		return removeScript.Run(ctx, r.client, []string{r.clientKey(), r.stubKey(id)}, id).Err()
	})
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func decodeClientHash(fields map[string]string) (*models.Connection, error) {
	if len(fields) == 0 || fields["id"] == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(fields["registeredAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("registry: bad registeredAt %q: %w", fields["registeredAt"], err)
	}
	return &models.Connection{
		ID:           fields["id"],
		Role:         models.RoleClient,
		RegisteredAt: time.UnixMilli(ms),
	}, nil
}
