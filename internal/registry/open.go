package registry

import (
	"context"
	"fmt"

	"lambda-live-bridge/internal/config"
)

// Open builds the registry selected by cfg. The returned close function
// releases backend connections.
func Open(ctx context.Context, cfg config.RegistryConfig) (Registry, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nop, nil
	case "redis":
		r, err := DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "dynamodb":
		d, err := DialDynamo(ctx, cfg.DynamoDB.Table)
		if err != nil {
			return nil, nil, err
		}
		return d, nop, nil
	case "etcd":
		e, err := DialEtcd(cfg.Etcd.Endpoints, cfg.Etcd.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}
