package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"lambda-live-bridge/internal/models"
)

// DefaultEtcdPrefix keeps bridge keys apart from other etcd tenants.
const DefaultEtcdPrefix = "/bridge/v1/connections/"

// Etcd is a Registry backed by etcd. Reads are linearizable and stub
// entries are attached to a lease of StubTTL.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// DialEtcd connects to the etcd cluster at endpoints.
func DialEtcd(endpoints []string, prefix string) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return NewEtcd(client, prefix), nil
}

// NewEtcd wraps an existing client. An empty prefix selects DefaultEtcdPrefix.
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &Etcd{client: client, prefix: prefix}
}

func (e *Etcd) clientKey() string        { return e.prefix + "client" }
func (e *Etcd) stubKey(id string) string { return e.prefix + "stub/" + id }

func (e *Etcd) Put(ctx context.Context, c models.Connection) error {
	if err := validate(c); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if c.Role == models.RoleClient {
		if _, err := e.client.Put(ctx, e.clientKey(), string(data)); err != nil {
			return fmt.Errorf("etcd put %q: %w", e.clientKey(), err)
		}
		return nil
	}
	lease, err := e.client.Grant(ctx, int64(StubTTL/time.Second))
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	if _, err := e.client.Put(ctx, e.stubKey(c.ID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %q: %w", e.stubKey(c.ID), err)
	}
	return nil
}

func (e *Etcd) Get(ctx context.Context, role models.Role) (*models.Connection, error) {
	if err := checkGetRole(role); err != nil {
		return nil, err
	}
	c, _, err := e.get(ctx, e.clientKey())
	return c, err
}

func (e *Etcd) Lookup(ctx context.Context, id string) (*models.Connection, error) {
	c, _, err := e.get(ctx, e.stubKey(id))
	if err != nil || c != nil {
		return c, err
	}
	client, _, err := e.get(ctx, e.clientKey())
	if err != nil {
		return nil, err
	}
	if client != nil && client.ID == id {
		return client, nil
	}
	return nil, nil
}

func (e *Etcd) Remove(ctx context.Context, id string) error {
	client, rev, err := e.get(ctx, e.clientKey())
	if err != nil {
		return err
	}
	if client == nil || client.ID != id {
		if _, err := e.client.Delete(ctx, e.stubKey(id)); err != nil {
			return fmt.Errorf("etcd delete %q: %w", e.stubKey(id), err)
		}
		return nil
	}
	// A newer registration bumps the revision, in which case only the stub key goes.
	_, err = e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(e.clientKey()), "=", rev)).
		Then(clientv3.OpDelete(e.clientKey()), clientv3.OpDelete(e.stubKey(id))).
		Else(clientv3.OpDelete(e.stubKey(id))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd remove %s: %w", id, err)
	}
	return nil
}

// Close releases the underlying etcd client connection.
func (e *Etcd) Close() error {
	return e.client.Close()
}

func (e *Etcd) get(ctx context.Context, key string) (*models.Connection, int64, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	var c models.Connection
	if err := json.Unmarshal(resp.Kvs[0].Value, &c); err != nil {
		return nil, 0, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return &c, resp.Kvs[0].ModRevision, nil
}
