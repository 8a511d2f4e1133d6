package cache

import (
	"context"
	"strings"
	"time"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// ErrNotFound is returned by Get when the key does not exist (or has
// expired).
var ErrNotFound = errors.New("cache: key not found")

type etcdCache struct {
	client *etcd.Client
	prefix string
}

// NewEtcdCache returns a Cache backed by etcd.  All keys are stored under
// prefix so multiple deployments can share a cluster.
func NewEtcdCache(client *etcd.Client, prefix string) Cache {
	return &etcdCache{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// key concatenates rather than path.Joins so that trailing slashes on scan
// prefixes survive.
func (c *etcdCache) key(k string) string {
	return c.prefix + k
}

func (c *etcdCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var opts []etcd.OpOption
	if ttl > 0 {
		lease, err := c.client.Grant(ctx, int64(ttl/time.Second)+1)
		if err != nil {
			return errors.Wrap(err, "grant lease")
		}
		opts = append(opts, etcd.WithLease(lease.ID))
	}
	_, err := c.client.Put(ctx, c.key(key), string(value), opts...)
	return errors.Wrapf(err, "set %q", key)
}

func (c *etcdCache) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.client.Get(ctx, c.key(key))
	if err != nil {
		return nil, errors.Wrapf(err, "get %q", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (c *etcdCache) GetPrefix(ctx context.Context, prefix string) ([]KV, error) {
	resp, err := c.client.Get(ctx, c.key(prefix),
		etcd.WithPrefix(),
		etcd.WithSort(etcd.SortByKey, etcd.SortAscend))
	if err != nil {
		return nil, errors.Wrapf(err, "get prefix %q", prefix)
	}
	kvs := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KV{
			Key:   string(kv.Key[len(c.prefix):]),
			Value: kv.Value,
		})
	}
	return kvs, nil
}

func (c *etcdCache) Delete(ctx context.Context, key string) error {
	_, err := c.client.Delete(ctx, c.key(key))
	return errors.Wrapf(err, "delete %q", key)
}

func (c *etcdCache) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := c.client.Delete(ctx, c.key(prefix), etcd.WithPrefix())
	return errors.Wrapf(err, "delete prefix %q", prefix)
}
