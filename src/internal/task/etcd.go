package task

import (
	"context"
	"encoding/json"
	"strings"

	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/log"
)

const (
	taskPrefix  = "/task/"
	claimPrefix = "/claim/"

	// claimTTLSeconds bounds how long a dead worker holds a claim before the
	// dispatch becomes claimable again.
	claimTTLSeconds = 60
)

type etcdQueue struct {
	client *etcd.Client
	prefix string
}

// NewEtcdQueue returns a Queue backed by etcd.  Claims are held under leases
// so a crashed worker's dispatches become claimable after the lease expires.
func NewEtcdQueue(client *etcd.Client, prefix string) Queue {
	return &etcdQueue{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (q *etcdQueue) taskKey(id string) string  { return q.prefix + taskPrefix + id }
func (q *etcdQueue) claimKey(id string) string { return q.prefix + claimPrefix + id }

func (q *etcdQueue) Submit(ctx context.Context, d Dispatch) (string, error) {
	if d.TaskID == "" {
		d.TaskID = newTaskID()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrap(err, "marshal dispatch")
	}
	if _, err := q.client.Put(ctx, q.taskKey(d.TaskID), string(data)); err != nil {
		return "", errors.Wrap(err, "submit dispatch")
	}
	return d.TaskID, nil
}

func (q *etcdQueue) Revoke(ctx context.Context, taskID string) error {
	// Delete only while unclaimed; a claimed dispatch finishes its attempt
	// and the processor re-checks request state itself.
	resp, err := q.client.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(q.claimKey(taskID)), "=", 0)).
		Then(etcd.OpDelete(q.taskKey(taskID))).
		Commit()
	if err != nil {
		return errors.Wrap(err, "revoke dispatch")
	}
	if !resp.Succeeded {
		log.Debug(ctx, "dispatch already claimed, not revoked", zap.String("task", taskID))
	}
	return nil
}

// Iterate scans existing dispatches, then watches for new ones.  Each
// claimable dispatch is processed inline; run multiple workers for
// parallelism.
func (q *etcdQueue) Iterate(ctx context.Context, cb ProcessFunc) error {
	scanPrefix := q.prefix + taskPrefix
	resp, err := q.client.Get(ctx, scanPrefix, etcd.WithPrefix(),
		etcd.WithSort(etcd.SortByKey, etcd.SortAscend))
	if err != nil {
		return errors.Wrap(err, "scan dispatches")
	}
	for _, kv := range resp.Kvs {
		q.attempt(ctx, string(kv.Key), kv.Value, cb)
	}
	watch := q.client.Watch(ctx, scanPrefix, etcd.WithPrefix(),
		etcd.WithRev(resp.Header.Revision+1))
	for wresp := range watch {
		if err := wresp.Err(); err != nil {
			return errors.Wrap(err, "watch dispatches")
		}
		for _, ev := range wresp.Events {
			if ev.Type != etcd.EventTypePut {
				continue
			}
			q.attempt(ctx, string(ev.Kv.Key), ev.Kv.Value, cb)
		}
	}
	return errors.EnsureStack(context.Cause(ctx))
}

// attempt claims and processes one dispatch.  Errors are logged, never
// returned: a failed dispatch stays queued (its claim lease expires) and the
// iterate loop moves on.
func (q *etcdQueue) attempt(ctx context.Context, taskKey string, data []byte, cb ProcessFunc) {
	var d Dispatch
	if err := json.Unmarshal(data, &d); err != nil {
		log.Error(ctx, "malformed dispatch, dropping", zap.String("key", taskKey), zap.Error(err))
		if _, err := q.client.Delete(ctx, taskKey); err != nil {
			log.Error(ctx, "errored dropping malformed dispatch", zap.Error(err))
		}
		return
	}
	lease, err := q.client.Grant(ctx, claimTTLSeconds)
	if err != nil {
		log.Error(ctx, "errored granting claim lease", zap.Error(err))
		return
	}
	claimKey := q.claimKey(d.TaskID)
	txn, err := q.client.Txn(ctx).
		If(
			etcd.Compare(etcd.CreateRevision(claimKey), "=", 0),
			etcd.Compare(etcd.CreateRevision(taskKey), ">", 0),
		).
		Then(etcd.OpPut(claimKey, "", etcd.WithLease(lease.ID))).
		Commit()
	if err != nil {
		log.Error(ctx, "errored claiming dispatch", zap.String("task", d.TaskID), zap.Error(err))
		return
	}
	if !txn.Succeeded {
		// Someone else holds the claim, or the dispatch was revoked.
		return
	}
	log.Info(ctx, "dispatch claimed",
		zap.String("task", d.TaskID),
		zap.String("request", d.RequestID),
		zap.String("checkpoint", d.Checkpoint))
	if err := cb(ctx, d); err != nil {
		log.Error(ctx, "dispatch errored, releasing claim",
			zap.String("task", d.TaskID), zap.Error(err))
		if _, err := q.client.Revoke(ctx, lease.ID); err != nil {
			log.Error(ctx, "errored releasing claim lease", zap.Error(err))
		}
		return
	}
	if _, err := q.client.Txn(ctx).Then(
		etcd.OpDelete(taskKey),
		etcd.OpDelete(claimKey),
	).Commit(); err != nil {
		log.Error(ctx, "errored removing finished dispatch", zap.Error(err))
	}
	if _, err := q.client.Revoke(ctx, lease.ID); err != nil {
		log.Debug(ctx, "errored revoking finished claim lease", zap.Error(err))
	}
}
