package task

import (
	"context"
	"sync"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

type memQueue struct {
	mu      sync.Mutex
	ch      chan Dispatch
	revoked map[string]bool
}

// NewMemQueue returns an in-process Queue for tests and single-node runs.
func NewMemQueue() Queue {
	return &memQueue{
		ch:      make(chan Dispatch, 128),
		revoked: make(map[string]bool),
	}
}

func (q *memQueue) Submit(ctx context.Context, d Dispatch) (string, error) {
	if d.TaskID == "" {
		d.TaskID = newTaskID()
	}
	select {
	case q.ch <- d:
		return d.TaskID, nil
	case <-ctx.Done():
		return "", errors.EnsureStack(context.Cause(ctx))
	}
}

func (q *memQueue) Revoke(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked[taskID] = true
	return nil
}

func (q *memQueue) Iterate(ctx context.Context, cb ProcessFunc) error {
	for {
		select {
		case d := <-q.ch:
			q.mu.Lock()
			revoked := q.revoked[d.TaskID]
			delete(q.revoked, d.TaskID)
			q.mu.Unlock()
			if revoked {
				continue
			}
			if err := cb(ctx, d); err != nil {
				// A failed dispatch goes back on the queue; the processor is
				// idempotent so a later attempt resumes from checkpoints.
				select {
				case q.ch <- d:
				default:
				}
			}
		case <-ctx.Done():
			return errors.EnsureStack(context.Cause(ctx))
		}
	}
}
