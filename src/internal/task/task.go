// Package task distributes privacy request processing across worker
// processes.
//
// A dispatch is a unit of work: resume one privacy request from a checkpoint.
// Dispatches are idempotent; the orchestrator re-derives remaining work from
// checkpoints and execution logs, so a dispatch can safely run more than once
// if a worker dies mid-claim.  At most one worker holds the claim on a
// dispatch at a time.
package task

import (
	"context"

	"github.com/google/uuid"
)

// Dispatch asks a worker to drive one privacy request forward.
type Dispatch struct {
	// TaskID uniquely identifies the dispatch.  Submit assigns one when
	// empty.
	TaskID string `json:"task_id"`
	// RequestID is the privacy request to process.
	RequestID string `json:"request_id"`
	// Checkpoint optionally names the checkpoint to resume from.  Empty
	// means start from the beginning of the sequence.
	Checkpoint string `json:"checkpoint,omitempty"`
}

// ProcessFunc processes one claimed dispatch.  An error requeues the dispatch
// for another attempt.
type ProcessFunc = func(ctx context.Context, d Dispatch) error

// Queue hands dispatches from submitters to workers.
type Queue interface {
	// Submit enqueues a dispatch and returns its task id.
	Submit(ctx context.Context, d Dispatch) (string, error)
	// Iterate claims and processes dispatches until ctx is canceled.
	Iterate(ctx context.Context, cb ProcessFunc) error
	// Revoke removes a dispatch that has not been claimed yet.  Revoking a
	// claimed or already-finished dispatch is a no-op.
	Revoke(ctx context.Context, taskID string) error
}

func newTaskID() string {
	return uuid.NewString()
}
