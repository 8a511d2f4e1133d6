package task

import (
	"context"
	"testing"
	"time"

	"github.com/ethyca/fides-engine/src/internal/pctx"
	"github.com/ethyca/fides-engine/src/internal/require"
)

func TestMemQueueSubmitIterate(t *testing.T) {
	ctx, cancel := context.WithCancel(pctx.TestContext(t))
	defer cancel()
	q := NewMemQueue()

	id, err := q.Submit(ctx, Dispatch{RequestID: "req-1", Checkpoint: "access"})
	require.NoError(t, err)
	require.True(t, id != "")

	got := make(chan Dispatch, 1)
	go func() {
		_ = q.Iterate(ctx, func(_ context.Context, d Dispatch) error {
			got <- d
			return nil
		})
	}()

	select {
	case d := <-got:
		require.Equal(t, id, d.TaskID)
		require.Equal(t, "req-1", d.RequestID)
		require.Equal(t, "access", d.Checkpoint)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never processed")
	}
}

func TestMemQueueRevoke(t *testing.T) {
	ctx, cancel := context.WithCancel(pctx.TestContext(t))
	defer cancel()
	q := NewMemQueue()

	revokedID, err := q.Submit(ctx, Dispatch{RequestID: "req-revoked"})
	require.NoError(t, err)
	require.NoError(t, q.Revoke(ctx, revokedID))
	_, err = q.Submit(ctx, Dispatch{RequestID: "req-live"})
	require.NoError(t, err)

	got := make(chan Dispatch, 2)
	go func() {
		_ = q.Iterate(ctx, func(_ context.Context, d Dispatch) error {
			got <- d
			return nil
		})
	}()

	select {
	case d := <-got:
		// The revoked dispatch is skipped; only the live one arrives.
		require.Equal(t, "req-live", d.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never processed")
	}
	select {
	case d := <-got:
		t.Fatalf("unexpected extra dispatch for %s", d.RequestID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemQueueRequeueOnError(t *testing.T) {
	ctx, cancel := context.WithCancel(pctx.TestContext(t))
	defer cancel()
	q := NewMemQueue()

	_, err := q.Submit(ctx, Dispatch{RequestID: "req-1"})
	require.NoError(t, err)

	attempts := make(chan int, 4)
	n := 0
	go func() {
		_ = q.Iterate(ctx, func(_ context.Context, d Dispatch) error {
			n++
			attempts <- n
			if n == 1 {
				return context.DeadlineExceeded
			}
			return nil
		})
	}()

	deadline := time.After(5 * time.Second)
	for want := 1; want <= 2; want++ {
		select {
		case got := <-attempts:
			require.Equal(t, want, got)
		case <-deadline:
			t.Fatal("dispatch was not retried")
		}
	}
}
