package pctx

import (
	"context"
	"testing"

	"github.com/ethyca/fides-engine/src/internal/log"
	"go.uber.org/zap/zaptest"
)

// TestContext returns a context for use in tests.  Logs produced through the
// context are routed to the test's log output.
func TestContext(t testing.TB) context.Context {
	ctx := log.WithLogger(context.Background(), zaptest.NewLogger(t))
	return Child(ctx, t.Name())
}
