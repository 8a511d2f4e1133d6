// Package connector executes graph nodes against real data sources.  Each
// connection type (SQL databases, SaaS HTTP APIs, manual tasks) implements
// Connector; the orchestrator picks the connector for a node by its dataset's
// connection key.
package connector

import (
	"context"
	"fmt"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/record"
)

// Criteria are the upstream values a node is queried with, keyed by the
// top-level field name they target.  A field with no observed values is
// absent.
type Criteria map[string][]record.Value

// FieldUpdate rewrites one field of matched rows during erasure.
type FieldUpdate struct {
	Path  graph.FieldPath
	Value record.Value
}

// Connector executes one connection's collections.
type Connector interface {
	// Key returns the connection config key this connector serves.
	Key() string
	// TestConnection verifies the data source is reachable.
	TestConnection(ctx context.Context) error
	// Access retrieves the rows of node matching criteria.
	Access(ctx context.Context, node *graph.TraversalNode, criteria Criteria) ([]record.Row, error)
	// Mask applies updates to the rows previously retrieved for node and
	// returns the number of rows affected.
	Mask(ctx context.Context, node *graph.TraversalNode, rows []record.Row, updates []FieldUpdate) (int, error)
	// Consent propagates notice preferences for the identified user.  The
	// bool reports whether this connection actually carries consent state;
	// connections that do not return false with no error.
	Consent(ctx context.Context, identities map[string]string, preferences map[string]bool) (bool, error)
	// DryRun renders the query Access would execute, without executing it.
	DryRun(node *graph.TraversalNode, criteria Criteria) (string, error)
	// Close releases the connector's resources.
	Close() error
}

// AwaitingInputError pauses execution of a node until data arrives out of
// band, such as a human completing a manual task.  The orchestrator
// checkpoints the request and resumes the node once input is available.
type AwaitingInputError struct {
	Address graph.CollectionAddress
}

func (e *AwaitingInputError) Error() string {
	return fmt.Sprintf("node %s is awaiting out-of-band input", e.Address)
}

// UnsupportedActionError reports an action a connector cannot perform, such
// as masking rows behind a read-only API.
type UnsupportedActionError struct {
	ConnectionKey string
	Action        string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("connection %s does not support %s", e.ConnectionKey, e.Action)
}

// New builds the connector for a connection config.
func New(ctx context.Context, cfg prdb.ConnectionConfig) (Connector, error) {
	switch cfg.Type {
	case "postgres", "mysql", "snowflake":
		return NewSQLConnector(ctx, cfg)
	case "saas":
		return NewSaaSConnector(cfg)
	case "manual_task":
		return NewManualConnector(cfg.Key), nil
	}
	return nil, errors.Errorf("unknown connection type %q for connection %s", cfg.Type, cfg.Key)
}
