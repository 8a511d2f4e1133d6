package connector

import (
	"context"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/record"
)

// ManualConnector serves nodes whose data is entered by humans.  Manual rows
// enter through task submissions, which the orchestrator resolves before it
// ever queries a connector, so every direct access reports awaiting input and
// pauses the request.
type ManualConnector struct {
	key string
}

func NewManualConnector(key string) *ManualConnector {
	return &ManualConnector{key: key}
}

func (c *ManualConnector) Key() string { return c.key }

func (c *ManualConnector) TestConnection(context.Context) error { return nil }

func (c *ManualConnector) Close() error { return nil }

func (c *ManualConnector) Access(_ context.Context, node *graph.TraversalNode, _ Criteria) ([]record.Row, error) {
	return nil, &AwaitingInputError{Address: node.Node.Address}
}

// Mask is unsupported: manually entered data lives outside any system this
// engine can write to.  Erasure requests surface the task to a human instead.
func (c *ManualConnector) Mask(_ context.Context, node *graph.TraversalNode, _ []record.Row, _ []FieldUpdate) (int, error) {
	return 0, &UnsupportedActionError{ConnectionKey: c.key, Action: "mask"}
}

func (c *ManualConnector) Consent(context.Context, map[string]string, map[string]bool) (bool, error) {
	return false, nil
}

func (c *ManualConnector) DryRun(node *graph.TraversalNode, _ Criteria) (string, error) {
	return "MANUAL " + node.Node.Address.String(), nil
}

var _ Connector = &ManualConnector{}
