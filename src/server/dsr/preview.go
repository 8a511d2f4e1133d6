package dsr

import (
	"context"

	"github.com/ethyca/fides-engine/src/connector"
	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/policy"
	"github.com/ethyca/fides-engine/src/record"
)

// PreviewQuery is the query one node would run, rendered before any data
// moves, so an operator can review a request prior to approval.
type PreviewQuery struct {
	Collection graph.CollectionAddress
	Query      string
}

// PreviewQueries renders, in execution order, the query each node of the
// access graph would run for a request.  Upstream values are not known yet,
// so non-root edges contribute a placeholder naming their source field.
func (s *Service) PreviewQueries(ctx context.Context, requestID string) ([]PreviewQuery, error) {
	req, err := prdb.GetPrivacyRequest(ctx, s.db, requestID)
	if err != nil {
		return nil, err
	}
	if _, err := s.policyFor(req); err != nil {
		return nil, err
	}
	identities, err := s.loadIdentities(ctx, requestID)
	if err != nil {
		return nil, err
	}
	tr, _, err := s.buildTraversal(ctx, requestID, identities, policy.ActionAccess)
	if err != nil {
		return nil, err
	}
	var out []PreviewQuery
	for _, addr := range tr.Order {
		node := tr.Nodes[addr]
		criteria := connector.Criteria{}
		for _, e := range node.Parents {
			key := e.To.Path.String()
			if e.From.Collection.IsRoot() {
				if v, ok := identities[e.From.Path.String()]; ok {
					criteria[key] = append(criteria[key], record.String(v))
				}
				continue
			}
			criteria[key] = append(criteria[key], record.String("<"+e.From.String()+">"))
		}
		if len(criteria) == 0 {
			continue
		}
		c, err := s.connectorFor(ctx, node.Node.Dataset.ConnectionKey)
		if err != nil {
			return nil, err
		}
		query, err := c.DryRun(node, criteria)
		if err != nil {
			return nil, err
		}
		out = append(out, PreviewQuery{Collection: addr, Query: query})
	}
	return out, nil
}
