package dsr

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ethyca/fides-engine/src/connector"
	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/cache"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/log"
	"github.com/ethyca/fides-engine/src/internal/manualtask"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/policy"
	"github.com/ethyca/fides-engine/src/record"
)

// runErasure masks the rows located by the access pass.  Each node's fields
// are matched against the erasure rules' categories; matching fields are
// rewritten by the rule's masking strategy.  Manual erasure nodes surface a
// task to a human instead and pause the request until it is done.
func (s *Service) runErasure(ctx context.Context, req prdb.PrivacyRequest, pol *policy.Policy, identities map[string]string) error {
	tr, manual, err := s.buildTraversal(ctx, req.ID, identities, policy.ActionErasure)
	if err != nil {
		return err
	}
	rules := pol.RulesFor(policy.ActionErasure)
	for _, addr := range tr.Order {
		node := tr.Nodes[addr]
		if _, ok := manual[node.Node.Dataset.ConnectionKey]; ok && addr.Collection == manualtask.ManualCollection {
			if err := s.runManualErasureNode(ctx, req, node, manual[node.Node.Dataset.ConnectionKey]); err != nil {
				return err
			}
			continue
		}
		if err := s.maskNode(ctx, req, node, rules); err != nil {
			return err
		}
	}
	return nil
}

// runManualErasureNode creates the erasure task instances and waits for a
// human to confirm them.
func (s *Service) runManualErasureNode(ctx context.Context, req prdb.PrivacyRequest, node *graph.TraversalNode, in manualInput) error {
	instances, err := manualtask.EnsureInstances(ctx, s.db, in.task, in.configs, req.ID, string(policy.ActionErasure))
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.Status != prdb.InstanceCompleted {
			if logErr := prdb.CreateExecutionLog(ctx, s.db, prdb.CreateLogRequest{
				RequestID:  req.ID,
				Dataset:    node.Node.Address.Dataset,
				Collection: node.Node.Address.Collection,
				Action:     string(policy.ActionErasure),
				Status:     prdb.LogPaused,
				Message:    "awaiting manual confirmation",
			}); logErr != nil {
				return logErr
			}
			return &connector.AwaitingInputError{Address: node.Node.Address}
		}
	}
	return prdb.CreateExecutionLog(ctx, s.db, prdb.CreateLogRequest{
		RequestID:  req.ID,
		Dataset:    node.Node.Address.Dataset,
		Collection: node.Node.Address.Collection,
		Action:     string(policy.ActionErasure),
		Status:     prdb.LogComplete,
		Message:    "manually confirmed",
	})
}

// maskNode masks one collection's cached rows.  Primary keys and identity
// entry fields are never masked; they are needed to address the rows.
func (s *Service) maskNode(ctx context.Context, req prdb.PrivacyRequest, node *graph.TraversalNode, rules []policy.Rule) error {
	addr := node.Node.Address
	data, err := s.cache.Get(ctx, cache.AccessResultKey(req.ID, addr.String()))
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rows, err := unmarshalRows(data)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	targetsOf := func(f graph.Field) *policy.Rule {
		if f.PrimaryKey || f.Identity != "" {
			return nil
		}
		cats := f.DataCategories
		if len(cats) == 0 {
			cats = node.Node.Collection.DataCategories
		}
		for i := range rules {
			for _, target := range rules[i].DataCategories {
				for _, c := range cats {
					if record.CategoryMatches(target, c) {
						return &rules[i]
					}
				}
			}
		}
		return nil
	}
	var inScope []graph.Field
	for _, f := range node.Node.Collection.Fields {
		if targetsOf(f) != nil {
			inScope = append(inScope, f)
		}
	}
	if len(inScope) == 0 {
		return nil
	}
	c, err := s.connectorFor(ctx, node.Node.Dataset.ConnectionKey)
	if err != nil {
		return err
	}
	affected := 0
	var fields []prdb.AffectedField
	for _, f := range inScope {
		fields = append(fields, prdb.AffectedField{
			Path:           addr.String() + ":" + f.Name,
			DataCategories: f.DataCategories,
		})
	}
	for _, row := range rows {
		var updates []connector.FieldUpdate
		for _, f := range inScope {
			rule := targetsOf(f)
			strategy, err := s.maskingStrategy(ctx, req.ID, rule)
			if err != nil {
				return err
			}
			current := row[f.Name]
			masked, err := strategy.Mask(current)
			if err != nil {
				return errors.Wrapf(err, "mask %s:%s", addr, f.Name)
			}
			updates = append(updates, connector.FieldUpdate{
				Path:  graph.FieldPath{f.Name},
				Value: masked,
			})
		}
		sort.Slice(updates, func(i, j int) bool { return updates[i].Path.String() < updates[j].Path.String() })
		n, err := c.Mask(ctx, node, []record.Row{row}, updates)
		if err != nil {
			if logErr := prdb.CreateExecutionLog(ctx, s.db, prdb.CreateLogRequest{
				RequestID:  req.ID,
				Dataset:    addr.Dataset,
				Collection: addr.Collection,
				Action:     string(policy.ActionErasure),
				Status:     prdb.LogError,
				Message:    err.Error(),
			}); logErr != nil {
				return logErr
			}
			return err
		}
		affected += n
	}
	log.Info(ctx, "node masked",
		zap.String("node", addr.String()),
		zap.Int("rows", affected))
	return prdb.CreateExecutionLog(ctx, s.db, prdb.CreateLogRequest{
		RequestID:      req.ID,
		Dataset:        addr.Dataset,
		Collection:     addr.Collection,
		Action:         string(policy.ActionErasure),
		Status:         prdb.LogComplete,
		FieldsAffected: fields,
		Message:        fmt.Sprintf("masked %d rows", affected),
	})
}

// maskingStrategy builds the strategy for a rule, generating and caching a
// per-request secret for strategies that need one so repeated runs mask
// consistently.
func (s *Service) maskingStrategy(ctx context.Context, requestID string, rule *policy.Rule) (policy.MaskingStrategy, error) {
	name := policy.StrategyNullRewrite
	if rule.Masking != nil {
		name = rule.Masking.Strategy
	}
	secret, err := s.cache.Get(ctx, cache.MaskingSecretKey(requestID, name))
	if errors.Is(err, cache.ErrNotFound) {
		secret, err = policy.GenerateMaskingSecret()
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, cache.MaskingSecretKey(requestID, name), secret, 0); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return policy.NewMaskingStrategy(rule.Masking, secret)
}

// runConsent propagates the request's notice preferences to every enabled
// connection that can carry them.
func (s *Service) runConsent(ctx context.Context, req prdb.PrivacyRequest, identities map[string]string) error {
	data, err := s.cache.Get(ctx, cache.ConsentKey(req.ID))
	if errors.Is(err, cache.ErrNotFound) {
		return errors.Errorf("request %s has consent rules but no consent preferences", req.ID)
	}
	if err != nil {
		return err
	}
	prefs, err := unmarshalConsent(data)
	if err != nil {
		return err
	}
	connections, err := prdb.ListEnabledConnections(ctx, s.db)
	if err != nil {
		return err
	}
	for _, cfg := range connections {
		c, err := s.connectorFor(ctx, cfg.Key)
		if err != nil {
			return err
		}
		applied, err := c.Consent(ctx, identities, prefs)
		status := prdb.LogComplete
		message := ""
		if err != nil {
			status = prdb.LogError
			message = err.Error()
		} else if !applied {
			status = prdb.LogSkipped
			message = "connection carries no consent state"
		}
		if logErr := prdb.CreateExecutionLog(ctx, s.db, prdb.CreateLogRequest{
			RequestID:  req.ID,
			Dataset:    cfg.Key,
			Collection: "consent",
			Action:     string(policy.ActionConsent),
			Status:     status,
			Message:    message,
		}); logErr != nil {
			return logErr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// runEmailPostSend parks the request in awaiting_email_send while batched
// erasure notices go out, then returns it to processing.
func (s *Service) runEmailPostSend(ctx context.Context, req *prdb.PrivacyRequest, identities map[string]string) error {
	updated, err := transition(ctx, s.db, *req, prdb.StatusAwaitingEmailSend)
	if err != nil {
		return err
	}
	*req = updated
	if err := s.email.SendErasureNotices(ctx, req.ID, identities); err != nil {
		return err
	}
	updated, err = transition(ctx, s.db, *req, prdb.StatusInProcessing)
	if err != nil {
		return err
	}
	*req = updated
	return nil
}
