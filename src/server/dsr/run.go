package dsr

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ethyca/fides-engine/src/connector"
	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/cache"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/log"
	"github.com/ethyca/fides-engine/src/internal/manualtask"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/internal/task"
	"github.com/ethyca/fides-engine/src/policy"
	"github.com/ethyca/fides-engine/src/record"
	"github.com/ethyca/fides-engine/src/server/dsr/report"
)

// Process drives one privacy request through the checkpoint sequence.  It is
// the queue's ProcessFunc and is idempotent: node results are cached, so a
// re-delivered dispatch re-runs only unfinished work.
func (s *Service) Process(ctx context.Context, d task.Dispatch) error {
	ctx = log.ChildLogger(ctx, "dsr", log.WithFields(zap.String("request", d.RequestID)))
	req, err := prdb.GetPrivacyRequest(ctx, s.db, d.RequestID)
	if err != nil {
		var nf *prdb.RequestNotFoundError
		if errors.As(err, &nf) {
			log.Error(ctx, "dispatch for unknown request, dropping", zap.Error(err))
			return nil
		}
		return err
	}
	if req.Status.Terminal() {
		log.Info(ctx, "request already finished, dropping dispatch",
			zap.String("status", string(req.Status)))
		return nil
	}
	switch req.Status {
	case prdb.StatusApproved, prdb.StatusPending, prdb.StatusPaused,
		prdb.StatusRequiresInput, prdb.StatusAwaitingEmailSend, prdb.StatusError:
		if req, err = transition(ctx, s.db, req, prdb.StatusInProcessing); err != nil {
			return err
		}
	case prdb.StatusInProcessing:
	default:
		log.Info(ctx, "request not ready for processing, dropping dispatch",
			zap.String("status", string(req.Status)))
		return nil
	}
	pol, err := s.policyFor(req)
	if err != nil {
		return s.fail(ctx, req, "", err)
	}
	identities, err := s.loadIdentities(ctx, req.ID)
	if err != nil {
		return s.fail(ctx, req, "", err)
	}

	hasAccess := len(pol.RulesFor(policy.ActionAccess)) > 0
	hasErasure := len(pol.RulesFor(policy.ActionErasure)) > 0
	hasConsent := len(pol.RulesFor(policy.ActionConsent)) > 0

	resume := Checkpoint(d.Checkpoint)
	for _, cp := range CheckpointSequence {
		if !CanRunCheckpoint(resume, cp) {
			continue
		}
		end := log.Span(ctx, "checkpoint/"+string(cp))
		var cperr error
		switch cp {
		case CheckpointPreWebhooks:
			cperr = s.runWebhooks(ctx, req, prdb.WebhookPre, identities)
		case CheckpointAccess:
			// Erasure also needs the access pass to locate the rows it will
			// mask.
			if hasAccess || hasErasure {
				cperr = s.runGraph(ctx, req, pol, identities, policy.ActionAccess)
			}
		case CheckpointErasure:
			if hasErasure {
				cperr = s.runErasure(ctx, req, pol, identities)
			}
		case CheckpointConsent:
			if hasConsent {
				cperr = s.runConsent(ctx, req, identities)
			}
		case CheckpointEmailPostSend:
			if hasErasure && s.email != nil {
				cperr = s.runEmailPostSend(ctx, &req, identities)
			}
		case CheckpointPostWebhooks:
			cperr = s.runWebhooks(ctx, req, prdb.WebhookPost, identities)
		}
		end(cperr)
		if cperr != nil {
			var awaiting *connector.AwaitingInputError
			if errors.As(cperr, &awaiting) {
				return s.pause(ctx, req, cp, prdb.StatusRequiresInput, cperr.Error())
			}
			if errors.Is(cperr, errWebhookHalt) {
				return s.pause(ctx, req, cp, prdb.StatusPaused, cperr.Error())
			}
			return s.fail(ctx, req, cp, cperr)
		}
	}

	if hasAccess {
		if err := s.uploadReport(ctx, req, pol); err != nil {
			return s.fail(ctx, req, CheckpointPostWebhooks, err)
		}
	}
	if err := s.cache.Delete(ctx, cache.CheckpointKey(req.ID)); err != nil {
		return err
	}
	if _, err := transition(ctx, s.db, req, prdb.StatusComplete); err != nil {
		return err
	}
	log.Info(ctx, "privacy request complete")
	return nil
}

// pause checkpoints the request and parks it in the given status.  The
// dispatch is consumed; Resume submits a fresh one.
func (s *Service) pause(ctx context.Context, req prdb.PrivacyRequest, cp Checkpoint, status prdb.RequestStatus, why string) error {
	log.Info(ctx, "privacy request paused",
		zap.String("checkpoint", string(cp)),
		zap.String("status", string(status)),
		zap.String("why", why))
	if err := s.cache.Set(ctx, cache.CheckpointKey(req.ID), []byte(cp), 0); err != nil {
		return err
	}
	_, err := transition(ctx, s.db, req, status)
	return err
}

// loadIdentities merges persisted identities with values derived later (e.g.
// by webhooks), which live only in the cache.
func (s *Service) loadIdentities(ctx context.Context, requestID string) (map[string]string, error) {
	identities, err := prdb.GetProvidedIdentities(ctx, s.db, s.codec, requestID)
	if err != nil {
		return nil, err
	}
	kvs, err := s.cache.GetPrefix(ctx, cache.IdentityPrefix(requestID))
	if err != nil {
		return nil, err
	}
	prefix := cache.IdentityPrefix(requestID)
	for _, kv := range kvs {
		field := kv.Key[len(prefix):]
		if _, ok := identities[field]; !ok {
			identities[field] = string(kv.Value)
		}
	}
	return identities, nil
}

// manualInput bundles everything needed to run one manual node.
type manualInput struct {
	task    prdb.ManualTask
	configs []prdb.ManualTaskConfig
}

// buildTraversal assembles the dataset graph for one action: registered
// datasets whose connections are enabled, plus a synthetic dataset per manual
// task, seeded with the request's identities.
func (s *Service) buildTraversal(ctx context.Context, requestID string, identities map[string]string, action policy.ActionType) (*graph.Traversal, map[string]manualInput, error) {
	enabled, err := prdb.ListEnabledConnections(ctx, s.db)
	if err != nil {
		return nil, nil, err
	}
	enabledKeys := make(map[string]prdb.ConnectionConfig, len(enabled))
	for _, c := range enabled {
		enabledKeys[c.Key] = c
	}
	var datasets []*graph.Dataset
	for _, ds := range s.datasets {
		if _, ok := enabledKeys[ds.ConnectionKey]; ok {
			datasets = append(datasets, ds)
		}
	}
	identityKeys := make([]string, 0, len(identities))
	for k := range identities {
		identityKeys = append(identityKeys, k)
	}
	var inputs []manualtask.TaskGraphInput
	manual := make(map[string]manualInput)
	for _, c := range enabled {
		if c.Type != "manual_task" {
			continue
		}
		mt, err := prdb.GetManualTask(ctx, s.db, c.Key)
		if err != nil {
			var nf *prdb.TaskNotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, nil, err
		}
		configs, err := prdb.ListCurrentConfigs(ctx, s.db, mt.ID, string(action))
		if err != nil {
			return nil, nil, err
		}
		if len(configs) == 0 {
			continue
		}
		inputs = append(inputs, manualtask.TaskGraphInput{Connection: c, Task: mt, Configs: configs})
		manual[c.Key] = manualInput{task: mt, configs: configs}
	}
	synthetic, err := manualtask.SyntheticDatasets(inputs, string(action), identityKeys)
	if err != nil {
		return nil, nil, err
	}
	datasets = append(datasets, synthetic...)
	g, err := graph.NewDatasetGraph(datasets...)
	if err != nil {
		return nil, nil, err
	}
	tr, err := graph.NewTraversal(g, identities)
	if err != nil {
		return nil, nil, err
	}
	return tr, manual, nil
}

// runGraph executes the access pass: every node queried in dependency order,
// raw rows cached per collection for the report and erasure phases.  Nodes
// with cached results are not re-run, which makes resume cheap.
func (s *Service) runGraph(ctx context.Context, req prdb.PrivacyRequest, pol *policy.Policy, identities map[string]string, action policy.ActionType) error {
	tr, manual, err := s.buildTraversal(ctx, req.ID, identities, action)
	if err != nil {
		return err
	}
	var mu sync.Mutex
	outputs := make(map[graph.CollectionAddress][]record.Row)
	done := make(map[graph.CollectionAddress]bool)
	for len(done) < len(tr.Nodes) {
		var wave []graph.CollectionAddress
		for _, addr := range tr.Order {
			if done[addr] {
				continue
			}
			ready := true
			for _, up := range tr.Nodes[addr].After() {
				if !done[up] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, addr)
			}
		}
		if len(wave) == 0 {
			return errors.Errorf("traversal stalled with %d nodes unexecuted", len(tr.Nodes)-len(done))
		}
		eg, egCtx := errgroup.WithContext(ctx)
		for _, addr := range wave {
			addr := addr
			eg.Go(func() error {
				rows, err := s.runAccessNode(egCtx, req, tr.Nodes[addr], identities, manual, outputs, &mu, action)
				if err != nil {
					return err
				}
				mu.Lock()
				outputs[addr] = rows
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		for _, addr := range wave {
			done[addr] = true
		}
	}
	return nil
}

// runAccessNode produces the rows of one collection, from the cache when this
// request already ran it, from submitted manual data for manual nodes, and
// from the connection's connector otherwise.
func (s *Service) runAccessNode(ctx context.Context, req prdb.PrivacyRequest, node *graph.TraversalNode, identities map[string]string, manual map[string]manualInput, outputs map[graph.CollectionAddress][]record.Row, mu *sync.Mutex, action policy.ActionType) ([]record.Row, error) {
	addr := node.Node.Address
	if data, err := s.cache.Get(ctx, cache.AccessResultKey(req.ID, addr.String())); err == nil {
		return unmarshalRows(data)
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}
	var upstream []string
	for _, up := range node.After() {
		upstream = append(upstream, up.String())
	}
	if err := s.markNode(ctx, req.ID, addr, action, prdb.LogInProcessing, upstream, ""); err != nil {
		return nil, err
	}
	rows, err := s.fetchNodeRows(ctx, req, node, identities, manual, outputs, mu, action)
	if err != nil {
		status := prdb.LogError
		var awaiting *connector.AwaitingInputError
		if errors.As(err, &awaiting) {
			status = prdb.LogPaused
		}
		if markErr := s.markNode(ctx, req.ID, addr, action, status, upstream, err.Error()); markErr != nil {
			return nil, markErr
		}
		return nil, err
	}
	data, merr := marshalRows(rows)
	if merr != nil {
		return nil, merr
	}
	if err := s.cache.Set(ctx, cache.AccessResultKey(req.ID, addr.String()), data, s.cfg.ResultTTL); err != nil {
		return nil, err
	}
	if err := prdb.UpsertRequestTask(ctx, s.db, prdb.UpsertTaskRequest{
		RequestID:         req.ID,
		CollectionAddress: addr.String(),
		Action:            string(action),
		Status:            prdb.LogComplete,
		Upstream:          upstream,
	}); err != nil {
		return nil, err
	}
	if err := prdb.CreateExecutionLog(ctx, s.db, prdb.CreateLogRequest{
		RequestID:      req.ID,
		Dataset:        addr.Dataset,
		Collection:     addr.Collection,
		Action:         string(action),
		Status:         prdb.LogComplete,
		FieldsAffected: affectedFields(node.Node),
	}); err != nil {
		return nil, err
	}
	log.Debug(ctx, "node executed",
		zap.String("node", addr.String()),
		zap.Int("rows", len(rows)))
	return rows, nil
}

// markNode records a node state change in the request task row and the
// append-only execution log.
func (s *Service) markNode(ctx context.Context, requestID string, addr graph.CollectionAddress, action policy.ActionType, status prdb.LogStatus, upstream []string, message string) error {
	if err := prdb.UpsertRequestTask(ctx, s.db, prdb.UpsertTaskRequest{
		RequestID:         requestID,
		CollectionAddress: addr.String(),
		Action:            string(action),
		Status:            status,
		Upstream:          upstream,
	}); err != nil {
		return err
	}
	return prdb.CreateExecutionLog(ctx, s.db, prdb.CreateLogRequest{
		RequestID:  requestID,
		Dataset:    addr.Dataset,
		Collection: addr.Collection,
		Action:     string(action),
		Status:     status,
		Message:    message,
	})
}

func (s *Service) fetchNodeRows(ctx context.Context, req prdb.PrivacyRequest, node *graph.TraversalNode, identities map[string]string, manual map[string]manualInput, outputs map[graph.CollectionAddress][]record.Row, mu *sync.Mutex, action policy.ActionType) ([]record.Row, error) {
	connectionKey := node.Node.Dataset.ConnectionKey
	if in, ok := manual[connectionKey]; ok && node.Node.Address.Collection == manualtask.ManualCollection {
		return s.runManualNode(ctx, req, node, in, outputs, mu, action)
	}
	criteria := s.nodeCriteria(node, identities, outputs, mu)
	if len(criteria) == 0 {
		// Nothing upstream matched; the node holds no data for this subject.
		return nil, nil
	}
	c, err := s.connectorFor(ctx, connectionKey)
	if err != nil {
		return nil, err
	}
	return c.Access(ctx, node, criteria)
}

// nodeCriteria collects the values each incoming edge observed: identity
// seeds for root edges, upstream row values otherwise.  Edges whose source
// produced nothing contribute nothing.
func (s *Service) nodeCriteria(node *graph.TraversalNode, identities map[string]string, outputs map[graph.CollectionAddress][]record.Row, mu *sync.Mutex) connector.Criteria {
	criteria := connector.Criteria{}
	mu.Lock()
	defer mu.Unlock()
	for _, e := range node.Parents {
		key := e.To.Path.String()
		if e.From.Collection.IsRoot() {
			if v, ok := identities[e.From.Path.String()]; ok {
				criteria[key] = append(criteria[key], record.String(v))
			}
			continue
		}
		for _, row := range outputs[e.From.Collection] {
			for _, v := range record.FromObject(row).Select(e.From.Path) {
				if !v.IsNull() && !v.IsContainer() {
					criteria[key] = append(criteria[key], v)
				}
			}
		}
	}
	for key, vs := range criteria {
		if len(vs) == 0 {
			delete(criteria, key)
		}
	}
	return criteria
}

// runManualNode resolves a manual task node: conditions decide whether human
// input is needed at all, instances are created idempotently, and incomplete
// instances pause the request.
func (s *Service) runManualNode(ctx context.Context, req prdb.PrivacyRequest, node *graph.TraversalNode, in manualInput, outputs map[graph.CollectionAddress][]record.Row, mu *sync.Mutex, action policy.ActionType) ([]record.Row, error) {
	lookup := func(addr graph.FieldAddress) []record.Value {
		mu.Lock()
		defer mu.Unlock()
		var out []record.Value
		for _, row := range outputs[addr.Collection] {
			out = append(out, record.FromObject(row).Select(addr.Path)...)
		}
		return out
	}
	var needed []prdb.ManualTaskConfig
	for _, cfg := range in.configs {
		if cfg.Action != string(action) {
			continue
		}
		applies := false
		for _, f := range cfg.Fields {
			cond, err := manualtask.ParseCondition(f.Conditions)
			if err != nil {
				return nil, err
			}
			if manualtask.Evaluate(cond, lookup) {
				applies = true
				break
			}
		}
		if applies {
			needed = append(needed, cfg)
		}
	}
	if len(needed) == 0 {
		return nil, nil
	}
	instances, err := manualtask.EnsureInstances(ctx, s.db, in.task, needed, req.ID, string(action))
	if err != nil {
		return nil, err
	}
	configByID := make(map[string]prdb.ManualTaskConfig, len(needed))
	for _, cfg := range needed {
		configByID[cfg.ID] = cfg
	}
	var rows []record.Row
	for _, inst := range instances {
		cfg := configByID[inst.ConfigID]
		submissions, err := prdb.ListSubmissions(ctx, s.db, inst.ID)
		if err != nil {
			return nil, err
		}
		if inst.Status != prdb.InstanceCompleted {
			if len(manualtask.MissingFields(cfg, submissions)) > 0 {
				return nil, &connector.AwaitingInputError{Address: node.Node.Address}
			}
			if err := prdb.CompleteInstance(ctx, s.db, inst.ID); err != nil {
				return nil, err
			}
		}
		row, err := manualtask.SubmittedRow(cfg, submissions)
		if err != nil {
			return nil, err
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// affectedFields lists the categorized top-level fields of a collection for
// the execution log payload.
func affectedFields(n *graph.Node) []prdb.AffectedField {
	var out []prdb.AffectedField
	for _, f := range n.Collection.Fields {
		cats := f.DataCategories
		if len(cats) == 0 {
			cats = n.Collection.DataCategories
		}
		if len(cats) == 0 {
			continue
		}
		out = append(out, prdb.AffectedField{
			Path:           n.Address.String() + ":" + f.Name,
			DataCategories: cats,
		})
	}
	return out
}

func marshalRows(rows []record.Row) ([]byte, error) {
	data, err := json.Marshal(rows)
	return data, errors.Wrap(err, "marshal rows")
}

func unmarshalRows(data []byte) ([]record.Row, error) {
	var rows []record.Row
	err := json.Unmarshal(data, &rows)
	return rows, errors.Wrap(err, "unmarshal rows")
}

func marshalConsent(prefs map[string]bool) ([]byte, error) {
	data, err := json.Marshal(prefs)
	return data, errors.Wrap(err, "marshal consent preferences")
}

func unmarshalConsent(data []byte) (map[string]bool, error) {
	prefs := map[string]bool{}
	err := json.Unmarshal(data, &prefs)
	return prefs, errors.Wrap(err, "unmarshal consent preferences")
}

// uploadReport assembles and stores the subject's report package.
func (s *Service) uploadReport(ctx context.Context, req prdb.PrivacyRequest, pol *policy.Policy) error {
	kvs, err := s.cache.GetPrefix(ctx, cache.AccessResultPrefix(req.ID))
	if err != nil {
		return err
	}
	prefix := cache.AccessResultPrefix(req.ID)
	targets := pol.TargetCategories(policy.ActionAccess)
	results := make(map[graph.CollectionAddress][]record.Row)
	nodes := s.collectionIndex()
	for _, kv := range kvs {
		addr, ok := graph.NewCollectionAddress(kv.Key[len(prefix):])
		if !ok {
			continue
		}
		rows, err := unmarshalRows(kv.Value)
		if err != nil {
			return err
		}
		col := nodes[addr]
		var filtered []record.Row
		for _, row := range rows {
			out := row
			if col != nil {
				out = record.FilterRow(row, col, targets)
			}
			if len(out) > 0 {
				filtered = append(filtered, out)
			}
		}
		if len(filtered) > 0 {
			results[addr] = filtered
		}
	}
	redaction, err := record.NewRedactionMap(s.datasets, s.cfg.RedactionPatterns)
	if err != nil {
		return err
	}
	return report.Upload(ctx, s.bucket, req.ID, results, redaction)
}

// collectionIndex maps addresses to collection declarations across the
// registered datasets.  Synthetic manual collections are absent; their rows
// pass through unfiltered since every configured field was deliberately
// requested.
func (s *Service) collectionIndex() map[graph.CollectionAddress]*graph.Collection {
	out := make(map[graph.CollectionAddress]*graph.Collection)
	for _, ds := range s.datasets {
		for i := range ds.Collections {
			out[graph.CollectionAddress{Dataset: ds.Name, Collection: ds.Collections[i].Name}] = &ds.Collections[i]
		}
	}
	return out
}
