package dsr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ethyca/fides-engine/src/connector"
	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/cache"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/fidesql"
	"github.com/ethyca/fides-engine/src/internal/log"
	"github.com/ethyca/fides-engine/src/internal/obj"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/internal/task"
	"github.com/ethyca/fides-engine/src/policy"
)

// Config tunes request processing.
type Config struct {
	// RequireVerification makes new requests start identity_unverified until
	// the subject confirms a verification code.
	RequireVerification bool
	// VerificationAttemptLimit bounds code attempts before the request
	// errors out.
	VerificationAttemptLimit int
	// AutoApprove skips human review: verified requests go straight to
	// processing.
	AutoApprove bool
	// ResultTTL bounds how long intermediate access results stay cached.
	ResultTTL time.Duration
	// RedactionPatterns are regexes over dataset/collection/field names
	// whose matches are replaced with neutral labels in subject reports.
	RedactionPatterns []string
}

func (c Config) withDefaults() Config {
	if c.VerificationAttemptLimit == 0 {
		c.VerificationAttemptLimit = 3
	}
	if c.ResultTTL == 0 {
		c.ResultTTL = 7 * 24 * time.Hour
	}
	return c
}

// EmailSender delivers batched erasure notices to downstream processors after
// the erasure checkpoint.  Deployments without one skip the checkpoint.
type EmailSender interface {
	SendErasureNotices(ctx context.Context, requestID string, identities map[string]string) error
}

// Service orchestrates privacy requests.
type Service struct {
	db     *fidesql.DB
	cache  cache.Cache
	queue  task.Queue
	bucket *obj.Bucket
	codec  *prdb.IdentityCodec
	cfg    Config

	policies map[string]*policy.Policy
	datasets []*graph.Dataset

	email EmailSender

	// newConnector is swappable in tests.
	newConnector func(ctx context.Context, cfg prdb.ConnectionConfig) (connector.Connector, error)

	mu         sync.Mutex
	connectors map[string]connector.Connector
}

// New wires a Service.  Datasets and policies are registered afterwards with
// RegisterDataset and RegisterPolicy.
func New(db *fidesql.DB, c cache.Cache, q task.Queue, bucket *obj.Bucket, codec *prdb.IdentityCodec, cfg Config) *Service {
	return &Service{
		db:           db,
		cache:        c,
		queue:        q,
		bucket:       bucket,
		codec:        codec,
		cfg:          cfg.withDefaults(),
		policies:     make(map[string]*policy.Policy),
		newConnector: connector.New,
		connectors:   make(map[string]connector.Connector),
	}
}

// RegisterPolicy makes a policy available to requests by key.
func (s *Service) RegisterPolicy(p *policy.Policy) {
	s.policies[p.Key] = p
}

// RegisterDataset adds a dataset to the execution graph.
func (s *Service) RegisterDataset(ds *graph.Dataset) {
	s.datasets = append(s.datasets, ds)
}

// SetEmailSender enables the email_post_send checkpoint.
func (s *Service) SetEmailSender(e EmailSender) { s.email = e }

func (s *Service) policyFor(req prdb.PrivacyRequest) (*policy.Policy, error) {
	p, ok := s.policies[req.PolicyKey]
	if !ok {
		return nil, errors.Errorf("request %s names unknown policy %s", req.ID, req.PolicyKey)
	}
	return p, nil
}

// connectorFor returns, opening if needed, the connector for a connection
// key.  Connectors are pooled for the life of the service.
func (s *Service) connectorFor(ctx context.Context, key string) (connector.Connector, error) {
	s.mu.Lock()
	if c, ok := s.connectors[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()
	var cfg prdb.ConnectionConfig
	found := false
	cfgs, err := prdb.ListEnabledConnections(ctx, s.db)
	if err != nil {
		return nil, err
	}
	for _, x := range cfgs {
		if x.Key == key {
			cfg, found = x, true
			break
		}
	}
	if !found {
		return nil, errors.Errorf("connection %s is unknown or disabled", key)
	}
	c, err := s.newConnector(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.connectors[key]; ok {
		_ = c.Close()
		return existing, nil
	}
	s.connectors[key] = c
	return c, nil
}

// Close releases every pooled connector.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for _, c := range s.connectors {
		errors.JoinInto(&errs, c.Close())
	}
	s.connectors = make(map[string]connector.Connector)
	return errs
}

// CreateRequest carries the inputs for a new privacy request.
type CreateRequest struct {
	PolicyKey  string
	ExternalID string
	// Identities seed graph traversal, e.g. {"email": "user@example.com"}.
	Identities map[string]string
	// ConsentPreferences maps notice keys to opt-in state, for consent
	// requests.
	ConsentPreferences map[string]bool
	// VerificationCode, when verification is required, is the code sent to
	// the subject out of band.
	VerificationCode string
}

// Create registers a privacy request, persists its identities encrypted, and
// caches the seed values for processing.  The request starts
// identity_unverified or pending depending on configuration.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	if len(req.Identities) == 0 {
		return "", errors.New("a privacy request requires at least one identity")
	}
	if _, ok := s.policies[req.PolicyKey]; !ok {
		return "", errors.Errorf("unknown policy %s", req.PolicyKey)
	}
	status := prdb.StatusPending
	if s.cfg.RequireVerification {
		status = prdb.StatusIdentityUnverified
	}
	id, err := prdb.CreatePrivacyRequest(ctx, s.db, prdb.CreateRequestRequest{
		ExternalID: req.ExternalID,
		PolicyKey:  req.PolicyKey,
		Status:     status,
	})
	if err != nil {
		return "", err
	}
	for field, value := range req.Identities {
		if err := prdb.CreateProvidedIdentity(ctx, s.db, s.codec, id, field, value); err != nil {
			return "", err
		}
		if err := s.cache.Set(ctx, cache.IdentityKey(id, field), []byte(value), s.cfg.ResultTTL); err != nil {
			return "", err
		}
	}
	if len(req.ConsentPreferences) > 0 {
		data, err := marshalConsent(req.ConsentPreferences)
		if err != nil {
			return "", err
		}
		if err := s.cache.Set(ctx, cache.ConsentKey(id), data, s.cfg.ResultTTL); err != nil {
			return "", err
		}
	}
	if s.cfg.RequireVerification {
		if req.VerificationCode == "" {
			return "", errors.New("identity verification is required but no code was provided")
		}
		if err := prdb.SetVerificationCode(ctx, s.db, id, s.codec.Hash(req.VerificationCode)); err != nil {
			return "", err
		}
	}
	log.Info(ctx, "privacy request created",
		zap.String("request", id),
		zap.String("policy", req.PolicyKey),
		zap.String("status", string(status)))
	return id, nil
}

// VerificationError reports a wrong verification code with attempts left.
type VerificationError struct {
	AttemptsRemaining int
}

func (e *VerificationError) Error() string {
	return "incorrect verification code"
}

// VerifyIdentity checks the subject's code.  On success the request becomes
// pending (or starts processing under auto-approve).  Attempts are bounded;
// exhausting them moves the request to error.
func (s *Service) VerifyIdentity(ctx context.Context, requestID, code string) error {
	req, err := prdb.GetPrivacyRequest(ctx, s.db, requestID)
	if err != nil {
		return err
	}
	if req.Status != prdb.StatusIdentityUnverified {
		return &prdb.InvalidTransitionError{From: req.Status, To: prdb.StatusPending}
	}
	attempts, err := prdb.IncrementVerificationAttempts(ctx, s.db, requestID)
	if err != nil {
		return err
	}
	codeHash, _, err := prdb.GetVerificationState(ctx, s.db, requestID)
	if err != nil {
		return err
	}
	if codeHash == "" || s.codec.Hash(code) != codeHash {
		if attempts >= s.cfg.VerificationAttemptLimit {
			if _, terr := transition(ctx, s.db, req, prdb.StatusError); terr != nil {
				return terr
			}
			if err := prdb.CreateRequestError(ctx, s.db, requestID, "identity verification attempts exhausted"); err != nil {
				return err
			}
			return errors.Errorf("verification attempts exhausted for request %s", requestID)
		}
		return &VerificationError{AttemptsRemaining: s.cfg.VerificationAttemptLimit - attempts}
	}
	if err := prdb.InvalidateVerificationCode(ctx, s.db, requestID); err != nil {
		return err
	}
	if _, err := transition(ctx, s.db, req, prdb.StatusPending); err != nil {
		return err
	}
	log.Info(ctx, "identity verified", zap.String("request", requestID))
	if s.cfg.AutoApprove {
		return s.submit(ctx, requestID, "")
	}
	return nil
}

// Approve moves a pending request into processing and records who approved
// it.
func (s *Service) Approve(ctx context.Context, requestID, userID string) error {
	req, err := prdb.GetPrivacyRequest(ctx, s.db, requestID)
	if err != nil {
		return err
	}
	if _, err := transition(ctx, s.db, req, prdb.StatusApproved); err != nil {
		return err
	}
	if err := prdb.CreateAuditLog(ctx, s.db, requestID, userID, prdb.AuditApproved, ""); err != nil {
		return err
	}
	return s.submit(ctx, requestID, "")
}

// Deny finishes a pending request without processing it.
func (s *Service) Deny(ctx context.Context, requestID, userID, reason string) error {
	req, err := prdb.GetPrivacyRequest(ctx, s.db, requestID)
	if err != nil {
		return err
	}
	if _, err := transition(ctx, s.db, req, prdb.StatusDenied); err != nil {
		return err
	}
	return prdb.CreateAuditLog(ctx, s.db, requestID, userID, prdb.AuditDenied, reason)
}

// Resume re-enters processing for a paused request or one waiting on manual
// input, picking up at the recorded checkpoint.  A webhook callback may carry
// derived identities; they are merged without overwriting anything the
// request already knows.
func (s *Service) Resume(ctx context.Context, requestID string, derivedIdentities map[string]string) error {
	req, err := prdb.GetPrivacyRequest(ctx, s.db, requestID)
	if err != nil {
		return err
	}
	switch req.Status {
	case prdb.StatusPaused, prdb.StatusRequiresInput, prdb.StatusAwaitingEmailSend:
	default:
		return &prdb.InvalidTransitionError{From: req.Status, To: prdb.StatusInProcessing}
	}
	if len(derivedIdentities) > 0 {
		existing, err := s.loadIdentities(ctx, requestID)
		if err != nil {
			return err
		}
		for field, value := range derivedIdentities {
			if _, ok := existing[field]; ok {
				continue
			}
			if err := s.addDerivedIdentity(ctx, requestID, field, value); err != nil {
				return err
			}
		}
	}
	checkpoint := ""
	if data, err := s.cache.Get(ctx, cache.CheckpointKey(requestID)); err == nil {
		checkpoint = string(data)
	} else if !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return s.submit(ctx, requestID, checkpoint)
}

// addDerivedIdentity persists one identity value that arrived after request
// creation, from a webhook reply or a resume callback.
func (s *Service) addDerivedIdentity(ctx context.Context, requestID, field, value string) error {
	if err := prdb.CreateProvidedIdentity(ctx, s.db, s.codec, requestID, field, value); err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.IdentityKey(requestID, field), []byte(value), s.cfg.ResultTTL)
}

// Retry re-submits an errored request from its recorded checkpoint.
func (s *Service) Retry(ctx context.Context, requestID string) error {
	req, err := prdb.GetPrivacyRequest(ctx, s.db, requestID)
	if err != nil {
		return err
	}
	if req.Status != prdb.StatusError {
		return &prdb.InvalidTransitionError{From: req.Status, To: prdb.StatusInProcessing}
	}
	checkpoint := ""
	if data, err := s.cache.Get(ctx, cache.CheckpointKey(requestID)); err == nil {
		checkpoint = string(data)
	} else if !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return s.submit(ctx, requestID, checkpoint)
}

// Cancel stops a request that has not finished.  Any queued dispatch is
// revoked; a claimed dispatch notices the canceled status and stops.
func (s *Service) Cancel(ctx context.Context, requestID, reason string) error {
	req, err := prdb.GetPrivacyRequest(ctx, s.db, requestID)
	if err != nil {
		return err
	}
	if _, err := transition(ctx, s.db, req, prdb.StatusCanceled); err != nil {
		return err
	}
	if reason != "" {
		if err := prdb.CreateRequestError(ctx, s.db, requestID, "canceled: "+reason); err != nil {
			return err
		}
	}
	if data, err := s.cache.Get(ctx, cache.DispatchKey(requestID)); err == nil {
		if err := s.queue.Revoke(ctx, string(data)); err != nil {
			return err
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	log.Info(ctx, "privacy request canceled", zap.String("request", requestID))
	return nil
}

// submit enqueues a dispatch and remembers its id for cancellation.
func (s *Service) submit(ctx context.Context, requestID, checkpoint string) error {
	taskID, err := s.queue.Submit(ctx, task.Dispatch{
		RequestID:  requestID,
		Checkpoint: checkpoint,
	})
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.DispatchKey(requestID), []byte(taskID), s.cfg.ResultTTL)
}

// fail moves a request to error and records why.
func (s *Service) fail(ctx context.Context, req prdb.PrivacyRequest, checkpoint Checkpoint, cause error) error {
	log.Error(ctx, "privacy request errored",
		zap.String("request", req.ID),
		zap.String("checkpoint", string(checkpoint)),
		zap.Error(cause))
	if err := s.cache.Set(ctx, cache.CheckpointKey(req.ID), []byte(checkpoint), 0); err != nil {
		return err
	}
	if _, err := transition(ctx, s.db, req, prdb.StatusError); err != nil {
		return err
	}
	return prdb.CreateRequestError(ctx, s.db, req.ID, cause.Error())
}
