package dsr

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/log"
	"github.com/ethyca/fides-engine/src/internal/prdb"
)

var webhookClient = &http.Client{Timeout: 30 * time.Second}

// webhookPayload is posted to every policy webhook.
type webhookPayload struct {
	RequestID  string            `json:"privacy_request_id"`
	PolicyKey  string            `json:"policy_key"`
	Direction  string            `json:"direction"`
	Identities map[string]string `json:"identities"`
}

// webhookReply is the response body of a two-way webhook.
type webhookReply struct {
	// Halt pauses the request until an operator resumes it.
	Halt bool `json:"halt"`
	// DerivedIdentities are additional identity values the webhook looked
	// up, merged into the request's identity set.
	DerivedIdentities map[string]string `json:"derived_identities"`
}

// errWebhookHalt signals that a two-way webhook asked to pause the request.
var errWebhookHalt = errors.New("webhook requested halt")

// runWebhooks posts to each webhook of the direction in order.  Pre-execution
// two-way webhooks may halt processing (errWebhookHalt) or derive identities,
// which are persisted and cached before the graph runs.  Post-execution
// webhook failures are logged, not fatal.
func (s *Service) runWebhooks(ctx context.Context, req prdb.PrivacyRequest, direction prdb.WebhookDirection, identities map[string]string) error {
	hooks, err := prdb.ListPolicyWebhooks(ctx, s.db, req.PolicyKey, direction)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		reply, err := s.callWebhook(ctx, hook, webhookPayload{
			RequestID:  req.ID,
			PolicyKey:  req.PolicyKey,
			Direction:  string(direction),
			Identities: identities,
		})
		if err != nil {
			if direction == prdb.WebhookPost {
				log.Error(ctx, "post-execution webhook errored",
					zap.String("request", req.ID),
					zap.String("webhook", hook.Name),
					zap.Error(err))
				continue
			}
			return errors.Wrapf(err, "webhook %s", hook.Name)
		}
		if !hook.TwoWay || reply == nil {
			continue
		}
		for field, value := range reply.DerivedIdentities {
			if _, exists := identities[field]; exists {
				continue
			}
			identities[field] = value
			if err := s.addDerivedIdentity(ctx, req.ID, field, value); err != nil {
				return err
			}
			log.Info(ctx, "webhook derived identity",
				zap.String("request", req.ID),
				zap.String("webhook", hook.Name),
				zap.String("field", field))
		}
		if reply.Halt {
			return errors.Wrapf(errWebhookHalt, "webhook %s", hook.Name)
		}
	}
	return nil
}

func (s *Service) callWebhook(ctx context.Context, hook prdb.PolicyWebhook, payload webhookPayload) (*webhookReply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := webhookClient.Do(httpReq)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("status %d", resp.StatusCode)
	}
	if !hook.TwoWay {
		return nil, nil
	}
	var reply webhookReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, errors.Wrap(err, "decode webhook reply")
	}
	return &reply, nil
}
