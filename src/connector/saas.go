package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethyca/fides-engine/src/graph"
	"github.com/ethyca/fides-engine/src/internal/backoff"
	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/internal/prdb"
	"github.com/ethyca/fides-engine/src/record"
)

// SaaSConnector executes collections against an HTTP API.  Each collection
// maps to a resource path under the connection's base URL:
//
//	GET    <base>/<collection>?<column>=<value>   access
//	PUT    <base>/<collection>/<id>               mask
//
// The access response is a JSON array of objects.  Bearer credentials come
// from FIDES_CONNECTION_TOKEN_<KEY>.
type SaaSConnector struct {
	key    string
	base   string
	token  string
	client *http.Client
}

func NewSaaSConnector(cfg prdb.ConnectionConfig) (*SaaSConnector, error) {
	base := strings.TrimSuffix(cfg.AccessURL, "/")
	if base == "" {
		return nil, errors.Errorf("connection %s has no access url", cfg.Key)
	}
	return &SaaSConnector{
		key:    cfg.Key,
		base:   base,
		token:  os.Getenv("FIDES_CONNECTION_TOKEN_" + strings.ToUpper(cfg.Key)),
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *SaaSConnector) Key() string { return c.key }

func (c *SaaSConnector) Close() error { return nil }

func (c *SaaSConnector) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base, nil)
	if err != nil {
		return errors.EnsureStack(err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "test connection %s", c.key)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.Errorf("test connection %s: status %d", c.key, resp.StatusCode)
	}
	return nil
}

// do issues the request, retrying transient failures and 5xx/429 responses
// with exponential backoff.
func (c *SaaSConnector) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	attempts := 0
	err := backoff.RetryUntilCancel(ctx, func() error {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return errors.EnsureStack(err)
			}
			req.Body = body
		}
		var err error
		resp, err = c.client.Do(req) //nolint:bodyclose
		if err != nil {
			return errors.EnsureStack(err)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return errors.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}, backoff.NewExponentialBackOff(), func(err error, _ time.Duration) error {
		attempts++
		if attempts >= 5 {
			return err
		}
		return nil
	})
	return resp, err
}

func (c *SaaSConnector) accessURL(node *graph.TraversalNode, criteria Criteria) (string, error) {
	keys := make([]string, 0, len(criteria))
	for k, vs := range criteria {
		if len(vs) > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", errors.Errorf("no criteria to query %s with", node.Node.Address)
	}
	sort.Strings(keys)
	q := url.Values{}
	for _, k := range keys {
		for _, v := range criteria[k] {
			q.Add(k, fmt.Sprint(v.ToAny()))
		}
	}
	return c.base + "/" + url.PathEscape(node.Node.Collection.Name) + "?" + q.Encode(), nil
}

func (c *SaaSConnector) Access(ctx context.Context, node *graph.TraversalNode, criteria Criteria) ([]record.Row, error) {
	target, err := c.accessURL(node, criteria)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "access %s", node.Node.Address)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("access %s: status %d", node.Node.Address, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "access %s", node.Node.Address)
	}
	var raw []map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrapf(err, "access %s: decode response", node.Node.Address)
	}
	out := make([]record.Row, 0, len(raw))
	for _, r := range raw {
		row := record.Row{}
		for k, v := range r {
			row[k] = record.FromAny(v)
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *SaaSConnector) Mask(ctx context.Context, node *graph.TraversalNode, rows []record.Row, updates []FieldUpdate) (int, error) {
	if len(updates) == 0 || len(rows) == 0 {
		return 0, nil
	}
	pk := primaryKey(node.Node.Collection)
	if pk == "" {
		return 0, &UnsupportedActionError{ConnectionKey: c.key, Action: "erasure without a primary key"}
	}
	patch := map[string]interface{}{}
	for _, u := range updates {
		patch[u.Path.String()] = u.Value.ToAny()
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return 0, errors.EnsureStack(err)
	}
	var affected int
	for _, row := range rows {
		id, ok := row[pk]
		if !ok || id.IsNull() {
			continue
		}
		target := c.base + "/" + url.PathEscape(node.Node.Collection.Name) + "/" + url.PathEscape(fmt.Sprint(id.ToAny()))
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, strings.NewReader(string(body)))
		if err != nil {
			return affected, errors.EnsureStack(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.do(ctx, req)
		if err != nil {
			return affected, errors.Wrapf(err, "mask %s", node.Node.Address)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
			affected++
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			continue
		}
		return affected, errors.Errorf("mask %s: status %d", node.Node.Address, resp.StatusCode)
	}
	return affected, nil
}

// Consent posts the user's notice preferences to the API's consent resource.
func (c *SaaSConnector) Consent(ctx context.Context, identities map[string]string, preferences map[string]bool) (bool, error) {
	body, err := json.Marshal(map[string]interface{}{
		"identities":  identities,
		"preferences": preferences,
	})
	if err != nil {
		return false, errors.EnsureStack(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/consent", strings.NewReader(string(body)))
	if err != nil {
		return false, errors.EnsureStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(ctx, req)
	if err != nil {
		return false, errors.Wrapf(err, "consent %s", c.key)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		// The API has no consent resource.
		return false, nil
	}
	return false, errors.Errorf("consent %s: status %d", c.key, resp.StatusCode)
}

func (c *SaaSConnector) DryRun(node *graph.TraversalNode, criteria Criteria) (string, error) {
	target, err := c.accessURL(node, criteria)
	if err != nil {
		return "", err
	}
	return "GET " + target, nil
}

var _ Connector = &SaaSConnector{}
