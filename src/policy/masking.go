package policy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethyca/fides-engine/src/internal/errors"
	"github.com/ethyca/fides-engine/src/record"
)

// MaskingStrategy rewrites a value so the original is unrecoverable (or
// pseudonymous, for hash-based strategies).
type MaskingStrategy interface {
	// Name returns the registry key of the strategy.
	Name() string
	// Mask rewrites v.  Implementations must be deterministic for a fixed
	// secret so that re-running an erasure produces identical writes.
	Mask(v record.Value) (record.Value, error)
}

const (
	StrategyNullRewrite   = "null_rewrite"
	StrategyStringRewrite = "string_rewrite"
	StrategyHash          = "hash"
	StrategyRandomString  = "random_string"
)

// NewMaskingStrategy constructs the strategy named by cfg.  The secret is the
// per-request masking secret (used by hash and random_string); it may be
// empty for strategies that do not need one.
func NewMaskingStrategy(cfg *MaskingConfig, secret []byte) (MaskingStrategy, error) {
	if cfg == nil {
		return nullRewrite{}, nil
	}
	switch cfg.Strategy {
	case "", StrategyNullRewrite:
		return nullRewrite{}, nil
	case StrategyStringRewrite:
		return stringRewrite{value: cfg.Configuration["rewrite_value"]}, nil
	case StrategyHash:
		if len(secret) == 0 {
			return nil, errors.New("hash masking requires a masking secret")
		}
		return hashMask{secret: secret}, nil
	case StrategyRandomString:
		if len(secret) == 0 {
			return nil, errors.New("random string masking requires a masking secret")
		}
		length := 32
		if l, err := strconv.Atoi(cfg.Configuration["length"]); err == nil && l > 0 {
			length = l
		}
		return randomString{length: length, secret: secret}, nil
	}
	return nil, errors.Errorf("unknown masking strategy %q", cfg.Strategy)
}

type nullRewrite struct{}

func (nullRewrite) Name() string { return StrategyNullRewrite }

func (nullRewrite) Mask(record.Value) (record.Value, error) {
	return record.Null(), nil
}

type stringRewrite struct{ value string }

func (stringRewrite) Name() string { return StrategyStringRewrite }

func (s stringRewrite) Mask(record.Value) (record.Value, error) {
	return record.String(s.value), nil
}

type hashMask struct{ secret []byte }

func (hashMask) Name() string { return StrategyHash }

func (h hashMask) Mask(v record.Value) (record.Value, error) {
	mac := hmac.New(sha256.New, h.secret)
	data, err := v.MarshalJSON()
	if err != nil {
		return record.Value{}, errors.Wrap(err, "hash mask")
	}
	mac.Write(data)
	return record.String(hex.EncodeToString(mac.Sum(nil))), nil
}

type randomString struct {
	length int
	secret []byte
}

func (randomString) Name() string { return StrategyRandomString }

// Mask derives the replacement from the per-request secret and the value
// being masked, so a checkpoint re-run rewrites the same bytes.
func (r randomString) Mask(v record.Value) (record.Value, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return record.Value{}, errors.Wrap(err, "random string mask")
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(StrategyRandomString))
	mac.Write(data)
	seed := mac.Sum(nil)
	var out strings.Builder
	for out.Len() < r.length {
		out.WriteString(hex.EncodeToString(seed))
		next := sha256.Sum256(seed)
		seed = next[:]
	}
	return record.String(out.String()[:r.length]), nil
}

// GenerateMaskingSecret returns a new random secret for hash-based masking.
// The orchestrator caches it per request so retries mask identically.
func GenerateMaskingSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.EnsureStack(err)
	}
	return buf, nil
}
