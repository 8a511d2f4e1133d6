package policy

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// yaml wire form for policy declarations.

type policyDoc struct {
	Key   string    `yaml:"key"`
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Key            string      `yaml:"key"`
	Action         string      `yaml:"action"`
	DataCategories []string    `yaml:"data_categories,omitempty"`
	Masking        *maskingDoc `yaml:"masking,omitempty"`
}

type maskingDoc struct {
	Strategy      string            `yaml:"strategy"`
	Configuration map[string]string `yaml:"configuration,omitempty"`
}

// LoadPolicy reads one policy declaration from yaml.
func LoadPolicy(r io.Reader) (*Policy, error) {
	var doc policyDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode policy yaml")
	}
	if doc.Key == "" {
		return nil, errors.New("policy requires a key")
	}
	p := &Policy{Key: doc.Key}
	for _, rd := range doc.Rules {
		action := ActionType(rd.Action)
		if !action.Valid() {
			return nil, errors.Errorf("policy %s rule %s: unknown action %q", doc.Key, rd.Key, rd.Action)
		}
		rule := Rule{
			Key:            rd.Key,
			Action:         action,
			DataCategories: rd.DataCategories,
		}
		if rd.Masking != nil {
			if action != ActionErasure {
				return nil, errors.Errorf("policy %s rule %s: masking applies only to erasure rules", doc.Key, rd.Key)
			}
			rule.Masking = &MaskingConfig{
				Strategy:      rd.Masking.Strategy,
				Configuration: rd.Masking.Configuration,
			}
			// Validate the strategy name up front; the real secret is issued
			// per request.
			if _, err := NewMaskingStrategy(rule.Masking, []byte{0}); err != nil {
				return nil, errors.Wrapf(err, "policy %s rule %s", doc.Key, rd.Key)
			}
		}
		p.Rules = append(p.Rules, rule)
	}
	return p, nil
}
