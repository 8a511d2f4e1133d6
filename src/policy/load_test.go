package policy

import (
	"strings"
	"testing"

	"github.com/ethyca/fides-engine/src/internal/require"
)

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(strings.NewReader(`
key: default_dsr
rules:
  - key: access_user_data
    action: access
    data_categories: [user]
  - key: erase_contact_data
    action: erasure
    data_categories: [user.contact]
    masking:
      strategy: string_rewrite
      configuration:
        rewrite_value: REDACTED
`))
	require.NoError(t, err)
	require.Equal(t, "default_dsr", p.Key)
	require.Len(t, p.Rules, 2)
	require.Len(t, p.RulesFor(ActionAccess), 1)
	erasure := p.RulesFor(ActionErasure)
	require.Len(t, erasure, 1)
	require.Equal(t, StrategyStringRewrite, erasure[0].Masking.Strategy)
	require.Equal(t, "REDACTED", erasure[0].Masking.Configuration["rewrite_value"])
}

func TestLoadPolicyRejectsUnknownAction(t *testing.T) {
	_, err := LoadPolicy(strings.NewReader(`
key: p
rules:
  - key: r
    action: purge
`))
	require.YesError(t, err)
	require.Matches(t, "unknown action", err.Error())
}

func TestLoadPolicyRejectsMaskingOnAccess(t *testing.T) {
	_, err := LoadPolicy(strings.NewReader(`
key: p
rules:
  - key: r
    action: access
    masking:
      strategy: null_rewrite
`))
	require.YesError(t, err)
	require.Matches(t, "masking applies only to erasure", err.Error())
}

func TestLoadPolicyRejectsUnknownStrategy(t *testing.T) {
	_, err := LoadPolicy(strings.NewReader(`
key: p
rules:
  - key: r
    action: erasure
    masking:
      strategy: rot13
`))
	require.YesError(t, err)
	require.Matches(t, "unknown masking strategy", err.Error())
}
