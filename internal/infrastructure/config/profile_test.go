package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amla-dev/amla/internal/domain/capabilities"
)

const paymentsProfile = `
name: payments-demo
description: Payments tooling with amount limits
capabilities:
  - pattern: stripe/charges/*
    max_calls: 3
    constraints:
      - param: amount
        op: "<="
        value: 1000
      - currency: [usd, eur]
  - pattern: stripe/refunds/create
    constraints:
      - amount: "<=500"
      - reason: "startswith:customer_"
  - pattern: weather/**
  - pattern: reports/generate
    constraints:
      - expr: "args.amount <= 1000 || args.dry_run == true"
`

func loadProfile(t *testing.T, doc string) *Profile {
	t.Helper()
	profile, err := NewProfileLoader().LoadProfileFromReader(strings.NewReader(doc))
	require.NoError(t, err)
	return profile
}

func Test_ProfileLoader_LoadProfileFromReader(t *testing.T) {
	profile := loadProfile(t, paymentsProfile)

	assert.Equal(t, "payments-demo", profile.Name)
	require.Len(t, profile.Capabilities, 4)
	assert.Equal(t, "stripe/charges/*", profile.Capabilities[0].Pattern)
	require.NotNil(t, profile.Capabilities[0].MaxCalls)
	assert.Equal(t, 3, *profile.Capabilities[0].MaxCalls)
	assert.Nil(t, profile.Capabilities[2].MaxCalls)
}

func Test_ProfileLoader_LoadProfile_FromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(paymentsProfile), 0o600))

	profile, err := NewProfileLoader().LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "payments-demo", profile.Name)
}

func Test_Profile_Table_EnforcesDeclaredRules(t *testing.T) {
	table, err := loadProfile(t, paymentsProfile).Table()
	require.NoError(t, err)

	// Structured constraints hold together.
	_, err = table.Authorize("stripe/charges/create", map[string]any{"amount": 500, "currency": "usd"})
	assert.NoError(t, err)

	_, err = table.Authorize("stripe/charges/create", map[string]any{"amount": 5000, "currency": "usd"})
	code, ok := capabilities.DenialCode(err)
	require.True(t, ok)
	assert.Equal(t, capabilities.CodeConstraintViolation, code)

	_, err = table.Authorize("stripe/charges/create", map[string]any{"amount": 500, "currency": "gbp"})
	code, _ = capabilities.DenialCode(err)
	assert.Equal(t, capabilities.CodeConstraintViolation, code)

	// Compact constraints: folded comparison and prefix match.
	_, err = table.Authorize("stripe/refunds/create", map[string]any{"amount": 100, "reason": "customer_request"})
	assert.NoError(t, err)

	_, err = table.Authorize("stripe/refunds/create", map[string]any{"amount": 100, "reason": "internal"})
	code, _ = capabilities.DenialCode(err)
	assert.Equal(t, capabilities.CodeConstraintViolation, code)

	// Unconstrained rule.
	_, err = table.Authorize("weather/current", nil)
	assert.NoError(t, err)

	// Expression constraint with a fallback branch.
	_, err = table.Authorize("reports/generate", map[string]any{"amount": 50000, "dry_run": true})
	assert.NoError(t, err)
	_, err = table.Authorize("reports/generate", map[string]any{"amount": 50000, "dry_run": false})
	code, _ = capabilities.DenialCode(err)
	assert.Equal(t, capabilities.CodeConstraintViolation, code)
}

func Test_Profile_Table_MaxCallsCarriesOver(t *testing.T) {
	table, err := loadProfile(t, paymentsProfile).Table()
	require.NoError(t, err)

	args := map[string]any{"amount": 1, "currency": "usd"}
	for i := 0; i < 3; i++ {
		_, err := table.Authorize("stripe/charges/create", args)
		require.NoError(t, err, "call %d", i+1)
	}
	_, err = table.Authorize("stripe/charges/create", args)
	code, ok := capabilities.DenialCode(err)
	require.True(t, ok)
	assert.Equal(t, capabilities.CodeQuotaExceeded, code)
}

func Test_Profile_Validate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no capabilities",
			doc:  "name: empty\n",
			want: "no capabilities",
		},
		{
			name: "missing pattern",
			doc:  "capabilities:\n  - max_calls: 3\n",
			want: "missing pattern",
		},
		{
			name: "interior doublestar",
			doc:  "capabilities:\n  - pattern: a/**/b\n",
			want: "**",
		},
		{
			name: "not yaml",
			doc:  "{{{{",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProfileLoader().LoadProfileFromReader(strings.NewReader(tt.doc))
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func Test_parseConstraint_Shapes(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		args map[string]any
		pass bool
	}{
		{"structured le pass", map[string]any{"param": "n", "op": "<=", "value": 10}, map[string]any{"n": 5}, true},
		{"structured le fail", map[string]any{"param": "n", "op": "<=", "value": 10}, map[string]any{"n": 50}, false},
		{"structured exists", map[string]any{"param": "n", "op": "exists"}, map[string]any{"n": 1}, true},
		{"structured not_exists", map[string]any{"param": "n", "op": "not_exists"}, map[string]any{}, true},
		{"compact number eq", map[string]any{"n": 7}, map[string]any{"n": 7}, true},
		{"compact string eq", map[string]any{"s": "usd"}, map[string]any{"s": "usd"}, true},
		{"compact ge", map[string]any{"n": ">=5"}, map[string]any{"n": 5}, true},
		{"compact lt fail", map[string]any{"n": "<5"}, map[string]any{"n": 5}, false},
		{"compact ne string", map[string]any{"s": "!=root"}, map[string]any{"s": "alice"}, true},
		{"compact eq string with operator prefix", map[string]any{"s": "==usd"}, map[string]any{"s": "usd"}, true},
		{"compact list", map[string]any{"s": []any{"a", "b"}}, map[string]any{"s": "b"}, true},
		{"compact endswith", map[string]any{"s": "endswith:.txt"}, map[string]any{"s": "a.txt"}, true},
		{"compact contains fail", map[string]any{"s": "contains:x"}, map[string]any{"s": "abc"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := parseConstraint(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.pass, pred.Evaluate(tt.args))
		})
	}
}

func Test_parseConstraint_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"empty", map[string]any{}},
		{"structured missing op", map[string]any{"param": "n", "value": 1}},
		{"structured unknown op", map[string]any{"param": "n", "op": "~=", "value": 1}},
		{"in without list", map[string]any{"param": "n", "op": "in", "value": "usd"}},
		{"multi-key compact", map[string]any{"a": 1, "b": 2}},
		{"expr with extras", map[string]any{"expr": "true", "n": 1}},
		{"expr not string", map[string]any{"expr": 42}},
		{"expr bad syntax", map[string]any{"expr": "args.amount <=<= 1"}},
		{"dangling operator", map[string]any{"n": "<="}},
		{"ordering with string operand", map[string]any{"n": "<abc"}},
		{"ordering with malformed number", map[string]any{"n": ">=1x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConstraint(tt.raw)
			assert.Error(t, err)
		})
	}
}
