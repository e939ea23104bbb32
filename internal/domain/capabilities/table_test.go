package capabilities

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewTable_RejectsMalformedRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{
			name:  "non-terminal double star",
			rules: []Rule{{Pattern: "stripe/**/create"}},
		},
		{
			name:  "empty pattern",
			rules: []Rule{{Pattern: ""}},
		},
		{
			name:  "negative max_calls",
			rules: []Rule{{Pattern: "ok", MaxCalls: MaxCalls(-1)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.rules)
			assert.Error(t, err)
		})
	}
}

func Test_Table_Authorize_NoMatchingRule(t *testing.T) {
	table, err := NewTable([]Rule{{Pattern: "stripe/charges/*"}})
	require.NoError(t, err)

	_, err = table.Authorize("github/repos/list", nil)
	require.Error(t, err)

	code, ok := DenialCode(err)
	assert.True(t, ok)
	assert.Equal(t, CodeNoMatchingRule, code)
}

func Test_Table_Authorize_FirstMatchWins(t *testing.T) {
	// The first matching rule is the only candidate, even when a later rule
	// would have authorized the call.
	table, err := NewTable([]Rule{
		{Pattern: "stripe/**", Constraints: ConstraintSet{Param("limit").LE(10)}},
		{Pattern: "stripe/charges/list"},
	})
	require.NoError(t, err)

	_, err = table.Authorize("stripe/charges/list", map[string]any{"limit": 100})
	require.Error(t, err)

	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, CodeConstraintViolation, capErr.Code)
	assert.Equal(t, "stripe/**", capErr.Pattern)
}

func Test_Table_Authorize_QuotaAndConstraints(t *testing.T) {
	table, err := NewTable([]Rule{{
		Pattern:     "transfer_money",
		Constraints: ConstraintSet{Param("amount").LE(1000)},
		MaxCalls:    MaxCalls(10),
	}})
	require.NoError(t, err)

	// Ten calls within constraints succeed
	for i := 0; i < 10; i++ {
		grant, err := table.Authorize("transfer_money", map[string]any{"amount": 500})
		require.NoError(t, err, "call %d", i+1)
		assert.Equal(t, i+1, grant.CallsUsed)
		assert.Equal(t, 10-(i+1), grant.Remaining)
	}

	// The eleventh is denied on quota
	_, err = table.Authorize("transfer_money", map[string]any{"amount": 500})
	code, ok := DenialCode(err)
	require.True(t, ok)
	assert.Equal(t, CodeQuotaExceeded, code)
}

func Test_Table_Authorize_ConstraintViolationDoesNotConsumeQuota(t *testing.T) {
	table, err := NewTable([]Rule{{
		Pattern:     "transfer_money",
		Constraints: ConstraintSet{Param("amount").LE(1000)},
		MaxCalls:    MaxCalls(10),
	}})
	require.NoError(t, err)

	// A constraint violation is reported with the offending parameter and
	// does not touch the counter.
	_, err = table.Authorize("transfer_money", map[string]any{"amount": 50000})
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, CodeConstraintViolation, capErr.Code)
	assert.Equal(t, "amount", capErr.Parameter)
	assert.Equal(t, 50000, capErr.Value)

	usage := table.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, 0, usage[0].CallsUsed)

	// Quota is still fully available afterwards
	for i := 0; i < 10; i++ {
		_, err := table.Authorize("transfer_money", map[string]any{"amount": 500})
		require.NoError(t, err)
	}
}

func Test_Table_Authorize_UnboundedRule(t *testing.T) {
	table, err := NewTable([]Rule{{Pattern: "get_weather"}})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		grant, err := table.Authorize("get_weather", map[string]any{"city": "SF"})
		require.NoError(t, err)
		assert.Equal(t, -1, grant.Remaining)
	}
}

func Test_Table_Authorize_ConcurrentNeverOverGrants(t *testing.T) {
	const (
		budget  = 10
		callers = 100
	)

	table, err := NewTable([]Rule{{Pattern: "transfer_money", MaxCalls: MaxCalls(budget)}})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		denied  int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := table.Authorize("transfer_money", map[string]any{"amount": 500})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()

	// Across any interleaving, grants for a capped rule never exceed the
	// budget and every remaining attempt is denied on quota.
	assert.Equal(t, budget, granted)
	assert.Equal(t, callers-budget, denied)

	usage := table.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, budget, usage[0].CallsUsed)
}

func Test_Table_IndependentTablesShareNoState(t *testing.T) {
	rules := []Rule{{
		Pattern:     "transfer_money",
		Constraints: ConstraintSet{Param("amount").LE(1000)},
		MaxCalls:    MaxCalls(2),
	}}

	first, err := NewTable(rules)
	require.NoError(t, err)
	second, err := NewTable(rules)
	require.NoError(t, err)

	// Exhaust the first table
	for i := 0; i < 2; i++ {
		_, err := first.Authorize("transfer_money", map[string]any{"amount": 500})
		require.NoError(t, err)
	}
	_, err = first.Authorize("transfer_money", map[string]any{"amount": 500})
	assert.Error(t, err)

	// The second table, built from the same spec, is unaffected and yields
	// identical decisions for the identical call sequence.
	for i := 0; i < 2; i++ {
		_, err := second.Authorize("transfer_money", map[string]any{"amount": 500})
		require.NoError(t, err)
	}
	_, err = second.Authorize("transfer_money", map[string]any{"amount": 500})
	code, ok := DenialCode(err)
	require.True(t, ok)
	assert.Equal(t, CodeQuotaExceeded, code)
}
