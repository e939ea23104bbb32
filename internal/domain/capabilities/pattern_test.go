package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Matches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		method  string
		want    bool
	}{
		// Literal patterns
		{
			name:    "exact match",
			pattern: "transfer_money",
			method:  "transfer_money",
			want:    true,
		},
		{
			name:    "literal mismatch",
			pattern: "transfer_money",
			method:  "refund_money",
			want:    false,
		},
		{
			name:    "case sensitive",
			pattern: "Transfer",
			method:  "transfer",
			want:    false,
		},
		{
			name:    "literal does not match longer method",
			pattern: "stripe/charges",
			method:  "stripe/charges/create",
			want:    false,
		},

		// Single-segment wildcard
		{
			name:    "star matches create",
			pattern: "stripe/charges/*",
			method:  "stripe/charges/create",
			want:    true,
		},
		{
			name:    "star matches refund",
			pattern: "stripe/charges/*",
			method:  "stripe/charges/refund",
			want:    true,
		},
		{
			name:    "star consumes exactly one segment",
			pattern: "stripe/charges/*",
			method:  "stripe/charges/create/extra",
			want:    false,
		},
		{
			name:    "star requires a segment",
			pattern: "stripe/charges/*",
			method:  "stripe/charges",
			want:    false,
		},
		{
			name:    "star in the middle",
			pattern: "stripe/*/list",
			method:  "stripe/customers/list",
			want:    true,
		},

		// Terminal double wildcard
		{
			name:    "double star matches bare prefix",
			pattern: "stripe/**",
			method:  "stripe",
			want:    true,
		},
		{
			name:    "double star matches one extra segment",
			pattern: "stripe/**",
			method:  "stripe/charges",
			want:    true,
		},
		{
			name:    "double star matches deep paths",
			pattern: "stripe/**",
			method:  "stripe/charges/create/extra",
			want:    true,
		},
		{
			name:    "double star does not cross the prefix",
			pattern: "stripe/**",
			method:  "github/repos",
			want:    false,
		},
		{
			name:    "bare double star matches everything",
			pattern: "**",
			method:  "anything/at/all",
			want:    true,
		},

		// Dot and slash delimiters are interchangeable
		{
			name:    "dotted method against slashed pattern",
			pattern: "stripe/charges/*",
			method:  "stripe.charges.create",
			want:    true,
		},
		{
			name:    "dotted pattern against slashed method",
			pattern: "stripe.charges.create",
			method:  "stripe/charges/create",
			want:    true,
		},
		{
			name:    "delimiter runs collapse",
			pattern: "stripe//charges",
			method:  "stripe/charges",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.pattern, tt.method))
		})
	}
}

func Test_Matches_IsPure(t *testing.T) {
	// Same inputs always produce the same result.
	for i := 0; i < 100; i++ {
		assert.True(t, Matches("stripe/charges/*", "stripe/charges/create"))
		assert.False(t, Matches("stripe/charges/*", "stripe/charges/create/extra"))
	}
}

func Test_PatternSubsumes(t *testing.T) {
	tests := []struct {
		name     string
		wider    string
		narrower string
		want     bool
	}{
		{name: "identical literals", wider: "transfer_money", narrower: "transfer_money", want: true},
		{name: "different literals", wider: "transfer_money", narrower: "refund_money", want: false},
		{name: "star covers literal", wider: "stripe/charges/*", narrower: "stripe/charges/create", want: true},
		{name: "literal does not cover star", wider: "stripe/charges/create", narrower: "stripe/charges/*", want: false},
		{name: "star covers star", wider: "stripe/*/create", narrower: "stripe/*/create", want: true},
		{name: "double star covers deep literal", wider: "stripe/**", narrower: "stripe/charges/create", want: true},
		{name: "double star covers bare prefix", wider: "stripe/**", narrower: "stripe", want: true},
		{name: "double star covers narrower double star", wider: "stripe/**", narrower: "stripe/charges/**", want: true},
		{name: "narrower double star escapes fixed-length wider", wider: "stripe/charges/*", narrower: "stripe/charges/**", want: false},
		{name: "single star does not cover double star", wider: "*", narrower: "**", want: false},
		{name: "bare double star covers everything", wider: "**", narrower: "a/b/c/**", want: true},
		{name: "prefix mismatch under double star", wider: "stripe/**", narrower: "github/**", want: false},
		{name: "shorter literal does not cover longer", wider: "stripe/charges", narrower: "stripe/charges/create", want: false},
		{name: "dot and slash delimiters are interchangeable", wider: "stripe.charges.*", narrower: "stripe/charges/create", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PatternSubsumes(tt.wider, tt.narrower))
		})
	}
}

func Test_PatternSubsumes_ConsistentWithMatches(t *testing.T) {
	// Whenever wider subsumes narrower, any method matching narrower must
	// also match wider.
	patterns := []string{"transfer_money", "stripe/charges/*", "stripe/charges/create", "stripe/**", "**", "*"}
	methods := []string{"transfer_money", "stripe/charges/create", "stripe/charges/refund", "stripe", "stripe/a/b/c", "github/repos"}

	for _, wider := range patterns {
		for _, narrower := range patterns {
			if !PatternSubsumes(wider, narrower) {
				continue
			}
			for _, method := range methods {
				if Matches(narrower, method) {
					assert.True(t, Matches(wider, method),
						"%q subsumes %q but does not match %q", wider, narrower, method)
				}
			}
		}
	}
}

func Test_ValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{name: "literal", pattern: "transfer_money", wantErr: false},
		{name: "terminal double star", pattern: "stripe/**", wantErr: false},
		{name: "bare double star", pattern: "**", wantErr: false},
		{name: "single star anywhere", pattern: "stripe/*/list", wantErr: false},
		{name: "non-terminal double star", pattern: "stripe/**/create", wantErr: true},
		{name: "empty pattern", pattern: "", wantErr: true},
		{name: "only delimiters", pattern: "//", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
