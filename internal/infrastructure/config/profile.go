// Package config loads capability profiles from YAML. A profile declares the
// ordered capability rules a session is built with; rule order in the file is
// the authorization order.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/amla-dev/amla/internal/domain/capabilities"
)

// Profile is the top-level YAML document.
type Profile struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description,omitempty"`
	Capabilities []CapabilitySpec `yaml:"capabilities"`
}

// CapabilitySpec is one declared rule. Constraints accept three YAML shapes:
//
//	- param: amount          # structured
//	  op: "<="
//	  value: 1000
//	- amount: "<=1000"       # compact: operator folded into the value string
//	- currency: [usd, eur]   # compact: list means membership
//	- expr: "args.amount <= 1000 || args.dry_run == true"
type CapabilitySpec struct {
	Pattern     string           `yaml:"pattern"`
	MaxCalls    *int             `yaml:"max_calls,omitempty"`
	Constraints []map[string]any `yaml:"constraints,omitempty"`
}

// ProfileLoader handles loading capability profiles from YAML files.
type ProfileLoader struct{}

// NewProfileLoader creates a new profile loader.
func NewProfileLoader() *ProfileLoader {
	return &ProfileLoader{}
}

// LoadProfile loads and parses a profile from a YAML file.
func (l *ProfileLoader) LoadProfile(path string) (*Profile, error) {
	// Security: Use os.OpenRoot to prevent path traversal attacks
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile directory: %w", err)
	}
	defer func() {
		_ = root.Close() // Best-effort cleanup
	}()

	file, err := root.Open(base)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile: %w", err)
	}
	defer func() {
		_ = file.Close() // Best-effort cleanup
	}()

	return l.LoadProfileFromReader(file)
}

// LoadProfileFromReader loads a profile from an io.Reader.
func (l *ProfileLoader) LoadProfileFromReader(r io.Reader) (*Profile, error) {
	var profile Profile

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile YAML: %w", err)
	}

	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile validation failed: %w", err)
	}

	return &profile, nil
}

// Validate checks the profile's structure. Constraint and pattern semantics
// are checked again when the table is built; this catches shape errors with
// file positions still in hand.
func (p *Profile) Validate() error {
	if len(p.Capabilities) == 0 {
		return fmt.Errorf("profile declares no capabilities")
	}
	for i, spec := range p.Capabilities {
		if spec.Pattern == "" {
			return fmt.Errorf("capability %d: missing pattern", i)
		}
		if err := capabilities.ValidatePattern(spec.Pattern); err != nil {
			return fmt.Errorf("capability %d: %w", i, err)
		}
	}
	return nil
}

// Table builds the capability table the profile declares, in file order.
func (p *Profile) Table() (*capabilities.Table, error) {
	rules := make([]capabilities.Rule, 0, len(p.Capabilities))
	for i, spec := range p.Capabilities {
		rule, err := spec.rule()
		if err != nil {
			return nil, fmt.Errorf("capability %d (%q): %w", i, spec.Pattern, err)
		}
		rules = append(rules, rule)
	}
	return capabilities.NewTable(rules)
}

func (s CapabilitySpec) rule() (capabilities.Rule, error) {
	rule := capabilities.Rule{Pattern: s.Pattern, MaxCalls: s.MaxCalls}
	for _, raw := range s.Constraints {
		pred, err := parseConstraint(raw)
		if err != nil {
			return capabilities.Rule{}, err
		}
		rule.Constraints = append(rule.Constraints, pred)
	}
	return rule, nil
}

// parseConstraint interprets one constraint mapping in any of its shapes.
func parseConstraint(raw map[string]any) (capabilities.Predicate, error) {
	if len(raw) == 0 {
		return capabilities.Predicate{}, fmt.Errorf("empty constraint entry")
	}

	if source, ok := raw["expr"]; ok {
		if len(raw) != 1 {
			return capabilities.Predicate{}, fmt.Errorf("expr constraint takes no other keys")
		}
		str, ok := source.(string)
		if !ok {
			return capabilities.Predicate{}, fmt.Errorf("expr constraint must be a string, got %T", source)
		}
		return capabilities.NewExprPredicate(str)
	}

	if _, ok := raw["param"]; ok {
		return parseStructured(raw)
	}

	if len(raw) != 1 {
		return capabilities.Predicate{}, fmt.Errorf("compact constraint must have exactly one key, got %d", len(raw))
	}
	for param, value := range raw {
		return parseCompact(param, value)
	}
	panic("unreachable")
}

func parseStructured(raw map[string]any) (capabilities.Predicate, error) {
	param, _ := raw["param"].(string)
	if param == "" {
		return capabilities.Predicate{}, fmt.Errorf("structured constraint missing param")
	}
	op, _ := raw["op"].(string)
	if op == "" {
		return capabilities.Predicate{}, fmt.Errorf("constraint on %q missing op", param)
	}
	value := raw["value"]

	b := capabilities.Param(param)
	switch op {
	case "<=", "le":
		return b.LE(value), nil
	case ">=", "ge":
		return b.GE(value), nil
	case "<", "lt":
		return b.LT(value), nil
	case ">", "gt":
		return b.GT(value), nil
	case "==", "eq":
		return b.EQ(value), nil
	case "!=", "ne":
		return b.NE(value), nil
	case "in":
		items, ok := value.([]any)
		if !ok {
			return capabilities.Predicate{}, fmt.Errorf("constraint on %q: in requires a list value", param)
		}
		return b.In(items...), nil
	case "not_in":
		items, ok := value.([]any)
		if !ok {
			return capabilities.Predicate{}, fmt.Errorf("constraint on %q: not_in requires a list value", param)
		}
		return b.NotIn(items...), nil
	case "startswith":
		str, ok := value.(string)
		if !ok {
			return capabilities.Predicate{}, fmt.Errorf("constraint on %q: startswith requires a string value", param)
		}
		return b.StartsWith(str), nil
	case "endswith":
		str, ok := value.(string)
		if !ok {
			return capabilities.Predicate{}, fmt.Errorf("constraint on %q: endswith requires a string value", param)
		}
		return b.EndsWith(str), nil
	case "contains":
		str, ok := value.(string)
		if !ok {
			return capabilities.Predicate{}, fmt.Errorf("constraint on %q: contains requires a string value", param)
		}
		return b.Contains(str), nil
	case "exists":
		return b.Exists(), nil
	case "not_exists":
		return b.NotExists(), nil
	default:
		return capabilities.Predicate{}, fmt.Errorf("constraint on %q: unknown op %q", param, op)
	}
}

// parseCompact handles the single-key shorthand. Lists mean membership,
// strings may fold an operator into the value, anything else means equality.
func parseCompact(param string, value any) (capabilities.Predicate, error) {
	b := capabilities.Param(param)

	switch v := value.(type) {
	case []any:
		return b.In(v...), nil
	case string:
		return parseCompactString(b, param, v)
	default:
		return b.EQ(value), nil
	}
}

func parseCompactString(b capabilities.ParamBuilder, param, v string) (capabilities.Predicate, error) {
	for _, prefix := range []string{"startswith:", "endswith:", "contains:"} {
		if rest, ok := strings.CutPrefix(v, prefix); ok {
			switch prefix {
			case "startswith:":
				return b.StartsWith(rest), nil
			case "endswith:":
				return b.EndsWith(rest), nil
			default:
				return b.Contains(rest), nil
			}
		}
	}

	for _, op := range []string{"<=", ">=", "!=", "==", "<", ">"} {
		rest, ok := strings.CutPrefix(v, op)
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return capabilities.Predicate{}, fmt.Errorf("constraint on %q: missing operand after %q", param, op)
		}

		n, numErr := strconv.ParseFloat(rest, 64)
		switch op {
		case "<=", ">=", "<", ">":
			// Ordering is numeric-only; a non-numeric operand could never
			// hold at call time, so reject it at load time instead.
			if numErr != nil {
				return capabilities.Predicate{}, fmt.Errorf(
					"constraint on %q: operator %q requires a numeric operand, got %q", param, op, rest)
			}
			switch op {
			case "<=":
				return b.LE(n), nil
			case ">=":
				return b.GE(n), nil
			case "<":
				return b.LT(n), nil
			default:
				return b.GT(n), nil
			}
		case "==":
			if numErr == nil {
				return b.EQ(n), nil
			}
			return b.EQ(rest), nil
		default: // "!="
			if numErr == nil {
				return b.NE(n), nil
			}
			return b.NE(rest), nil
		}
	}

	// No operator prefix: a literal string equality.
	return b.EQ(v), nil
}
