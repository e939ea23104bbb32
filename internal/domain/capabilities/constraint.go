package capabilities

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Op identifies a predicate operator.
type Op string

const (
	OpGE         Op = ">="
	OpLE         Op = "<="
	OpGT         Op = ">"
	OpLT         Op = "<"
	OpEQ         Op = "=="
	OpNE         Op = "!="
	OpIn         Op = "in"
	OpNotIn      Op = "not_in"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
	OpContains   Op = "contains"
	OpExists     Op = "exists"
	OpNotExists  Op = "not_exists"

	// OpExpr marks a compiled expression predicate evaluated over the whole
	// argument map rather than a single parameter.
	OpExpr Op = "expr"
)

// Predicate is a single immutable constraint test on one named call
// parameter (or, for OpExpr, on the full argument map). Evaluation is total
// and deterministic: a missing parameter or a type mismatch evaluates to
// false, never to a skip or an error.
type Predicate struct {
	param   string
	op      Op
	operand Value
	set     []Value

	program *vm.Program // compiled expression for OpExpr
	source  string      // expression source for diagnostics
}

// Param starts a fluent predicate builder for one named parameter:
//
//	Param("amount").LE(1000)
//	Param("currency").In("usd", "eur")
type ParamBuilder struct {
	name string
}

// Param returns a builder for predicates on the named parameter.
func Param(name string) ParamBuilder {
	return ParamBuilder{name: name}
}

func (b ParamBuilder) pred(op Op, operand any) Predicate {
	return Predicate{param: b.name, op: op, operand: ValueOf(operand)}
}

// GE requires the parameter to be a number >= operand.
func (b ParamBuilder) GE(operand any) Predicate { return b.pred(OpGE, operand) }

// LE requires the parameter to be a number <= operand.
func (b ParamBuilder) LE(operand any) Predicate { return b.pred(OpLE, operand) }

// GT requires the parameter to be a number > operand.
func (b ParamBuilder) GT(operand any) Predicate { return b.pred(OpGT, operand) }

// LT requires the parameter to be a number < operand.
func (b ParamBuilder) LT(operand any) Predicate { return b.pred(OpLT, operand) }

// EQ requires the parameter to equal the operand (same kind, same content).
func (b ParamBuilder) EQ(operand any) Predicate { return b.pred(OpEQ, operand) }

// NE requires the parameter to be present and not equal to the operand.
func (b ParamBuilder) NE(operand any) Predicate { return b.pred(OpNE, operand) }

// In requires the parameter to be a member of a fixed literal set.
func (b ParamBuilder) In(operands ...any) Predicate {
	set := make([]Value, 0, len(operands))
	for _, o := range operands {
		set = append(set, ValueOf(o))
	}
	return Predicate{param: b.name, op: OpIn, set: set}
}

// NotIn requires the parameter to be present and outside the literal set.
func (b ParamBuilder) NotIn(operands ...any) Predicate {
	p := b.In(operands...)
	p.op = OpNotIn
	return p
}

// StartsWith requires a string parameter with the given literal prefix.
func (b ParamBuilder) StartsWith(prefix string) Predicate { return b.pred(OpStartsWith, prefix) }

// EndsWith requires a string parameter with the given literal suffix.
func (b ParamBuilder) EndsWith(suffix string) Predicate { return b.pred(OpEndsWith, suffix) }

// Contains requires a string parameter containing the given literal substring.
func (b ParamBuilder) Contains(substr string) Predicate { return b.pred(OpContains, substr) }

// Exists requires the parameter to be present with a supported shape.
func (b ParamBuilder) Exists() Predicate { return Predicate{param: b.name, op: OpExists} }

// NotExists requires the parameter to be absent.
func (b ParamBuilder) NotExists() Predicate { return Predicate{param: b.name, op: OpNotExists} }

// NewExprPredicate compiles an expression predicate over the argument map.
// The expression sees the arguments as `args` and must produce a boolean:
//
//	NewExprPredicate(`args.amount <= 1000 && args.currency in ["usd", "eur"]`)
//
// Compilation errors surface at construction time; at evaluation time a
// runtime error or a missing argument makes the predicate fail, matching the
// total-evaluation rule of the fixed operators.
func NewExprPredicate(source string) (Predicate, error) {
	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return Predicate{}, fmt.Errorf("failed to compile constraint expression %q: %w", source, err)
	}
	return Predicate{op: OpExpr, program: program, source: source}, nil
}

// Parameter returns the parameter the predicate tests; empty for OpExpr.
func (p Predicate) Parameter() string {
	return p.param
}

// Operator returns the predicate's operator.
func (p Predicate) Operator() Op {
	return p.op
}

// String renders the predicate for diagnostics and audit entries.
func (p Predicate) String() string {
	switch p.op {
	case OpExpr:
		return p.source
	case OpExists, OpNotExists:
		return fmt.Sprintf("%s %s", p.param, p.op)
	case OpIn, OpNotIn:
		members := make([]string, 0, len(p.set))
		for _, v := range p.set {
			members = append(members, fmt.Sprintf("%v", v.Interface()))
		}
		return fmt.Sprintf("%s %s [%s]", p.param, p.op, strings.Join(members, ", "))
	default:
		return fmt.Sprintf("%s %s %v", p.param, p.op, p.operand.Interface())
	}
}

// Evaluate applies the predicate to a call's arguments. It is total: any
// type or shape mismatch yields false rather than an error or a permissive
// default.
func (p Predicate) Evaluate(args map[string]any) bool {
	if p.op == OpExpr {
		return p.evaluateExpr(args)
	}

	raw, present := args[p.param]
	arg := Missing
	if present {
		arg = ValueOf(raw)
	}

	switch p.op {
	case OpExists:
		return !arg.IsMissing()
	case OpNotExists:
		return arg.IsMissing()
	case OpGE, OpLE, OpGT, OpLT:
		return compareNumeric(p.op, arg, p.operand)
	case OpEQ:
		return arg.Equals(p.operand)
	case OpNE:
		return !arg.IsMissing() && !arg.Equals(p.operand)
	case OpIn:
		return memberOf(arg, p.set)
	case OpNotIn:
		return !arg.IsMissing() && !memberOf(arg, p.set)
	case OpStartsWith, OpEndsWith, OpContains:
		return compareString(p.op, arg, p.operand)
	default:
		return false
	}
}

func (p Predicate) evaluateExpr(args map[string]any) bool {
	if p.program == nil {
		return false
	}
	env := map[string]any{"args": args}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false
	}
	ok, isBool := out.(bool)
	return isBool && ok
}

func compareNumeric(op Op, arg, operand Value) bool {
	a, okA := arg.Number()
	b, okB := operand.Number()
	if !okA || !okB {
		return false
	}
	switch op {
	case OpGE:
		return a >= b
	case OpLE:
		return a <= b
	case OpGT:
		return a > b
	case OpLT:
		return a < b
	default:
		return false
	}
}

func compareString(op Op, arg, operand Value) bool {
	s, okS := arg.String()
	lit, okL := operand.String()
	if !okS || !okL {
		return false
	}
	switch op {
	case OpStartsWith:
		return strings.HasPrefix(s, lit)
	case OpEndsWith:
		return strings.HasSuffix(s, lit)
	case OpContains:
		return strings.Contains(s, lit)
	default:
		return false
	}
}

func memberOf(arg Value, set []Value) bool {
	for _, member := range set {
		if arg.Equals(member) {
			return true
		}
	}
	return false
}

// ConstraintSet is an ordered conjunction of predicates. All predicates must
// hold for the set to authorize a call; the empty set is vacuously true.
type ConstraintSet []Predicate

// Evaluate reports whether every predicate holds for the arguments.
func (cs ConstraintSet) Evaluate(args map[string]any) bool {
	_, ok := cs.FirstFailure(args)
	return ok
}

// FirstFailure returns the first predicate that fails, in declaration order,
// or ok=true when the whole set holds.
func (cs ConstraintSet) FirstFailure(args map[string]any) (Predicate, bool) {
	for _, p := range cs {
		if !p.Evaluate(args) {
			return p, false
		}
	}
	return Predicate{}, true
}
