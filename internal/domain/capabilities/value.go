package capabilities

// ValueKind tags the shape of a call argument as seen by the constraint
// evaluator. Arguments arrive as decoded JSON, so only JSON-compatible
// shapes are distinguished; anything else is Missing.
type ValueKind int

const (
	// KindMissing marks an absent parameter or an unsupported shape.
	// Missing never satisfies any predicate.
	KindMissing ValueKind = iota
	// KindNumber covers all numeric arguments (JSON numbers, Go ints/floats).
	KindNumber
	// KindString covers string arguments.
	KindString
	// KindBool covers boolean arguments.
	KindBool
	// KindList covers array arguments.
	KindList
)

// Value is a tagged call-argument value with total, non-throwing comparison
// semantics. The zero Value is Missing.
type Value struct {
	kind ValueKind
	num  float64
	str  string
	b    bool
	list []Value
}

// Missing is the absent-parameter value.
var Missing = Value{}

// ValueOf converts an arbitrary argument into a tagged Value. Unsupported
// shapes (maps, structs, nil) map to Missing so they never satisfy a
// predicate.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case nil:
		return Missing
	case bool:
		return Value{kind: KindBool, b: x}
	case string:
		return Value{kind: KindString, str: x}
	case float64:
		return Value{kind: KindNumber, num: x}
	case float32:
		return Value{kind: KindNumber, num: float64(x)}
	case int:
		return Value{kind: KindNumber, num: float64(x)}
	case int8:
		return Value{kind: KindNumber, num: float64(x)}
	case int16:
		return Value{kind: KindNumber, num: float64(x)}
	case int32:
		return Value{kind: KindNumber, num: float64(x)}
	case int64:
		return Value{kind: KindNumber, num: float64(x)}
	case uint:
		return Value{kind: KindNumber, num: float64(x)}
	case uint8:
		return Value{kind: KindNumber, num: float64(x)}
	case uint16:
		return Value{kind: KindNumber, num: float64(x)}
	case uint32:
		return Value{kind: KindNumber, num: float64(x)}
	case uint64:
		return Value{kind: KindNumber, num: float64(x)}
	case []any:
		list := make([]Value, 0, len(x))
		for _, item := range x {
			list = append(list, ValueOf(item))
		}
		return Value{kind: KindList, list: list}
	case Value:
		return x
	default:
		return Missing
	}
}

// Kind returns the value's tag.
func (v Value) Kind() ValueKind {
	return v.kind
}

// IsMissing reports whether the value is absent or of an unsupported shape.
func (v Value) IsMissing() bool {
	return v.kind == KindMissing
}

// Equals compares two values. Values of different kinds are never equal;
// Missing equals nothing, including Missing.
func (v Value) Equals(other Value) bool {
	if v.kind == KindMissing || other.kind == KindMissing || v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == other.num
	case KindString:
		return v.str == other.str
	case KindBool:
		return v.b == other.b
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equals(other.list[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Number returns the numeric content and whether the value is a number.
func (v Value) Number() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// String returns the string content and whether the value is a string.
func (v Value) String() (string, bool) {
	return v.str, v.kind == KindString
}

// Interface converts the tagged value back to a plain Go value for
// diagnostics. Missing converts to nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, 0, len(v.list))
		for _, item := range v.list {
			out = append(out, item.Interface())
		}
		return out
	default:
		return nil
	}
}
