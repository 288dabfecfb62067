package runtime

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the runtime value category.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindBool
	KindArray
	KindObject
	KindFunction
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindFunction:
		return "function"
	default:
		return fmt.Sprintf("unknown_kind_%d", int(k))
	}
}

// Value is the shared behaviour for all expression results.
type Value interface {
	Kind() Kind
}

// NullValue is the result of undefined lookups and the `null` literal.
type NullValue struct{}

func (NullValue) Kind() Kind { return KindNull }

// NumberValue holds every numeric result as a float64.
type NumberValue struct {
	Val float64
}

func (v NumberValue) Kind() Kind { return KindNumber }

type StringValue struct {
	Val string
}

func (v StringValue) Kind() Kind { return KindString }

type BoolValue struct {
	Val bool
}

func (v BoolValue) Kind() Kind { return KindBool }

// ArrayValue is an ordered element list produced by `[a, b, c]` literals.
type ArrayValue struct {
	Elements []Value
}

func (v *ArrayValue) Kind() Kind { return KindArray }

// ObjectValue is a string-keyed mapping; the reserved `loop` variable and
// member access both go through it.
type ObjectValue struct {
	Fields map[string]Value
}

func (v *ObjectValue) Kind() Kind { return KindObject }

// FunctionValue is an arity-variadic callable: either a built-in or the
// expression-facing form of a declared macro.
type FunctionValue struct {
	Name string
	Call func(args []Value, ctx *Context) (Value, error)
}

func (v *FunctionValue) Kind() Kind { return KindFunction }

// Truthy reports the conditional interpretation of a value: null, false,
// zero, and the empty string are falsey, everything else truthy.
func Truthy(v Value) bool {
	switch val := v.(type) {
	case nil, NullValue:
		return false
	case BoolValue:
		return val.Val
	case NumberValue:
		return val.Val != 0
	case StringValue:
		return val.Val != ""
	default:
		return true
	}
}

// Stringify renders a value the way output emission and concatenation see it.
func Stringify(v Value) string {
	switch val := v.(type) {
	case nil, NullValue:
		return "null"
	case NumberValue:
		return FormatNumber(val.Val)
	case StringValue:
		return val.Val
	case BoolValue:
		return strconv.FormatBool(val.Val)
	case *ArrayValue:
		parts := make([]string, len(val.Elements))
		for i, el := range val.Elements {
			parts[i] = Stringify(el)
		}
		return strings.Join(parts, ",")
	case *ObjectValue:
		return "[object]"
	case *FunctionValue:
		return "function:" + val.Name
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FormatNumber prints the shortest round-trip form. Zero and magnitudes in
// [1e-6, 1e21) use plain decimal notation (integral values without a decimal
// point); everything else uses exponent notation.
func FormatNumber(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	if math.IsInf(f, 0) {
		if f > 0 {
			return "inf"
		}
		return "-inf"
	}
	if abs := math.Abs(f); abs < 1e21 && (abs >= 1e-6 || f == 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Equal is same-kind value equality; values of different kinds are unequal.
func Equal(a, b Value) bool {
	if a == nil {
		a = NullValue{}
	}
	if b == nil {
		b = NullValue{}
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case NullValue:
		return true
	case NumberValue:
		return av.Val == b.(NumberValue).Val
	case StringValue:
		return av.Val == b.(StringValue).Val
	case BoolValue:
		return av.Val == b.(BoolValue).Val
	case *ArrayValue:
		bv := b.(*ArrayValue)
		if len(av.Elements) != len(bv.Elements) {
			return false
		}
		for i := range av.Elements {
			if !Equal(av.Elements[i], bv.Elements[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
