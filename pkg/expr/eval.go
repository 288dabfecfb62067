package expr

import (
	"math"
	"strconv"
	"strings"

	"github.com/jayeheffernan/builder/pkg/runtime"
)

// Evaluator parses and evaluates expression source against a context.
type Evaluator struct {
	builtins map[string]*runtime.FunctionValue
}

// New constructs an evaluator with the standard built-in functions.
func New() *Evaluator {
	return &Evaluator{builtins: Builtins()}
}

// Evaluate parses src and evaluates it. Undefined identifiers resolve to
// Null; evaluation failures are reported as *Error.
func (e *Evaluator) Evaluate(src string, ctx *runtime.Context) (runtime.Value, error) {
	n, err := parse(src)
	if err != nil {
		return nil, err
	}
	return e.eval(n, ctx)
}

// MacroCall is a resolved directive-level macro invocation.
type MacroCall struct {
	Name string
	Args []runtime.Value
}

// ParseMacroDeclaration parses `NAME(p1, p2)` macro declaration source.
func (e *Evaluator) ParseMacroDeclaration(src string) (string, []string, error) {
	tokens, err := lex(src)
	if err != nil {
		return "", nil, err
	}
	p := &parser{tokens: tokens}
	name, err := p.expect(IDENT, "macro name")
	if err != nil {
		return "", nil, err
	}
	if _, err := p.expect(LPAREN, `"("`); err != nil {
		return "", nil, err
	}
	params := []string{}
	if !p.match(RPAREN) {
		for {
			param, err := p.expect(IDENT, "parameter name")
			if err != nil {
				return "", nil, err
			}
			params = append(params, param.Lexeme)
			if p.match(COMMA) {
				continue
			}
			if _, err := p.expect(RPAREN, `")"`); err != nil {
				return "", nil, err
			}
			break
		}
	}
	if p.peek().Type != EOF {
		return "", nil, errorf("Unexpected %q after macro declaration", p.peek().Lexeme)
	}
	return name.Lexeme, params, nil
}

// ParseMacroCall attempts to read src as a call to a known macro. It returns
// nil (and no error) when src is not syntactically such a call; argument
// evaluation failures are reported.
func (e *Evaluator) ParseMacroCall(src string, ctx *runtime.Context, isMacro func(string) bool) (*MacroCall, error) {
	n, err := parse(src)
	if err != nil {
		return nil, nil
	}
	call, ok := n.(*callNode)
	if !ok {
		return nil, nil
	}
	callee, ok := call.callee.(*identNode)
	if !ok || !isMacro(callee.name) {
		return nil, nil
	}
	args := make([]runtime.Value, len(call.args))
	for i, argNode := range call.args {
		v, err := e.eval(argNode, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return &MacroCall{Name: callee.name, Args: args}, nil
}

func (e *Evaluator) eval(n node, ctx *runtime.Context) (runtime.Value, error) {
	switch node := n.(type) {
	case *numberNode:
		return runtime.NumberValue{Val: node.val}, nil
	case *stringNode:
		return runtime.StringValue{Val: node.val}, nil
	case *boolNode:
		return runtime.BoolValue{Val: node.val}, nil
	case *nullNode:
		return runtime.NullValue{}, nil
	case *identNode:
		if v, ok := ctx.Get(node.name); ok {
			return v, nil
		}
		if fn, ok := e.builtins[node.name]; ok {
			return fn, nil
		}
		return runtime.NullValue{}, nil
	case *arrayNode:
		elements := make([]runtime.Value, len(node.elements))
		for i, el := range node.elements {
			v, err := e.eval(el, ctx)
			if err != nil {
				return nil, err
			}
			elements[i] = v
		}
		return &runtime.ArrayValue{Elements: elements}, nil
	case *unaryNode:
		return e.evalUnary(node, ctx)
	case *binaryNode:
		return e.evalBinary(node, ctx)
	case *ternaryNode:
		test, err := e.eval(node.test, ctx)
		if err != nil {
			return nil, err
		}
		if runtime.Truthy(test) {
			return e.eval(node.consequent, ctx)
		}
		return e.eval(node.alternate, ctx)
	case *memberNode:
		object, err := e.eval(node.object, ctx)
		if err != nil {
			return nil, err
		}
		if obj, ok := object.(*runtime.ObjectValue); ok {
			if v, ok := obj.Fields[node.property]; ok {
				return v, nil
			}
		}
		return runtime.NullValue{}, nil
	case *indexNode:
		return e.evalIndex(node, ctx)
	case *callNode:
		return e.evalCall(node, ctx)
	default:
		return nil, errorf("Unsupported expression")
	}
}

func (e *Evaluator) evalUnary(n *unaryNode, ctx *runtime.Context) (runtime.Value, error) {
	operand, err := e.eval(n.operand, ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return runtime.BoolValue{Val: !runtime.Truthy(operand)}, nil
	case "-":
		num, err := toNumber(operand)
		if err != nil {
			return nil, err
		}
		return runtime.NumberValue{Val: -num}, nil
	case "+":
		num, err := toNumber(operand)
		if err != nil {
			return nil, err
		}
		return runtime.NumberValue{Val: num}, nil
	}
	return nil, errorf("Unsupported unary operator %q", n.op)
}

func (e *Evaluator) evalBinary(n *binaryNode, ctx *runtime.Context) (runtime.Value, error) {
	// || and && short-circuit and yield the deciding operand.
	if n.op == "||" || n.op == "&&" {
		left, err := e.eval(n.left, ctx)
		if err != nil {
			return nil, err
		}
		if n.op == "||" {
			if runtime.Truthy(left) {
				return left, nil
			}
		} else if !runtime.Truthy(left) {
			return left, nil
		}
		return e.eval(n.right, ctx)
	}

	left, err := e.eval(n.left, ctx)
	if err != nil {
		return nil, err
	}
	right, err := e.eval(n.right, ctx)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return runtime.BoolValue{Val: runtime.Equal(left, right)}, nil
	case "!=":
		return runtime.BoolValue{Val: !runtime.Equal(left, right)}, nil
	case "<", ">", "<=", ">=":
		return compare(n.op, left, right)
	case "+":
		if left.Kind() == runtime.KindString || right.Kind() == runtime.KindString {
			return runtime.StringValue{Val: runtime.Stringify(left) + runtime.Stringify(right)}, nil
		}
		return arith(n.op, left, right)
	case "-", "*", "/", "%":
		return arith(n.op, left, right)
	}
	return nil, errorf("Unsupported operator %q", n.op)
}

func (e *Evaluator) evalIndex(n *indexNode, ctx *runtime.Context) (runtime.Value, error) {
	object, err := e.eval(n.object, ctx)
	if err != nil {
		return nil, err
	}
	index, err := e.eval(n.index, ctx)
	if err != nil {
		return nil, err
	}
	switch obj := object.(type) {
	case *runtime.ArrayValue:
		num, err := toNumber(index)
		if err != nil {
			return nil, err
		}
		i := int(num)
		if i < 0 || i >= len(obj.Elements) {
			return runtime.NullValue{}, nil
		}
		return obj.Elements[i], nil
	case *runtime.ObjectValue:
		key := runtime.Stringify(index)
		if v, ok := obj.Fields[key]; ok {
			return v, nil
		}
		return runtime.NullValue{}, nil
	default:
		return runtime.NullValue{}, nil
	}
}

func (e *Evaluator) evalCall(n *callNode, ctx *runtime.Context) (runtime.Value, error) {
	callee, ok := n.callee.(*identNode)
	if !ok {
		return nil, errorf("Only named functions can be called")
	}

	// defined() inspects its argument at parse time, before evaluation.
	if callee.name == "defined" {
		if len(n.args) != 1 {
			return nil, errorf("Wrong number of arguments for defined()")
		}
		ident, ok := n.args[0].(*identNode)
		if !ok {
			return nil, errorf("defined() requires an identifier argument")
		}
		return runtime.BoolValue{Val: ctx.Has(ident.name)}, nil
	}

	fn := e.resolveFunction(callee.name, ctx)
	if fn == nil {
		return nil, errorf("Function %q is not defined", callee.name)
	}

	args := make([]runtime.Value, len(n.args))
	for i, argNode := range n.args {
		v, err := e.eval(argNode, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn.Call(args, ctx)
}

// resolveFunction looks a callee up in the built-in table first, then in the
// context.
func (e *Evaluator) resolveFunction(name string, ctx *runtime.Context) *runtime.FunctionValue {
	if fn, ok := e.builtins[name]; ok {
		return fn
	}
	if v, ok := ctx.Get(name); ok {
		if fn, ok := v.(*runtime.FunctionValue); ok {
			return fn
		}
	}
	return nil
}

func compare(op string, left, right runtime.Value) (runtime.Value, error) {
	if left.Kind() == runtime.KindString && right.Kind() == runtime.KindString {
		ls, rs := left.(runtime.StringValue).Val, right.(runtime.StringValue).Val
		var result bool
		switch op {
		case "<":
			result = ls < rs
		case ">":
			result = ls > rs
		case "<=":
			result = ls <= rs
		case ">=":
			result = ls >= rs
		}
		return runtime.BoolValue{Val: result}, nil
	}
	ln, err := toNumber(left)
	if err != nil {
		return nil, err
	}
	rn, err := toNumber(right)
	if err != nil {
		return nil, err
	}
	var result bool
	switch op {
	case "<":
		result = ln < rn
	case ">":
		result = ln > rn
	case "<=":
		result = ln <= rn
	case ">=":
		result = ln >= rn
	}
	return runtime.BoolValue{Val: result}, nil
}

func arith(op string, left, right runtime.Value) (runtime.Value, error) {
	ln, err := toNumber(left)
	if err != nil {
		return nil, err
	}
	rn, err := toNumber(right)
	if err != nil {
		return nil, err
	}
	switch op {
	case "+":
		return runtime.NumberValue{Val: ln + rn}, nil
	case "-":
		return runtime.NumberValue{Val: ln - rn}, nil
	case "*":
		return runtime.NumberValue{Val: ln * rn}, nil
	case "/":
		if rn == 0 {
			return nil, errorf("Division by zero")
		}
		return runtime.NumberValue{Val: ln / rn}, nil
	case "%":
		if rn == 0 {
			return nil, errorf("Division by zero")
		}
		return runtime.NumberValue{Val: math.Mod(ln, rn)}, nil
	}
	return nil, errorf("Unsupported operator %q", op)
}

// ToNumber exposes the arithmetic coercion; the machine uses it for
// `@repeat` counts.
func ToNumber(v runtime.Value) (float64, error) {
	return toNumber(v)
}

// toNumber coerces a value for arithmetic: numbers pass through, booleans
// become 0/1, null becomes 0, numeric strings parse.
func toNumber(v runtime.Value) (float64, error) {
	switch val := v.(type) {
	case nil, runtime.NullValue:
		return 0, nil
	case runtime.NumberValue:
		return val.Val, nil
	case runtime.BoolValue:
		if val.Val {
			return 1, nil
		}
		return 0, nil
	case runtime.StringValue:
		f, err := strconv.ParseFloat(strings.TrimSpace(val.Val), 64)
		if err != nil {
			return 0, errorf("Not a number: %q", val.Val)
		}
		return f, nil
	default:
		return 0, errorf("Not a number: %s", v.Kind())
	}
}
