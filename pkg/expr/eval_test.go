package expr

import (
	"strings"
	"testing"

	"github.com/jayeheffernan/builder/pkg/runtime"
)

func testContext() *runtime.Context {
	ctx := runtime.NewContext(nil)
	ctx.Define("x", runtime.NumberValue{Val: 10})
	ctx.Define("name", runtime.StringValue{Val: "builder"})
	ctx.Define("flag", runtime.BoolValue{Val: true})
	ctx.Define("obj", &runtime.ObjectValue{Fields: map[string]runtime.Value{
		"field": runtime.NumberValue{Val: 42},
	}})
	ctx.Define("arr", &runtime.ArrayValue{Elements: []runtime.Value{
		runtime.StringValue{Val: "a"},
		runtime.StringValue{Val: "b"},
	}})
	return ctx
}

func evalString(t *testing.T, src string) string {
	t.Helper()
	v, err := New().Evaluate(src, testContext())
	if err != nil {
		t.Fatalf("Evaluate(%q) error: %v", src, err)
	}
	return runtime.Stringify(v)
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"156*4+3", "627"},
		{"(256-128)/2", "64"},
		{"true || false && false", "true"},
		{"1 + 2 * 3", "7"},
		{"(1 + 2) * 3", "9"},
		{"10 % 3", "1"},
		{"-x", "-10"},
		{"+\"5\"", "5"},
		{"!0", "true"},
		{"!!\"\"", "false"},
		{"1E6", "1000000"},
		{"1e-6", "0.000001"},
		{"1.567", "1.567"},
		{"'single' + \"double\"", "singledouble"},
		{"\"n=\" + x", "n=10"},
		{"1 + 2 + \"s\"", "3s"},
		{"x == 10", "true"},
		{"x != 10", "false"},
		{"\"a\" == \"a\"", "true"},
		{"null == null", "true"},
		{"null == 0", "false"},
		{"x > 9", "true"},
		{"x <= 10", "true"},
		{"\"a\" < \"b\"", "true"},
		{"flag ? \"yes\" : \"no\"", "yes"},
		{"0 ? 1/0 : \"safe\"", "safe"},
		{"1 ? 100 : undefinedVar", "100"},
		{"undefinedVar", "null"},
		{"obj.field", "42"},
		{"obj.missing", "null"},
		{"x.anything", "null"},
		{"obj[\"field\"]", "42"},
		{"arr[0]", "a"},
		{"arr[1]", "b"},
		{"arr[5]", "null"},
		{"[1, 2, 3]", "1,2,3"},
		{"min(3, 1, 2)", "1"},
		{"max(3, 1, 2)", "3"},
		{"abs(0-5)", "5"},
		{"defined(x)", "true"},
		{"defined(undefinedVar)", "false"},
		{"null || \"fallback\"", "fallback"},
		{"0 && 1/0", "0"},
	}
	for _, tc := range cases {
		if got := evalString(t, tc.src); got != tc.want {
			t.Errorf("Evaluate(%q) = %q, want %q", tc.src, got, tc.want)
		}
	}
}

func TestEvaluateErrors(t *testing.T) {
	cases := []struct {
		src      string
		contains string
	}{
		{"1/0", "Division by zero"},
		{"10 % 0", "Division by zero"},
		{"min()", "Wrong number of arguments for min()"},
		{"max()", "Wrong number of arguments for max()"},
		{"abs()", "Wrong number of arguments for abs()"},
		{"abs(1, 2)", "Wrong number of arguments for abs()"},
		{"defined(\"str\")", "identifier"},
		{"defined(1 + 2)", "identifier"},
		{"`abc`", "Unexpected \"`\""},
		{"this", "`this` keyword is not supported"},
		{"nosuch(1)", "not defined"},
		{"1 +", "end of expression"},
		{"\"open", "Unterminated string"},
		{"flag ? 1", "\":\""},
		{"\"s\" - 1", "Not a number"},
	}
	for _, tc := range cases {
		_, err := New().Evaluate(tc.src, testContext())
		if err == nil {
			t.Errorf("Evaluate(%q): expected error containing %q", tc.src, tc.contains)
			continue
		}
		if !strings.Contains(err.Error(), tc.contains) {
			t.Errorf("Evaluate(%q) error = %q, want substring %q", tc.src, err.Error(), tc.contains)
		}
	}
}

func TestShortCircuitPreservesOperandValue(t *testing.T) {
	v, err := New().Evaluate("name || \"other\"", testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := v.(runtime.StringValue)
	if !ok || s.Val != "builder" {
		t.Fatalf("expected left operand back, got %#v", v)
	}
}

func TestFunctionFromContext(t *testing.T) {
	ctx := testContext()
	ctx.Define("twice", &runtime.FunctionValue{
		Name: "twice",
		Call: func(args []runtime.Value, _ *runtime.Context) (runtime.Value, error) {
			n, err := ToNumber(args[0])
			if err != nil {
				return nil, err
			}
			return runtime.NumberValue{Val: n * 2}, nil
		},
	})
	v, err := New().Evaluate("twice(21)", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, ok := v.(runtime.NumberValue); !ok || n.Val != 42 {
		t.Fatalf("expected 42, got %#v", v)
	}
}
