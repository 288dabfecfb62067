package expr

import (
	"math"

	"github.com/jayeheffernan/builder/pkg/runtime"
)

// Builtins returns the standard function table. `defined` is handled
// syntactically by the evaluator and does not appear here; `include` is
// installed by the execution machine.
func Builtins() map[string]*runtime.FunctionValue {
	return map[string]*runtime.FunctionValue{
		"min": {Name: "min", Call: minFn},
		"max": {Name: "max", Call: maxFn},
		"abs": {Name: "abs", Call: absFn},
	}
}

func minFn(args []runtime.Value, _ *runtime.Context) (runtime.Value, error) {
	if len(args) == 0 {
		return nil, errorf("Wrong number of arguments for min()")
	}
	result := math.Inf(1)
	for _, arg := range args {
		n, err := toNumber(arg)
		if err != nil {
			return nil, err
		}
		result = math.Min(result, n)
	}
	return runtime.NumberValue{Val: result}, nil
}

func maxFn(args []runtime.Value, _ *runtime.Context) (runtime.Value, error) {
	if len(args) == 0 {
		return nil, errorf("Wrong number of arguments for max()")
	}
	result := math.Inf(-1)
	for _, arg := range args {
		n, err := toNumber(arg)
		if err != nil {
			return nil, err
		}
		result = math.Max(result, n)
	}
	return runtime.NumberValue{Val: result}, nil
}

func absFn(args []runtime.Value, _ *runtime.Context) (runtime.Value, error) {
	if len(args) != 1 {
		return nil, errorf("Wrong number of arguments for abs()")
	}
	n, err := toNumber(args[0])
	if err != nil {
		return nil, err
	}
	return runtime.NumberValue{Val: math.Abs(n)}, nil
}
