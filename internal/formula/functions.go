package formula

import (
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// celFunctions registers the closed whitelist of arithmetic helper
// functions the codegen in codegen.go emits calls to. These are the only
// functions ever invoked by a compiled formula program; none of them
// perform I/O or allocate unbounded resources (§4.3 Safety).
func celFunctions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("safeDiv",
			cel.Overload("safeDiv_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(binaryFloatOp("/", func(a, b float64) (float64, error) {
					if b == 0 {
						return 0, fmt.Errorf("division by zero")
					}
					return a / b, nil
				})))),
		cel.Function("floorDiv",
			cel.Overload("floorDiv_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(binaryFloatOp("//", func(a, b float64) (float64, error) {
					if b == 0 {
						return 0, fmt.Errorf("floor division by zero")
					}
					return math.Floor(a / b), nil
				})))),
		cel.Function("safeMod",
			cel.Overload("safeMod_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(binaryFloatOp("%", func(a, b float64) (float64, error) {
					if b == 0 {
						return 0, fmt.Errorf("modulo by zero")
					}
					return math.Mod(a, b), nil
				})))),
		cel.Function("powFn",
			cel.Overload("powFn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(binaryFloatOp("**", func(a, b float64) (float64, error) {
					return math.Pow(a, b), nil
				})))),
		cel.Function("minFn",
			cel.Overload("minFn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(binaryFloatOp("min", func(a, b float64) (float64, error) {
					return math.Min(a, b), nil
				})))),
		cel.Function("maxFn",
			cel.Overload("maxFn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(binaryFloatOp("max", func(a, b float64) (float64, error) {
					return math.Max(a, b), nil
				})))),
		cel.Function("logFn",
			cel.Overload("logFn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(binaryFloatOp("log", func(x, base float64) (float64, error) {
					if x <= 0 || base <= 0 || base == 1 {
						return 0, fmt.Errorf("log domain error: log(%v) base %v", x, base)
					}
					return math.Log(x) / math.Log(base), nil
				})))),
		cel.Function("roundFn",
			cel.Overload("roundFn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(binaryFloatOp("round", func(x, ndigits float64) (float64, error) {
					mult := math.Pow(10, ndigits)
					return math.Round(x*mult) / mult, nil
				})))),
		cel.Function("absFn",
			cel.Overload("absFn_dyn", []*cel.Type{cel.DynType}, cel.DoubleType,
				cel.UnaryBinding(unaryFloatOp("abs", func(x float64) (float64, error) {
					return math.Abs(x), nil
				})))),
		cel.Function("ceilFn",
			cel.Overload("ceilFn_dyn", []*cel.Type{cel.DynType}, cel.DoubleType,
				cel.UnaryBinding(unaryFloatOp("ceil", func(x float64) (float64, error) {
					return math.Ceil(x), nil
				})))),
		cel.Function("floorFn",
			cel.Overload("floorFn_dyn", []*cel.Type{cel.DynType}, cel.DoubleType,
				cel.UnaryBinding(unaryFloatOp("floor", func(x float64) (float64, error) {
					return math.Floor(x), nil
				})))),
		cel.Function("sqrtFn",
			cel.Overload("sqrtFn_dyn", []*cel.Type{cel.DynType}, cel.DoubleType,
				cel.UnaryBinding(unaryFloatOp("sqrt", func(x float64) (float64, error) {
					if x < 0 {
						return 0, fmt.Errorf("sqrt domain error: sqrt(%v)", x)
					}
					return math.Sqrt(x), nil
				})))),
		cel.Function("expFn",
			cel.Overload("expFn_dyn", []*cel.Type{cel.DynType}, cel.DoubleType,
				cel.UnaryBinding(unaryFloatOp("exp", func(x float64) (float64, error) {
					return math.Exp(x), nil
				})))),
		cel.Function("clampFn",
			cel.Overload("clampFn_dyn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType, cel.DynType}, cel.DoubleType,
				cel.FunctionBinding(ternaryFloatOp("clamp", func(x, lo, hi float64) (float64, error) {
					if lo > hi {
						lo, hi = hi, lo
					}
					return math.Min(math.Max(x, lo), hi), nil
				})))),
		cel.Function("ifThenElseFn",
			cel.Overload("ifThenElseFn_dyn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType, cel.DynType}, cel.DoubleType,
				cel.FunctionBinding(ternaryFloatOp("if_then_else", func(cond, a, b float64) (float64, error) {
					if cond != 0 {
						return a, nil
					}
					return b, nil
				})))),
		cel.Function("boolToDouble",
			cel.Overload("boolToDouble_bool", []*cel.Type{cel.BoolType}, cel.DoubleType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					b, ok := v.(types.Bool)
					if !ok {
						return types.NewErr("boolToDouble: expected bool, got %v", v.Type())
					}
					if bool(b) {
						return types.Double(1)
					}
					return types.Double(0)
				}))),
	}
}

func unaryFloatOp(name string, f func(float64) (float64, error)) func(ref.Val) ref.Val {
	return func(a ref.Val) ref.Val {
		af, err := refToFloat(a)
		if err != nil {
			return types.NewErr("%s: %v", name, err)
		}
		out, err := f(af)
		if err != nil {
			return types.NewErr("%s: %v", name, err)
		}
		return types.Double(out)
	}
}

func binaryFloatOp(name string, f func(a, b float64) (float64, error)) func(ref.Val, ref.Val) ref.Val {
	return func(a, b ref.Val) ref.Val {
		af, err := refToFloat(a)
		if err != nil {
			return types.NewErr("%s: %v", name, err)
		}
		bf, err := refToFloat(b)
		if err != nil {
			return types.NewErr("%s: %v", name, err)
		}
		out, err := f(af, bf)
		if err != nil {
			return types.NewErr("%s: %v", name, err)
		}
		return types.Double(out)
	}
}

func ternaryFloatOp(name string, f func(a, b, c float64) (float64, error)) func(args ...ref.Val) ref.Val {
	return func(args ...ref.Val) ref.Val {
		if len(args) != 3 {
			return types.NewErr("%s: expected 3 arguments, got %d", name, len(args))
		}
		vals := make([]float64, 3)
		for i, a := range args {
			f, err := refToFloat(a)
			if err != nil {
				return types.NewErr("%s: %v", name, err)
			}
			vals[i] = f
		}
		out, err := f(vals[0], vals[1], vals[2])
		if err != nil {
			return types.NewErr("%s: %v", name, err)
		}
		return types.Double(out)
	}
}

// refToFloat coerces a CEL runtime value into a float64, the only numeric
// representation the formula sandbox operates in. Non-numeric values
// produce a clean error rather than a panic (§4.3 Errors).
func refToFloat(v ref.Val) (float64, error) {
	switch x := v.(type) {
	case types.Double:
		return float64(x), nil
	case types.Int:
		return float64(x), nil
	case types.Uint:
		return float64(x), nil
	case *types.Err:
		return 0, x
	default:
		return 0, fmt.Errorf("expected numeric value, got %v", v.Type())
	}
}
