package formula

import (
	"context"
	"testing"
)

func TestEvaluateClamp(t *testing.T) {
	sb, err := NewSandbox(0)
	if err != nil {
		t.Fatalf("failed to create sandbox: %v", err)
	}

	cases := []struct {
		cpuMark float64
		want    float64
	}{
		{25000, -125},
		{60000, -200},
	}

	for _, c := range cases {
		val, err := sb.Evaluate(context.Background(), "clamp((cpu_mark_multi/10000)*-50, -200, 0)", map[string]float64{
			"cpu_mark_multi": c.cpuMark,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if val != c.want {
			t.Errorf("cpu_mark_multi=%v: expected %v, got %v", c.cpuMark, c.want, val)
		}
	}
}

func TestEvaluateUndefinedIdentifier(t *testing.T) {
	sb, _ := NewSandbox(0)
	_, err := sb.Evaluate(context.Background(), "x + 1", map[string]float64{"y": 1})
	if err == nil {
		t.Errorf("expected error for undefined identifier x")
	}
}

func TestEvaluateDivisionByZero(t *testing.T) {
	sb, _ := NewSandbox(0)
	val, err := sb.Evaluate(context.Background(), "10 / x", map[string]float64{"x": 0})
	if err == nil {
		t.Errorf("expected division by zero error")
	}
	if val != 0 {
		t.Errorf("expected 0 on error, got %v", val)
	}
}

func TestEvaluateFloorDivisionAndPower(t *testing.T) {
	sb, _ := NewSandbox(0)

	val, err := sb.Evaluate(context.Background(), "7 // 2", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 3 {
		t.Errorf("expected 7 // 2 == 3, got %v", val)
	}

	val, err = sb.Evaluate(context.Background(), "2 ** 10", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 1024 {
		t.Errorf("expected 2 ** 10 == 1024, got %v", val)
	}
}

func TestEvaluateComparisonProducesZeroOrOne(t *testing.T) {
	sb, _ := NewSandbox(0)
	val, err := sb.Evaluate(context.Background(), "if_then_else(x > 5, 1, 0)", map[string]float64{"x": 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 1 {
		t.Errorf("expected 1, got %v", val)
	}
}

func TestEvaluateRejectsDisallowedFunction(t *testing.T) {
	sb, _ := NewSandbox(0)
	_, err := sb.Evaluate(context.Background(), "open_file(x)", map[string]float64{"x": 1})
	if err == nil {
		t.Errorf("expected rejection of non-whitelisted function call")
	}
}

func TestEvaluateRejectsOverLengthExpression(t *testing.T) {
	sb, _ := NewSandbox(0)
	long := make([]byte, MaxExpressionLength+1)
	for i := range long {
		long[i] = '1'
	}
	_, err := sb.Evaluate(context.Background(), string(long), nil)
	if err == nil {
		t.Errorf("expected rejection of over-length expression")
	}
}

func TestEvaluateLogDomainError(t *testing.T) {
	sb, _ := NewSandbox(0)
	_, err := sb.Evaluate(context.Background(), "log(x)", map[string]float64{"x": -1})
	if err == nil {
		t.Errorf("expected domain error for log of negative number")
	}
}

func TestEvaluateMinMaxVariadic(t *testing.T) {
	sb, _ := NewSandbox(0)
	val, err := sb.Evaluate(context.Background(), "min(5, 2, 8)", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 2 {
		t.Errorf("expected min(5,2,8) == 2, got %v", val)
	}
}
