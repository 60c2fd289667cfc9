package conditions

import (
	"testing"

	"github.com/dealbrain/valuation/internal/domain"
)

func TestEvaluateEmptyTreeMatchesAll(t *testing.T) {
	result := Evaluate(map[string]any{}, nil)
	if !result.Matched {
		t.Errorf("expected empty condition tree to match")
	}
}

func TestEvaluateLeafGT(t *testing.T) {
	ctx := map[string]any{
		"listing": map[string]any{
			"cpu": map[string]any{
				"cpu_mark_multi": 25000.0,
			},
		},
	}
	node := &domain.Condition{
		FieldPath: "listing.cpu.cpu_mark_multi",
		Operator:  domain.OpGT,
		Value:     20000.0,
	}

	result := Evaluate(ctx, node)
	if !result.Matched {
		t.Errorf("expected match, got false")
	}
	if len(result.Trace) != 1 {
		t.Fatalf("expected 1 trace entry, got %d", len(result.Trace))
	}
	if !result.Trace[0].Result {
		t.Errorf("expected trace result true")
	}
}

func TestEvaluateMissingFieldPathYieldsFalseNotError(t *testing.T) {
	ctx := map[string]any{"listing": map[string]any{}}
	node := &domain.Condition{
		FieldPath: "listing.cpu.cpu_mark_multi",
		Operator:  domain.OpGT,
		Value:     100.0,
	}

	result := Evaluate(ctx, node)
	if result.Matched {
		t.Errorf("expected no match for missing field")
	}
	if result.SkippedReason != "" {
		t.Errorf("missing data should not be a skipped_reason, got %q", result.SkippedReason)
	}
}

func TestEvaluateANDOfEmptyChildrenIsTrue(t *testing.T) {
	node := &domain.Condition{LogicalOp: domain.LogicalAnd}
	result := Evaluate(map[string]any{}, node)
	if !result.Matched {
		t.Errorf("AND of empty children should match")
	}
}

func TestEvaluateOROfEmptyChildrenIsFalse(t *testing.T) {
	node := &domain.Condition{LogicalOp: domain.LogicalOr}
	result := Evaluate(map[string]any{}, node)
	if result.Matched {
		t.Errorf("OR of empty children should not match")
	}
}

func TestEvaluateBetweenReversedBoundsNormalized(t *testing.T) {
	ctx := map[string]any{"x": 5.0}
	node := &domain.Condition{
		FieldPath: "x",
		Operator:  domain.OpBetween,
		Value:     []any{10.0, 0.0},
	}
	result := Evaluate(ctx, node)
	if !result.Matched {
		t.Errorf("expected 5 to fall within reversed bounds [10,0] normalized to [0,10]")
	}
}

func TestEvaluateStringContainsCaseInsensitive(t *testing.T) {
	ctx := map[string]any{"name": "Intel Core i7-12700K"}
	node := &domain.Condition{
		FieldPath: "name",
		Operator:  domain.OpContains,
		Value:     "CORE I7",
	}
	result := Evaluate(ctx, node)
	if !result.Matched {
		t.Errorf("expected case-insensitive contains match")
	}
}

func TestEvaluateInNullValueIsNonMembership(t *testing.T) {
	ctx := map[string]any{}
	node := &domain.Condition{
		FieldPath: "missing",
		Operator:  domain.OpIn,
		Value:     []any{"a", "b"},
	}
	result := Evaluate(ctx, node)
	if result.Matched {
		t.Errorf("null value should never be a member")
	}
}

func TestEvaluateUnknownOperatorSkipped(t *testing.T) {
	ctx := map[string]any{"x": 1.0}
	node := &domain.Condition{
		FieldPath: "x",
		Operator:  "bogus",
		Value:     1.0,
	}
	result := Evaluate(ctx, node)
	if result.Matched {
		t.Errorf("unknown operator should not match")
	}
	if result.SkippedReason == "" {
		t.Errorf("expected skipped reason for unknown operator")
	}
}

func TestEvaluateNestedANDOR(t *testing.T) {
	ctx := map[string]any{
		"condition": "refurb",
		"price":     500.0,
	}
	node := &domain.Condition{
		LogicalOp: domain.LogicalAnd,
		Children: []*domain.Condition{
			{FieldPath: "price", Operator: domain.OpGT, Value: 100.0},
			{
				LogicalOp: domain.LogicalOr,
				Children: []*domain.Condition{
					{FieldPath: "condition", Operator: domain.OpEquals, Value: "new"},
					{FieldPath: "condition", Operator: domain.OpEquals, Value: "refurb"},
				},
			},
		},
	}
	result := Evaluate(ctx, node)
	if !result.Matched {
		t.Errorf("expected nested AND/OR to match")
	}
}
