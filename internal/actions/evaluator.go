package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dealbrain/valuation/internal/domain"
	"github.com/dealbrain/valuation/internal/formula"
)

// Evaluator computes action deltas for a matched rule (§4.2). It delegates
// formula actions to the Formula Sandbox (C3) and never returns a Go error
// for data problems (failures are carried as notes on the ActionOutput).
type Evaluator struct {
	sandbox        *formula.Sandbox
	formulaTimeout time.Duration
}

// NewEvaluator constructs an action Evaluator backed by the given formula
// sandbox.
func NewEvaluator(sandbox *formula.Sandbox, formulaTimeout time.Duration) *Evaluator {
	return &Evaluator{sandbox: sandbox, formulaTimeout: formulaTimeout}
}

// EvaluateActions runs a rule's action list in declared order, threading a
// running subtotal (initialized by the caller to base_price at the start of
// each group per §9's per-group resolution of the Open Question) through
// percentage-of-running_subtotal actions.
func (e *Evaluator) EvaluateActions(
	ctx context.Context,
	evalCtx map[string]any,
	actionList []domain.Action,
	listingCondition domain.ListingCondition,
	basePrice float64,
	runningSubtotal *float64,
) ([]domain.ActionOutput, float64) {
	outputs := make([]domain.ActionOutput, 0, len(actionList))
	var total float64

	for _, action := range actionList {
		output := e.evaluateOne(ctx, evalCtx, action, listingCondition, basePrice, *runningSubtotal)
		outputs = append(outputs, output)
		total += output.Delta
		*runningSubtotal += output.Delta
	}

	return outputs, total
}

func (e *Evaluator) evaluateOne(
	ctx context.Context,
	evalCtx map[string]any,
	action domain.Action,
	listingCondition domain.ListingCondition,
	basePrice float64,
	runningSubtotal float64,
) domain.ActionOutput {
	multiplier := action.Multipliers().For(listingCondition)

	var raw float64
	var notes []string

	switch action.Kind {
	case domain.ActionFixedValue:
		raw = action.Amount

	case domain.ActionPerUnit:
		val, ok := ResolveMetric(evalCtx, action.Metric)
		if !ok {
			notes = append(notes, fmt.Sprintf("unknown metric %q", action.Metric))
			raw = 0
		} else {
			raw = val * action.UnitValue
		}

	case domain.ActionPercentage:
		var of float64
		switch action.Of {
		case domain.OfBasePrice:
			of = basePrice
		case domain.OfRunningSubtotal:
			of = runningSubtotal
		default:
			of = basePrice
		}
		raw = of * (action.Pct / 100.0)

	case domain.ActionBenchmarkBased:
		val, ok := ResolveMetric(evalCtx, action.Benchmark)
		if !ok {
			notes = append(notes, fmt.Sprintf("unknown benchmark %q", action.Benchmark))
			raw = 0
		} else if action.ReferenceValue == 0 {
			notes = append(notes, "reference_value is zero")
			raw = 0
		} else {
			raw = (val / action.ReferenceValue) * action.Scale
		}

	case domain.ActionFormula:
		vars := make(map[string]float64, len(action.Variables))
		for name, fieldPath := range action.Variables {
			v := resolveFieldPath(evalCtx, fieldPath)
			f, ok := toFloat(v)
			if !ok {
				notes = append(notes, fmt.Sprintf("variable %q (%s) is undefined or non-numeric", name, fieldPath))
				continue
			}
			vars[name] = f
		}
		val, err := e.sandbox.Evaluate(ctx, action.Expression, vars)
		if err != nil {
			notes = append(notes, fmt.Sprintf("formula error: %v", err))
			raw = 0
		} else {
			raw = val
		}

	default:
		notes = append(notes, fmt.Sprintf("unknown action kind %q", action.Kind))
		raw = 0
	}

	delta := raw * multiplier

	return domain.ActionOutput{
		Kind:       action.Kind,
		Raw:        raw,
		Multiplier: multiplier,
		Delta:      delta,
		Notes:      notes,
	}
}

func resolveFieldPath(ctx map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}
