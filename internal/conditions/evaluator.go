// Package conditions evaluates a rule's condition tree against an
// evaluation context: a boolean match plus a per-node diagnostic trace. It
// never raises on data; malformed nodes resolve to false with a reason.
package conditions

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/dealbrain/valuation/internal/domain"
)

// maxDepth bounds recursion as a safety cap; the engine assumes the tree is
// acyclic (cycles are rejected at write time by the surrounding API) and
// this guards only against pathological depth, not cycles (§9).
const maxDepth = 64

// Result is the outcome of evaluating a condition tree.
type Result struct {
	Matched       bool
	Trace         []domain.MatchedCondition
	SkippedReason string
}

// Evaluate walks a condition tree against ctx, producing a match decision
// and a full diagnostic trace (§4.1). A nil node (empty condition tree)
// always matches, per the "applies to all" convention.
func Evaluate(ctx map[string]any, node *domain.Condition) Result {
	if node.IsEmpty() {
		return Result{Matched: true}
	}
	var trace []domain.MatchedCondition
	matched, reason := evalNode(ctx, node, 0, &trace)
	return Result{Matched: matched, Trace: trace, SkippedReason: reason}
}

func evalNode(ctx map[string]any, node *domain.Condition, depth int, trace *[]domain.MatchedCondition) (bool, string) {
	if node == nil {
		return true, ""
	}
	if depth > maxDepth {
		return false, "max_depth_exceeded"
	}

	if node.IsBranch() {
		switch node.LogicalOp {
		case domain.LogicalAnd:
			if len(node.Children) == 0 {
				return true, ""
			}
			result := true
			var reason string
			for _, child := range node.Children {
				ok, r := evalNode(ctx, child, depth+1, trace)
				if !ok {
					result = false
					if reason == "" {
						reason = r
					}
				}
			}
			return result, reason
		case domain.LogicalOr:
			if len(node.Children) == 0 {
				return false, ""
			}
			result := false
			var reason string
			for _, child := range node.Children {
				ok, r := evalNode(ctx, child, depth+1, trace)
				if ok {
					result = true
				} else if reason == "" {
					reason = r
				}
			}
			return result, reason
		default:
			return false, fmt.Sprintf("unknown_logical_op:%s", node.LogicalOp)
		}
	}

	actual := resolveFieldPath(ctx, node.FieldPath)
	ok, err := evalLeaf(node.Operator, actual, node.Value)
	*trace = append(*trace, domain.MatchedCondition{
		FieldPath: node.FieldPath,
		Operator:  node.Operator,
		Value:     node.Value,
		Actual:    actual,
		Result:    ok,
	})
	if err != "" {
		return false, err
	}
	return ok, ""
}

// resolveFieldPath traverses a dotted path against a nested context map.
// Missing intermediate nodes yield null (nil), never an error (§4.1).
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

// evalLeaf applies a single operator. It never returns an error for data
// reasons (null operands simply yield false); the string return is only
// populated for malformed tree shape (unknown operator, wrong arity). Per the
// null policy, any operator against a null actual or want yields false,
// equals and not_equals included.
func evalLeaf(op domain.Operator, actual, want any) (bool, string) {
	if actual == nil || want == nil {
		return false, ""
	}
	switch op {
	case domain.OpEquals:
		return looseEquals(actual, want), ""
	case domain.OpNotEquals:
		return !looseEquals(actual, want), ""
	case domain.OpGT, domain.OpLT, domain.OpGTE, domain.OpLTE:
		return evalNumericCompare(op, actual, want), ""
	case domain.OpContains, domain.OpStartsWith, domain.OpEndsWith:
		return evalStringOp(op, actual, want), ""
	case domain.OpIn, domain.OpNotIn:
		return evalMembership(op, actual, want), ""
	case domain.OpBetween:
		return evalBetween(actual, want), ""
	default:
		return false, fmt.Sprintf("unknown_operator:%s", op)
	}
}

func looseEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	as, aok := toStr(a)
	bs, bok := toStr(b)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func evalNumericCompare(op domain.Operator, actual, want any) bool {
	af, aok := toFloat(actual)
	bf, bok := toFloat(want)
	if !aok || !bok {
		return false
	}
	switch op {
	case domain.OpGT:
		return af > bf
	case domain.OpLT:
		return af < bf
	case domain.OpGTE:
		return af >= bf
	case domain.OpLTE:
		return af <= bf
	}
	return false
}

// evalStringOp implements case-insensitive, NFC-normalized string
// comparisons (§4.1).
func evalStringOp(op domain.Operator, actual, want any) bool {
	as, aok := toStr(actual)
	bs, bok := toStr(want)
	if !aok || !bok {
		return false
	}
	as = normalizeFold(as)
	bs = normalizeFold(bs)
	switch op {
	case domain.OpContains:
		return strings.Contains(as, bs)
	case domain.OpStartsWith:
		return strings.HasPrefix(as, bs)
	case domain.OpEndsWith:
		return strings.HasSuffix(as, bs)
	}
	return false
}

func normalizeFold(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// evalMembership implements in/not_in. Null value is treated as
// non-membership regardless of the requested direction (§3).
func evalMembership(op domain.Operator, actual, want any) bool {
	if actual == nil {
		return false
	}
	seq, ok := toSlice(want)
	if !ok {
		return false
	}
	member := false
	for _, item := range seq {
		if looseEquals(actual, item) {
			member = true
			break
		}
	}
	if op == domain.OpIn {
		return member
	}
	return !member
}

// evalBetween implements inclusive range membership with auto-normalized
// reversed bounds (§4.1, §8).
func evalBetween(actual, want any) bool {
	af, aok := toFloat(actual)
	if !aok {
		return false
	}
	seq, ok := toSlice(want)
	if !ok || len(seq) != 2 {
		return false
	}
	lo, lok := toFloat(seq[0])
	hi, hok := toFloat(seq[1])
	if !lok || !hok {
		return false
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return af >= lo && af <= hi
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toStr(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}
