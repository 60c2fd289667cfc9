// Package rules orchestrates the Condition Evaluator (C1) and Action
// Evaluator (C2) across a ruleset's groups and rules (C4): ordering,
// is_exclusive short-circuiting, listing override merge, category/group
// weighting, and the per-rule state machine.
package rules

import (
	"context"
	"sort"

	"github.com/dealbrain/valuation/internal/actions"
	"github.com/dealbrain/valuation/internal/conditions"
	"github.com/dealbrain/valuation/internal/domain"
)

// Engine evaluates rulesets against a listing's evaluation context.
type Engine struct {
	actionEvaluator *actions.Evaluator
}

// NewEngine constructs an Engine backed by the given action evaluator.
func NewEngine(actionEvaluator *actions.Evaluator) *Engine {
	return &Engine{actionEvaluator: actionEvaluator}
}

// Input bundles the ruleset snapshot the Coordinator (C6) loaded for one
// evaluation: the ruleset itself, its groups, each group's rules (not
// assumed sorted; Evaluate sorts), and the listing's overrides keyed by
// rule id.
type Input struct {
	Ruleset      *domain.Ruleset
	Groups       []*domain.RuleGroup
	RulesByGroup map[int64][]*domain.Rule
	Overrides    map[int64]*domain.ListingOverride

	EvalCtx   map[string]any
	BasePrice float64
	Condition domain.ListingCondition
}

// Evaluate runs evaluate_listing(context, ruleset) -> Breakdown (§4.4).
func (e *Engine) Evaluate(ctx context.Context, in Input) domain.Breakdown {
	groups := make([]*domain.RuleGroup, len(in.Groups))
	copy(groups, in.Groups)
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].DisplayOrder < groups[j].DisplayOrder
	})

	breakdown := domain.Breakdown{
		Ruleset:   domain.RulesetRef{ID: in.Ruleset.ID, Name: in.Ruleset.Name},
		BasePrice: in.BasePrice,
	}

	var totalDelta float64
	for _, group := range groups {
		groupBreakdown, weightedContribution := e.evaluateGroup(ctx, in, group)
		breakdown.Groups = append(breakdown.Groups, groupBreakdown)
		totalDelta += weightedContribution
	}

	breakdown.TotalDelta = totalDelta
	adjusted := in.BasePrice + totalDelta
	if adjusted < 0 {
		adjusted = 0
	}
	breakdown.AdjustedPrice = adjusted

	return breakdown
}

// evaluateGroup evaluates one group's rules in ascending priority (then id),
// honoring is_exclusive short-circuiting, then applies the group's
// effective weight to the sum of its (pre-weight) rule contributions.
func (e *Engine) evaluateGroup(ctx context.Context, in Input, group *domain.RuleGroup) (domain.GroupBreakdown, float64) {
	ruleList := make([]*domain.Rule, len(in.RulesByGroup[group.ID]))
	copy(ruleList, in.RulesByGroup[group.ID])
	sort.SliceStable(ruleList, func(i, j int) bool {
		if ruleList[i].Priority != ruleList[j].Priority {
			return ruleList[i].Priority < ruleList[j].Priority
		}
		return ruleList[i].ID < ruleList[j].ID
	})

	groupBreakdown := domain.GroupBreakdown{
		Name:     group.Name,
		Category: group.Category,
	}

	runningSubtotal := in.BasePrice
	var groupTotal float64
	shortCircuited := false

	for _, rule := range ruleList {
		if !rule.IsActive {
			continue
		}

		if shortCircuited {
			groupBreakdown.Rules = append(groupBreakdown.Rules, domain.AppliedRuleRecord{
				RuleID:        rule.ID,
				RuleName:      rule.Name,
				GroupName:     group.Name,
				RulesetName:   in.Ruleset.Name,
				State:         domain.StateNotMatched,
				SkippedReason: "exclusive_shortcircuit",
			})
			continue
		}

		record := e.evaluateRule(ctx, in, group, rule, &runningSubtotal)
		groupBreakdown.Rules = append(groupBreakdown.Rules, record)
		groupTotal += record.Contribution

		if record.State.Terminal() && rule.IsExclusive {
			shortCircuited = true
		}
	}

	effectiveWeight := group.EffectiveWeight(in.Ruleset)
	groupBreakdown.WeightApplied = effectiveWeight

	for i := range groupBreakdown.Rules {
		groupBreakdown.Rules[i].WeightedContribution = groupBreakdown.Rules[i].Contribution * effectiveWeight
	}

	return groupBreakdown, groupTotal * effectiveWeight
}

// evaluateRule drives one rule through the state machine (§4.4), merging
// any listing override before the Condition Evaluator and Action Evaluator
// run, and threads the group's running subtotal across rules.
func (e *Engine) evaluateRule(ctx context.Context, in Input, group *domain.RuleGroup, rule *domain.Rule, runningSubtotal *float64) domain.AppliedRuleRecord {
	record := domain.AppliedRuleRecord{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		GroupName:   group.Name,
		RulesetName: in.Ruleset.Name,
	}

	override := in.Overrides[rule.ID]

	if override != nil && override.Action == domain.OverrideDisable {
		record.State = domain.StateOverriddenDisable
		record.SkippedReason = "overridden_disable"
		return record
	}

	var matched bool
	var trace []domain.MatchedCondition

	switch {
	case override != nil && override.Action == domain.OverrideForceEnable:
		matched = true
		record.State = domain.StateOverriddenEnable
	case override != nil && override.Action == domain.OverrideReplaceWithFixed:
		matched = true
		record.State = domain.StateOverriddenReplace
	default:
		result := conditions.Evaluate(in.EvalCtx, rule.Condition)
		matched = result.Matched
		trace = result.Trace
		if result.SkippedReason != "" {
			record.State = domain.StateError
			record.SkippedReason = result.SkippedReason
			return record
		}
		if matched {
			record.State = domain.StateMatched
		} else {
			record.State = domain.StateNotMatched
		}
	}

	record.MatchedConditions = trace

	if !record.State.Terminal() {
		return record
	}

	actionList := rule.Actions
	if override != nil && override.Action == domain.OverrideReplaceWithFixed {
		actionList = []domain.Action{{
			Kind:                 domain.ActionFixedValue,
			Amount:               override.Amount,
			ConditionMultipliers: override.ConditionMultipliers,
		}}
	}

	outputs, total := e.actionEvaluator.EvaluateActions(ctx, in.EvalCtx, actionList, in.Condition, in.BasePrice, runningSubtotal)
	record.Actions = outputs
	record.Contribution = total

	return record
}
