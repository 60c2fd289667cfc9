// Package hydrator converts compact baseline metadata rules into executable
// Rule Engine rules (C5): multiplier, formula, and scalar strategies,
// idempotent via hydration_source_rule_id lineage.
package hydrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dealbrain/valuation/internal/actions"
	"github.com/dealbrain/valuation/internal/domain"
	"github.com/dealbrain/valuation/internal/formula"
)

// Hydrator materializes BaselineRule placeholders into executable Rules.
type Hydrator struct {
	repo    domain.Repository
	sandbox *formula.Sandbox
	logger  *slog.Logger
}

// New constructs a Hydrator. sandbox is used only to validate formula_text
// at hydration time so a broken formula falls back to a fixed_value rule
// rather than surfacing a parse error later during valuation.
func New(repo domain.Repository, sandbox *formula.Sandbox, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hydrator{repo: repo, sandbox: sandbox, logger: logger}
}

// HydrateRuleset hydrates every baseline placeholder in a ruleset,
// returning per-strategy counts of rules created (§4.5, supplemented
// HydrationResult).
func (h *Hydrator) HydrateRuleset(ctx context.Context, rulesetID int64) (domain.HydrationResult, error) {
	baselines, err := h.repo.GetBaselineRules(ctx, rulesetID)
	if err != nil {
		return domain.HydrationResult{}, fmt.Errorf("loading baseline rules: %w", err)
	}

	result := domain.HydrationResult{
		RulesetID:        rulesetID,
		CountsByStrategy: make(map[domain.BaselineFieldType]int),
	}

	for _, baseline := range baselines {
		outcome, err := h.hydrateOne(ctx, baseline)
		if err != nil {
			h.logger.Warn("hydration failed", "baseline_rule_id", baseline.ID, "error", err)
			result.Failed = append(result.Failed, domain.HydrationOutcome{
				BaselineRuleID: baseline.ID,
				Strategy:       baseline.Metadata.FieldType,
				Error:          err.Error(),
			})
			continue
		}
		outcome.Strategy = baseline.Metadata.FieldType
		result.Outcomes = append(result.Outcomes, outcome)
		if !outcome.Idempotent {
			result.CountsByStrategy[baseline.Metadata.FieldType] += outcome.RulesCreated
		}
	}

	return result, nil
}

// hydrateOne hydrates a single baseline placeholder. It is a no-op
// (idempotent) if every currently active hydrated child already exists for
// this placeholder's current version.
func (h *Hydrator) hydrateOne(ctx context.Context, baseline *domain.BaselineRule) (domain.HydrationOutcome, error) {
	existing, err := h.repo.GetRulesByHydrationSource(ctx, baseline.ID)
	if err != nil {
		return domain.HydrationOutcome{}, fmt.Errorf("checking existing hydrated children: %w", err)
	}

	activeFromCurrentGeneration := false
	for _, r := range existing {
		if r.IsActive && r.Version >= baseline.Version {
			activeFromCurrentGeneration = true
			break
		}
	}
	if activeFromCurrentGeneration {
		return domain.HydrationOutcome{BaselineRuleID: baseline.ID, Idempotent: true}, nil
	}

	// Version bump: deactivate prior hydrated children before creating the
	// new generation.
	for _, r := range existing {
		if r.IsActive {
			r.IsActive = false
			if err := h.repo.SaveRule(ctx, r); err != nil {
				return domain.HydrationOutcome{}, fmt.Errorf("deactivating prior hydrated child %d: %w", r.ID, err)
			}
		}
	}

	var created []*domain.Rule
	switch baseline.Metadata.FieldType {
	case domain.BaselineMultiplier:
		created = h.hydrateMultiplier(baseline)
	case domain.BaselineFormula:
		created = h.hydrateFormula(baseline)
	case domain.BaselineScalar:
		created = h.hydrateScalar(baseline)
	default:
		return domain.HydrationOutcome{}, fmt.Errorf("unknown baseline field_type %q", baseline.Metadata.FieldType)
	}

	for _, r := range created {
		if r.Version < baseline.Version {
			r.Version = baseline.Version
		}
		if err := h.repo.SaveRule(ctx, r); err != nil {
			return domain.HydrationOutcome{}, fmt.Errorf("saving hydrated rule: %w", err)
		}
	}

	baseline.IsActive = false
	if err := h.repo.SaveRule(ctx, &baseline.Rule); err != nil {
		return domain.HydrationOutcome{}, fmt.Errorf("deactivating baseline placeholder %d: %w", baseline.ID, err)
	}

	return domain.HydrationOutcome{
		BaselineRuleID: baseline.ID,
		RulesCreated:   len(created),
	}, nil
}

// hydrateMultiplier implements the enum-multiplier strategy: one rule per
// bucket, condition field_path == bucket_key, action percentage of
// running_subtotal scaled to (multiplier-1)*100. Null-multiplier entries
// are skipped with a logged warning.
func (h *Hydrator) hydrateMultiplier(baseline *domain.BaselineRule) []*domain.Rule {
	keys := make([]string, 0, len(baseline.Metadata.ValuationBuckets))
	for k := range baseline.Metadata.ValuationBuckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rules := make([]*domain.Rule, 0, len(keys))
	for _, bucketKey := range keys {
		multiplier := baseline.Metadata.ValuationBuckets[bucketKey]
		if multiplier == nil {
			h.logger.Warn("skipping null-multiplier bucket", "baseline_rule_id", baseline.ID, "bucket", bucketKey)
			continue
		}

		rules = append(rules, &domain.Rule{
			GroupID:  baseline.GroupID,
			Name:     fmt.Sprintf("%s: %s", baseline.Name, bucketKey),
			Priority: baseline.Priority,
			IsActive: true,
			Version:  1,
			Condition: &domain.Condition{
				FieldPath: baseline.Metadata.FieldID,
				Operator:  domain.OpEquals,
				Value:     bucketKey,
			},
			Actions: []domain.Action{{
				Kind: domain.ActionPercentage,
				Pct:  (*multiplier - 1.0) * 100.0,
				Of:   domain.OfRunningSubtotal,
			}},
			HydrationSourceRuleID: baseline.ID,
		})
	}
	return rules
}

// hydrateFormula implements the formula strategy: an always-matching rule
// with one formula action carrying formula_text. A formula that fails
// validation falls back to a fixed_value rule using default_value (or 0)
// and is annotated in MetadataJSON.
func (h *Hydrator) hydrateFormula(baseline *domain.BaselineRule) []*domain.Rule {
	rule := &domain.Rule{
		GroupID:               baseline.GroupID,
		Name:                  baseline.Name,
		Priority:              baseline.Priority,
		IsActive:              true,
		Version:               1,
		HydrationSourceRuleID: baseline.ID,
	}

	fieldPaths := actions.MetricFieldPaths()
	variableNames := make([]string, 0, len(fieldPaths))
	for name := range fieldPaths {
		variableNames = append(variableNames, name)
	}

	if _, err := h.sandbox.Compile(baseline.Metadata.FormulaText, variableNames); err != nil {
		fallback := 0.0
		if d := baseline.Metadata.ResolvedDefault(); d != nil {
			fallback = *d
		}
		rule.Actions = []domain.Action{{Kind: domain.ActionFixedValue, Amount: fallback}}
		rule.MetadataJSON = map[string]any{
			"hydration_fallback": true,
			"hydration_error":    err.Error(),
		}
		h.logger.Warn("formula baseline failed to validate, falling back to fixed_value",
			"baseline_rule_id", baseline.ID, "error", err)
		return []*domain.Rule{rule}
	}

	rule.Actions = []domain.Action{{
		Kind:       domain.ActionFormula,
		Expression: baseline.Metadata.FormulaText,
		Variables:  fieldPaths,
	}}
	return []*domain.Rule{rule}
}

// hydrateScalar implements the fixed strategy: an always-matching rule with
// one fixed_value action, default_value resolved across the legacy-tolerant
// key set.
func (h *Hydrator) hydrateScalar(baseline *domain.BaselineRule) []*domain.Rule {
	amount := 0.0
	if d := baseline.Metadata.ResolvedDefault(); d != nil {
		amount = *d
	}
	return []*domain.Rule{{
		GroupID:               baseline.GroupID,
		Name:                  baseline.Name,
		Priority:              baseline.Priority,
		IsActive:              true,
		Version:               1,
		Actions:               []domain.Action{{Kind: domain.ActionFixedValue, Amount: amount}},
		HydrationSourceRuleID: baseline.ID,
	}}
}
