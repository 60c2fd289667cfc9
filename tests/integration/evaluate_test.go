// Package integration drives the valuation pipeline end to end: a real
// sqlite-backed repository, the rule engine, the formula sandbox, and the
// hydrator, with no HTTP layer in between.
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/dealbrain/valuation/internal/actions"
	"github.com/dealbrain/valuation/internal/bus"
	"github.com/dealbrain/valuation/internal/coordinator"
	"github.com/dealbrain/valuation/internal/domain"
	"github.com/dealbrain/valuation/internal/formula"
	"github.com/dealbrain/valuation/internal/hydrator"
	"github.com/dealbrain/valuation/internal/repository"
	"github.com/dealbrain/valuation/internal/rules"
	"github.com/dealbrain/valuation/internal/worker"
)

// testEnv wires a temp-file sqlite repository into a full coordinator, plus
// a direct *sql.DB handle for seeding rulesets/groups, which the Repository
// interface does not expose (those are authored through a separate admin
// surface outside this core's scope).
type testEnv struct {
	repo  domain.Repository
	coord *coordinator.Coordinator
	hyd   *hydrator.Hydrator
	db    *sql.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "dealbrain-integration-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	path := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(path) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("repository.New failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sandbox, err := formula.NewSandbox(0)
	if err != nil {
		t.Fatalf("formula.NewSandbox failed: %v", err)
	}
	evaluator := actions.NewEvaluator(sandbox, 0)
	engine := rules.NewEngine(evaluator)
	hyd := hydrator.New(repo, sandbox, nil)
	coord := coordinator.New(repo, engine, hyd, nil, nil)

	return &testEnv{repo: repo, coord: coord, hyd: hyd, db: db}
}

func (e *testEnv) insertRuleset(t *testing.T, rs domain.Ruleset) int64 {
	t.Helper()
	weights := "{}"
	if len(rs.CategoryWeights) > 0 {
		b, err := json.Marshal(rs.CategoryWeights)
		if err != nil {
			t.Fatalf("marshaling category weights: %v", err)
		}
		weights = string(b)
	}
	res, err := e.db.Exec(
		`INSERT INTO rulesets (name, priority, is_active, is_system_default, category_weights) VALUES (?, ?, ?, ?, ?)`,
		rs.Name, rs.Priority, rs.IsActive, rs.IsSystemDefault, weights,
	)
	if err != nil {
		t.Fatalf("inserting ruleset: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("reading ruleset id: %v", err)
	}
	return id
}

func (e *testEnv) insertGroup(t *testing.T, rulesetID int64, category string, displayOrder int, weight *float64) int64 {
	t.Helper()
	res, err := e.db.Exec(
		`INSERT INTO rule_groups (ruleset_id, name, category, display_order, weight) VALUES (?, ?, ?, ?, ?)`,
		rulesetID, category+" group", category, displayOrder, weight,
	)
	if err != nil {
		t.Fatalf("inserting rule group: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("reading rule group id: %v", err)
	}
	return id
}

func (e *testEnv) insertCPU(t *testing.T, id int64, name string, markMulti, markSingle float64) {
	t.Helper()
	if _, err := e.db.Exec(
		`INSERT INTO cpus (id, name, cpu_mark_multi, cpu_mark_single) VALUES (?, ?, ?, ?)`,
		id, name, markMulti, markSingle,
	); err != nil {
		t.Fatalf("inserting cpu: %v", err)
	}
}

func (e *testEnv) insertRamSpec(t *testing.T, id int64, totalCapacityGB float64) {
	t.Helper()
	if _, err := e.db.Exec(
		`INSERT INTO ram_specs (id, total_capacity_gb) VALUES (?, ?)`,
		id, totalCapacityGB,
	); err != nil {
		t.Fatalf("inserting ram spec: %v", err)
	}
}

func weightOf(v float64) *float64 { return &v }

// singleGroupListing seeds a ruleset with one group holding exactly the
// given rules, plus a listing in the given condition, and returns the
// listing's id.
func (e *testEnv) singleGroupListing(t *testing.T, basePrice float64, cond domain.ListingCondition, groupWeight *float64, ruleSpecs ...*domain.Rule) int64 {
	t.Helper()
	ctx := context.Background()

	rulesetID := e.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
	groupID := e.insertGroup(t, rulesetID, "pricing", 0, groupWeight)

	for _, r := range ruleSpecs {
		r.GroupID = groupID
		if r.Version == 0 {
			r.Version = 1
		}
		if err := e.repo.SaveRule(ctx, r); err != nil {
			t.Fatalf("saving rule %q: %v", r.Name, err)
		}
	}

	listing := &domain.Listing{BasePrice: basePrice, Condition: cond, RulesetID: rulesetID}
	if err := e.repo.SaveListing(ctx, listing); err != nil {
		t.Fatalf("saving listing: %v", err)
	}
	return listing.ID
}

func floatsClose(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// assertConservation checks invariant 7: adjusted_price - base_price must
// equal the sum of every rule's recorded weighted contribution, within
// 1e-6, and that total_delta agrees with the same sum.
func assertConservation(t *testing.T, b domain.Breakdown) {
	t.Helper()
	var sum float64
	for _, g := range b.Groups {
		for _, r := range g.Rules {
			sum += r.WeightedContribution
		}
	}
	if !floatsClose(sum, b.TotalDelta, 1e-6) {
		t.Errorf("sum of weighted contributions %.6f != total_delta %.6f", sum, b.TotalDelta)
	}
	if b.AdjustedPrice == 0 && b.BasePrice+b.TotalDelta < 0 {
		// clamped at zero; conservation only holds pre-clamp
		return
	}
	want := b.AdjustedPrice - b.BasePrice
	if !floatsClose(want, b.TotalDelta, 1e-6) {
		t.Errorf("adjusted_price - base_price %.6f != total_delta %.6f", want, b.TotalDelta)
	}
	if b.AdjustedPrice < 0 {
		t.Errorf("adjusted_price must never be negative, got %.6f", b.AdjustedPrice)
	}
}

// --- Scenario 1: condition-multiplier fixed deduction ---

func TestScenario_ConditionMultiplierFixedDeduction(t *testing.T) {
	env := newTestEnv(t)
	listingID := env.singleGroupListing(t, 1000, domain.ConditionRefurb, nil, &domain.Rule{
		Name:     "cosmetic deduction",
		IsActive: true,
		Actions: []domain.Action{{
			Kind:                 domain.ActionFixedValue,
			Amount:               -200,
			ConditionMultipliers: &domain.ConditionMultipliers{New: 1.0, Refurb: 0.75, Used: 0.5},
		}},
	})

	b, err := env.coord.EvaluateListing(context.Background(), listingID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if !floatsClose(b.TotalDelta, -150, 1e-9) {
		t.Errorf("expected total_delta -150, got %.6f", b.TotalDelta)
	}
	if !floatsClose(b.AdjustedPrice, 850, 1e-9) {
		t.Errorf("expected adjusted_price 850, got %.6f", b.AdjustedPrice)
	}
	assertConservation(t, b)
}

// --- Scenario 2: per-unit over RAM, group-weighted ---

func TestScenario_PerUnitRAMGroupWeighted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.insertRamSpec(t, 1, 16)

	rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
	groupID := env.insertGroup(t, rulesetID, "ram", 0, weightOf(0.5))

	rule := &domain.Rule{
		GroupID:  groupID,
		Name:     "ram deduction",
		IsActive: true,
		Version:  1,
		Actions: []domain.Action{{
			Kind:      domain.ActionPerUnit,
			Metric:    "ram_gb",
			UnitValue: -2.5,
		}},
	}
	if err := env.repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("saving rule: %v", err)
	}

	listing := &domain.Listing{BasePrice: 500, Condition: domain.ConditionNew, RulesetID: rulesetID, RamSpecID: 1}
	if err := env.repo.SaveListing(ctx, listing); err != nil {
		t.Fatalf("saving listing: %v", err)
	}

	b, err := env.coord.EvaluateListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if len(b.Groups) != 1 || len(b.Groups[0].Rules) != 1 {
		t.Fatalf("expected one group with one rule, got %+v", b.Groups)
	}
	unweighted := b.Groups[0].Rules[0].Contribution
	if !floatsClose(unweighted, -40, 1e-9) {
		t.Errorf("expected unweighted contribution -40, got %.6f", unweighted)
	}
	if !floatsClose(b.TotalDelta, -20, 1e-9) {
		t.Errorf("expected total_delta -20, got %.6f", b.TotalDelta)
	}
	if !floatsClose(b.AdjustedPrice, 480, 1e-9) {
		t.Errorf("expected adjusted_price 480, got %.6f", b.AdjustedPrice)
	}
	assertConservation(t, b)
}

// --- Scenario 3: exclusive rule short-circuit ---

func TestScenario_ExclusiveShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	listingID := env.singleGroupListing(t, 1000, domain.ConditionNew, nil,
		&domain.Rule{
			Name:        "exclusive deduction",
			Priority:    10,
			IsActive:    true,
			IsExclusive: true,
			Actions:     []domain.Action{{Kind: domain.ActionFixedValue, Amount: -50}},
		},
		&domain.Rule{
			Name:     "would-also-match",
			Priority: 20,
			IsActive: true,
			Actions:  []domain.Action{{Kind: domain.ActionFixedValue, Amount: -30}},
		},
	)

	b, err := env.coord.EvaluateListing(context.Background(), listingID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if !floatsClose(b.TotalDelta, -50, 1e-9) {
		t.Errorf("expected total_delta -50, got %.6f", b.TotalDelta)
	}
	if len(b.Groups) != 1 || len(b.Groups[0].Rules) != 2 {
		t.Fatalf("expected one group with two rule records, got %+v", b.Groups)
	}
	second := b.Groups[0].Rules[1]
	if second.State != domain.StateNotMatched {
		t.Errorf("expected second rule state not_matched, got %s", second.State)
	}
	if second.SkippedReason != "exclusive_shortcircuit" {
		t.Errorf("expected skipped_reason exclusive_shortcircuit, got %q", second.SkippedReason)
	}
	assertConservation(t, b)
}

// --- Scenario 4: override replacement ---

func TestScenario_OverrideReplacement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	listingID := env.singleGroupListing(t, 1000, domain.ConditionNew, nil)

	listing, err := env.repo.GetListing(ctx, listingID)
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}

	groups, err := env.repo.GetRuleGroups(ctx, listing.RulesetID)
	if err != nil || len(groups) != 1 {
		t.Fatalf("expected one group, got %+v err=%v", groups, err)
	}
	rule := &domain.Rule{
		GroupID:  groups[0].ID,
		Name:     "native rule",
		IsActive: true,
		Version:  1,
		Actions:  []domain.Action{{Kind: domain.ActionFixedValue, Amount: -250}},
	}
	if err := env.repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("saving rule: %v", err)
	}

	override := &domain.ListingOverride{
		ListingID: listingID,
		RuleID:    rule.ID,
		Action:    domain.OverrideReplaceWithFixed,
		Amount:    -100,
	}
	if err := env.repo.SaveOverride(ctx, override); err != nil {
		t.Fatalf("saving override: %v", err)
	}

	b, err := env.coord.EvaluateListing(ctx, listingID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if len(b.Groups) != 1 || len(b.Groups[0].Rules) != 1 {
		t.Fatalf("expected one group with one rule, got %+v", b.Groups)
	}
	rec := b.Groups[0].Rules[0]
	if rec.State != domain.StateOverriddenReplace {
		t.Errorf("expected state overridden_replace, got %s", rec.State)
	}
	if !floatsClose(rec.Contribution, -100, 1e-9) {
		t.Errorf("expected overridden contribution -100, got %.6f", rec.Contribution)
	}
	assertConservation(t, b)
}

// --- Scenario 5: formula with clamp ---

func formulaRule(groupID int64) *domain.Rule {
	return &domain.Rule{
		GroupID:  groupID,
		Name:     "cpu mark formula",
		IsActive: true,
		Version:  1,
		Actions: []domain.Action{{
			Kind:       domain.ActionFormula,
			Expression: "clamp((cpu_mark_multi/10000)*-50, -200, 0)",
			Variables:  map[string]string{"cpu_mark_multi": "listing.cpu.cpu_mark_multi"},
		}},
	}
}

func TestScenario_FormulaWithClamp(t *testing.T) {
	ctx := context.Background()

	t.Run("within bounds", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertCPU(t, 1, "test-cpu", 25000, 0)
		rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
		groupID := env.insertGroup(t, rulesetID, "cpu", 0, nil)
		if err := env.repo.SaveRule(ctx, formulaRule(groupID)); err != nil {
			t.Fatalf("saving rule: %v", err)
		}
		listing := &domain.Listing{BasePrice: 1000, Condition: domain.ConditionNew, RulesetID: rulesetID, CPUID: 1}
		if err := env.repo.SaveListing(ctx, listing); err != nil {
			t.Fatalf("saving listing: %v", err)
		}

		b, err := env.coord.EvaluateListing(ctx, listing.ID)
		if err != nil {
			t.Fatalf("EvaluateListing failed: %v", err)
		}
		if !floatsClose(b.TotalDelta, -125, 1e-9) {
			t.Errorf("expected total_delta -125, got %.6f", b.TotalDelta)
		}
		assertConservation(t, b)
	})

	t.Run("clamped", func(t *testing.T) {
		env := newTestEnv(t)
		env.insertCPU(t, 1, "test-cpu", 60000, 0)
		rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
		groupID := env.insertGroup(t, rulesetID, "cpu", 0, nil)
		if err := env.repo.SaveRule(ctx, formulaRule(groupID)); err != nil {
			t.Fatalf("saving rule: %v", err)
		}
		listing := &domain.Listing{BasePrice: 1000, Condition: domain.ConditionNew, RulesetID: rulesetID, CPUID: 1}
		if err := env.repo.SaveListing(ctx, listing); err != nil {
			t.Fatalf("saving listing: %v", err)
		}

		b, err := env.coord.EvaluateListing(ctx, listing.ID)
		if err != nil {
			t.Fatalf("EvaluateListing failed: %v", err)
		}
		if !floatsClose(b.TotalDelta, -200, 1e-9) {
			t.Errorf("expected total_delta clamped to -200, got %.6f", b.TotalDelta)
		}
	})

	t.Run("missing cpu", func(t *testing.T) {
		env := newTestEnv(t)
		rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
		groupID := env.insertGroup(t, rulesetID, "cpu", 0, nil)
		if err := env.repo.SaveRule(ctx, formulaRule(groupID)); err != nil {
			t.Fatalf("saving rule: %v", err)
		}
		listing := &domain.Listing{BasePrice: 1000, Condition: domain.ConditionNew, RulesetID: rulesetID}
		if err := env.repo.SaveListing(ctx, listing); err != nil {
			t.Fatalf("saving listing: %v", err)
		}

		b, err := env.coord.EvaluateListing(ctx, listing.ID)
		if err != nil {
			t.Fatalf("EvaluateListing failed: %v", err)
		}
		if !floatsClose(b.TotalDelta, 0, 1e-9) {
			t.Errorf("expected total_delta 0 for missing cpu, got %.6f", b.TotalDelta)
		}
		rec := b.Groups[0].Rules[0]
		if rec.State != domain.StateMatched {
			t.Errorf("expected rule to still be matched, got %s", rec.State)
		}
		if len(rec.Actions) != 1 || len(rec.Actions[0].Notes) == 0 {
			t.Errorf("expected a note on the unresolved variable, got %+v", rec.Actions)
		}
	})
}

// --- Scenario 6: baseline hydration of enum-multiplier ---

func TestScenario_HydrateEnumMultiplier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
	groupID := env.insertGroup(t, rulesetID, "condition", 0, nil)

	m := func(v float64) *float64 { return &v }
	baseline := &domain.Rule{
		GroupID:  groupID,
		Name:     "condition baseline",
		IsActive: true,
		Version:  1,
		MetadataJSON: map[string]any{
			"system_baseline": true,
			"baseline": map[string]any{
				"entityKey": "listing",
				"fieldId":   "listing.condition",
				"fieldType": "multiplier",
				"valuationBuckets": map[string]*float64{
					"new":    m(1.0),
					"refurb": m(0.75),
					"used":   m(0.6),
				},
			},
		},
	}
	if err := env.repo.SaveRule(ctx, baseline); err != nil {
		t.Fatalf("saving baseline rule: %v", err)
	}

	result, err := env.coord.HydrateRuleset(ctx, rulesetID)
	if err != nil {
		t.Fatalf("HydrateRuleset failed: %v", err)
	}
	if result.CountsByStrategy[domain.BaselineMultiplier] != 3 {
		t.Errorf("expected 3 rules created, got %d", result.CountsByStrategy[domain.BaselineMultiplier])
	}

	hydratedRules, err := env.repo.GetRulesByHydrationSource(ctx, baseline.ID)
	if err != nil {
		t.Fatalf("GetRulesByHydrationSource failed: %v", err)
	}
	if len(hydratedRules) != 3 {
		t.Fatalf("expected 3 hydrated rules, got %d", len(hydratedRules))
	}
	pctByBucket := make(map[string]float64, 3)
	for _, r := range hydratedRules {
		if r.Condition == nil || r.Condition.Operator != domain.OpEquals {
			t.Errorf("expected an equals condition on hydrated rule %d, got %+v", r.ID, r.Condition)
			continue
		}
		bucket, _ := r.Condition.Value.(string)
		if len(r.Actions) != 1 || r.Actions[0].Kind != domain.ActionPercentage {
			t.Errorf("expected a single percentage action on rule %d", r.ID)
			continue
		}
		pctByBucket[bucket] = r.Actions[0].Pct
	}
	wantPct := map[string]float64{"new": 0, "refurb": -25, "used": -40}
	for bucket, want := range wantPct {
		if got := pctByBucket[bucket]; !floatsClose(got, want, 1e-9) {
			t.Errorf("bucket %q: expected pct %.2f, got %.2f", bucket, want, got)
		}
	}

	groupRules, err := env.repo.GetRules(ctx, groupID)
	if err != nil {
		t.Fatalf("re-loading group rules: %v", err)
	}
	var placeholder *domain.Rule
	for _, r := range groupRules {
		if r.ID == baseline.ID {
			placeholder = r
		}
	}
	if placeholder == nil {
		t.Fatal("expected to find the baseline placeholder in its group")
	}
	if placeholder.IsActive {
		t.Error("expected baseline placeholder to be deactivated after hydration")
	}

	// Repeat hydration is a no-op.
	second, err := env.coord.HydrateRuleset(ctx, rulesetID)
	if err != nil {
		t.Fatalf("second HydrateRuleset failed: %v", err)
	}
	if second.CountsByStrategy[domain.BaselineMultiplier] != 0 {
		t.Errorf("expected repeat hydration to create no new rules, got %d", second.CountsByStrategy[domain.BaselineMultiplier])
	}
	stillHydrated, err := env.repo.GetRulesByHydrationSource(ctx, baseline.ID)
	if err != nil {
		t.Fatalf("GetRulesByHydrationSource after repeat failed: %v", err)
	}
	if len(stillHydrated) != 3 {
		t.Errorf("expected still exactly 3 hydrated rules after repeat, got %d", len(stillHydrated))
	}
}

// --- General invariants and boundary behaviors ---

func TestInvariant_EmptyConditionMatchesAll(t *testing.T) {
	env := newTestEnv(t)
	listingID := env.singleGroupListing(t, 200, domain.ConditionNew, nil, &domain.Rule{
		Name:      "always",
		IsActive:  true,
		Condition: nil,
		Actions:   []domain.Action{{Kind: domain.ActionFixedValue, Amount: -10}},
	})
	b, err := env.coord.EvaluateListing(context.Background(), listingID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if b.Groups[0].Rules[0].State != domain.StateMatched {
		t.Errorf("expected empty condition to match, got state %s", b.Groups[0].Rules[0].State)
	}
}

func TestInvariant_UnitValueZeroYieldsZeroDelta(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.insertRamSpec(t, 1, 32)
	rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
	groupID := env.insertGroup(t, rulesetID, "ram", 0, nil)
	rule := &domain.Rule{GroupID: groupID, Name: "noop", IsActive: true, Version: 1, Actions: []domain.Action{
		{Kind: domain.ActionPerUnit, Metric: "ram_gb", UnitValue: 0},
	}}
	if err := env.repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("saving rule: %v", err)
	}
	listing := &domain.Listing{BasePrice: 300, Condition: domain.ConditionNew, RulesetID: rulesetID, RamSpecID: 1}
	if err := env.repo.SaveListing(ctx, listing); err != nil {
		t.Fatalf("saving listing: %v", err)
	}
	b, err := env.coord.EvaluateListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if !floatsClose(b.TotalDelta, 0, 1e-9) {
		t.Errorf("expected zero delta for unit_value=0, got %.6f", b.TotalDelta)
	}
}

func TestInvariant_PctZeroYieldsZeroDelta(t *testing.T) {
	env := newTestEnv(t)
	listingID := env.singleGroupListing(t, 400, domain.ConditionNew, nil, &domain.Rule{
		Name:     "noop pct",
		IsActive: true,
		Actions:  []domain.Action{{Kind: domain.ActionPercentage, Pct: 0, Of: domain.OfBasePrice}},
	})
	b, err := env.coord.EvaluateListing(context.Background(), listingID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if !floatsClose(b.TotalDelta, 0, 1e-9) {
		t.Errorf("expected zero delta for pct=0, got %.6f", b.TotalDelta)
	}
}

func TestInvariant_FormulaEqualsPerUnitWithUnitValueOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.insertCPU(t, 1, "cpu", 12000, 0)

	rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
	groupID := env.insertGroup(t, rulesetID, "cpu", 0, nil)

	formulaR := &domain.Rule{GroupID: groupID, Name: "formula", IsActive: true, Version: 1, Priority: 0, Actions: []domain.Action{
		{Kind: domain.ActionFormula, Expression: "x", Variables: map[string]string{"x": "listing.cpu.cpu_mark_multi"}},
	}}
	perUnit := &domain.Rule{GroupID: groupID, Name: "per-unit", IsActive: true, Version: 1, Priority: 1, Actions: []domain.Action{
		{Kind: domain.ActionPerUnit, Metric: "cpu_mark_multi", UnitValue: 1},
	}}
	for _, r := range []*domain.Rule{formulaR, perUnit} {
		if err := env.repo.SaveRule(ctx, r); err != nil {
			t.Fatalf("saving rule %q: %v", r.Name, err)
		}
	}

	listing := &domain.Listing{BasePrice: 1000, Condition: domain.ConditionNew, RulesetID: rulesetID, CPUID: 1}
	if err := env.repo.SaveListing(ctx, listing); err != nil {
		t.Fatalf("saving listing: %v", err)
	}

	b, err := env.coord.EvaluateListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if len(b.Groups[0].Rules) != 2 {
		t.Fatalf("expected two rule records, got %d", len(b.Groups[0].Rules))
	}
	formulaDelta := b.Groups[0].Rules[0].Contribution
	perUnitDelta := b.Groups[0].Rules[1].Contribution
	if !floatsClose(formulaDelta, perUnitDelta, 1e-9) {
		t.Errorf("expected formula delta %.6f to equal per_unit delta %.6f", formulaDelta, perUnitDelta)
	}
}

func TestInvariant_DivisionByZeroYieldsZeroDeltaWithNote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.insertCPU(t, 1, "cpu", 10000, 0)
	rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
	groupID := env.insertGroup(t, rulesetID, "cpu", 0, nil)
	rule := &domain.Rule{GroupID: groupID, Name: "benchmark", IsActive: true, Version: 1, Actions: []domain.Action{
		{Kind: domain.ActionBenchmarkBased, Benchmark: "cpu_mark_multi", ReferenceValue: 0, Scale: 10},
	}}
	if err := env.repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("saving rule: %v", err)
	}
	listing := &domain.Listing{BasePrice: 500, Condition: domain.ConditionNew, RulesetID: rulesetID, CPUID: 1}
	if err := env.repo.SaveListing(ctx, listing); err != nil {
		t.Fatalf("saving listing: %v", err)
	}
	b, err := env.coord.EvaluateListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	rec := b.Groups[0].Rules[0]
	if rec.State != domain.StateMatched {
		t.Errorf("expected rule to still be matched despite division-by-zero, got %s", rec.State)
	}
	if !floatsClose(rec.Contribution, 0, 1e-9) {
		t.Errorf("expected zero contribution, got %.6f", rec.Contribution)
	}
	if len(rec.Actions[0].Notes) == 0 {
		t.Error("expected a note on the zero-reference-value action")
	}
}

func TestInvariant_ReversedBetweenBoundsAutoNormalized(t *testing.T) {
	env := newTestEnv(t)
	listingID := env.singleGroupListing(t, 500, domain.ConditionNew, nil, &domain.Rule{
		Name:     "in range",
		IsActive: true,
		Condition: &domain.Condition{
			FieldPath: "listing.base_price",
			Operator:  domain.OpBetween,
			Value:     []any{1000.0, 100.0},
		},
		Actions: []domain.Action{{Kind: domain.ActionFixedValue, Amount: -1}},
	})
	b, err := env.coord.EvaluateListing(context.Background(), listingID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if b.Groups[0].Rules[0].State != domain.StateMatched {
		t.Errorf("expected reversed between-bounds to still match, got state %s", b.Groups[0].Rules[0].State)
	}
}

func TestInvariant_UnicodeNFCCaseInsensitiveStringOps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
	groupID := env.insertGroup(t, rulesetID, "form", 0, nil)
	rule := &domain.Rule{
		GroupID:  groupID,
		Name:     "form factor match",
		IsActive: true,
		Version:  1,
		Condition: &domain.Condition{
			FieldPath: "listing.form_factor",
			Operator:  domain.OpContains,
			Value:     "CAFÉ",
		},
		Actions: []domain.Action{{Kind: domain.ActionFixedValue, Amount: -5}},
	}
	if err := env.repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("saving rule: %v", err)
	}
	// "café" is stored below with a combining acute accent; paired with a
	// different case than the rule's condition value, this exercises both
	// NFC normalization and case-folding at once.
	listing := &domain.Listing{BasePrice: 100, Condition: domain.ConditionNew, RulesetID: rulesetID, FormFactor: "small café mini"}
	if err := env.repo.SaveListing(ctx, listing); err != nil {
		t.Fatalf("saving listing: %v", err)
	}
	b, err := env.coord.EvaluateListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if b.Groups[0].Rules[0].State != domain.StateMatched {
		t.Errorf("expected unicode/case-insensitive contains match, got state %s", b.Groups[0].Rules[0].State)
	}
}

func TestInvariant_NonNegativeAdjustedPrice(t *testing.T) {
	env := newTestEnv(t)
	listingID := env.singleGroupListing(t, 50, domain.ConditionNew, nil, &domain.Rule{
		Name:     "big deduction",
		IsActive: true,
		Actions:  []domain.Action{{Kind: domain.ActionFixedValue, Amount: -500}},
	})
	b, err := env.coord.EvaluateListing(context.Background(), listingID)
	if err != nil {
		t.Fatalf("EvaluateListing failed: %v", err)
	}
	if b.AdjustedPrice != 0 {
		t.Errorf("expected adjusted_price clamped to 0, got %.6f", b.AdjustedPrice)
	}
}

// --- RecomputeListing persistence and the bulk-recompute pipeline ---

func TestRecomputeListingPersistsDenormalizedFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.insertCPU(t, 1, "cpu", 20000, 10000)

	listingID := env.singleGroupListing(t, 1000, domain.ConditionNew, nil, &domain.Rule{
		Name:     "deduction",
		IsActive: true,
		Actions:  []domain.Action{{Kind: domain.ActionFixedValue, Amount: -100}},
	})

	listing, err := env.repo.GetListing(ctx, listingID)
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	listing.CPUID = 1
	if err := env.repo.SaveListing(ctx, listing); err != nil {
		t.Fatalf("SaveListing failed: %v", err)
	}

	b, err := env.coord.RecomputeListing(ctx, listingID)
	if err != nil {
		t.Fatalf("RecomputeListing failed: %v", err)
	}
	if !floatsClose(b.AdjustedPrice, 900, 1e-9) {
		t.Errorf("expected adjusted_price 900, got %.6f", b.AdjustedPrice)
	}

	reloaded, err := env.repo.GetListing(ctx, listingID)
	if err != nil {
		t.Fatalf("GetListing after recompute failed: %v", err)
	}
	if !floatsClose(reloaded.AdjustedPrice, 900, 1e-9) {
		t.Errorf("expected persisted adjusted_price 900, got %.6f", reloaded.AdjustedPrice)
	}
	if reloaded.ValuationBreakdown == nil {
		t.Fatal("expected valuation breakdown to be persisted")
	}
	wantDollarPerMark := 1000.0 / 20000
	if reloaded.DollarPerCPUMarkMulti == nil || !floatsClose(*reloaded.DollarPerCPUMarkMulti, wantDollarPerMark, 1e-9) {
		t.Errorf("expected dollar_per_cpu_mark_multi %.6f, got %v", wantDollarPerMark, reloaded.DollarPerCPUMarkMulti)
	}
}

func TestBulkRecomputeEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rulesetID := env.insertRuleset(t, domain.Ruleset{Name: "test", Priority: 10, IsActive: true})
	groupID := env.insertGroup(t, rulesetID, "pricing", 0, nil)
	rule := &domain.Rule{GroupID: groupID, Name: "deduction", IsActive: true, Version: 1, Actions: []domain.Action{
		{Kind: domain.ActionFixedValue, Amount: -50},
	}}
	if err := env.repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("saving rule: %v", err)
	}

	var listingIDs []int64
	for i := 0; i < 5; i++ {
		listing := &domain.Listing{BasePrice: 200, Condition: domain.ConditionNew, RulesetID: rulesetID}
		if err := env.repo.SaveListing(ctx, listing); err != nil {
			t.Fatalf("saving listing: %v", err)
		}
		listingIDs = append(listingIDs, listing.ID)
	}

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	sandbox, err := formula.NewSandbox(0)
	if err != nil {
		t.Fatalf("formula.NewSandbox failed: %v", err)
	}
	engine := rules.NewEngine(actions.NewEvaluator(sandbox, 0))
	coord := coordinator.New(env.repo, engine, env.hyd, eventBus, nil)

	w := worker.NewWorker(eventBus, env.repo, coord, worker.Config{BatchSize: 2, WorkerCount: 2})
	coord.WithWorker(w)
	if err := w.Start(); err != nil {
		t.Fatalf("worker.Start failed: %v", err)
	}
	defer w.Stop()

	resultCh := make(chan worker.RecomputeResult, 1)
	if _, err := eventBus.Subscribe(ctx, domain.TopicRecomputeResult, func(ctx context.Context, msg *domain.Message) error {
		var res worker.RecomputeResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			return err
		}
		resultCh <- res
		return nil
	}); err != nil {
		t.Fatalf("subscribing to results: %v", err)
	}

	job, err := coord.EnqueueBulkRecompute(ctx, domain.RecomputeScope{Kind: domain.ScopeRuleset, RulesetID: rulesetID})
	if err != nil {
		t.Fatalf("EnqueueBulkRecompute failed: %v", err)
	}
	if job.Total != 5 {
		t.Errorf("expected job total 5, got %d", job.Total)
	}

	select {
	case res := <-resultCh:
		if res.Processed != 5 || res.Failed != 0 {
			t.Errorf("expected 5 processed, 0 failed, got %+v", res)
		}
		if res.Status != domain.JobCompleted {
			t.Errorf("expected job completed, got %s", res.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recompute result")
	}

	for _, id := range listingIDs {
		listing, err := env.repo.GetListing(ctx, id)
		if err != nil {
			t.Fatalf("GetListing failed: %v", err)
		}
		if !floatsClose(listing.AdjustedPrice, 150, 1e-9) {
			t.Errorf("listing %d: expected adjusted_price 150, got %.6f", id, listing.AdjustedPrice)
		}
	}
}
