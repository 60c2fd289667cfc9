package hydrator

import (
	"context"
	"testing"

	"github.com/dealbrain/valuation/internal/domain"
	"github.com/dealbrain/valuation/internal/formula"
)

// fakeRepo is a minimal in-memory domain.Repository sufficient to exercise
// the Hydrator; unused methods panic if ever called.
type fakeRepo struct {
	baselines     []*domain.BaselineRule
	saved         map[int64]*domain.Rule
	hydratedByBaseline map[int64][]*domain.Rule
	nextID        int64
}

func newFakeRepo(baselines []*domain.BaselineRule) *fakeRepo {
	return &fakeRepo{
		baselines:          baselines,
		saved:              make(map[int64]*domain.Rule),
		hydratedByBaseline: make(map[int64][]*domain.Rule),
		nextID:             1000,
	}
}

func (f *fakeRepo) SaveListing(ctx context.Context, listing *domain.Listing) error { panic("unused") }
func (f *fakeRepo) GetListing(ctx context.Context, listingID int64) (*domain.Listing, error) {
	panic("unused")
}
func (f *fakeRepo) ListListingsByRuleset(ctx context.Context, rulesetID int64) ([]*domain.Listing, error) {
	panic("unused")
}
func (f *fakeRepo) ListListingsByCatalogEntity(ctx context.Context, entityRef string) ([]*domain.Listing, error) {
	panic("unused")
}
func (f *fakeRepo) ListAllListingIDs(ctx context.Context) ([]int64, error) { panic("unused") }

func (f *fakeRepo) GetRuleset(ctx context.Context, rulesetID int64) (*domain.Ruleset, error) {
	panic("unused")
}
func (f *fakeRepo) GetActiveRulesets(ctx context.Context) ([]*domain.Ruleset, error) {
	panic("unused")
}
func (f *fakeRepo) GetRuleGroups(ctx context.Context, rulesetID int64) ([]*domain.RuleGroup, error) {
	panic("unused")
}
func (f *fakeRepo) GetRules(ctx context.Context, groupID int64) ([]*domain.Rule, error) {
	panic("unused")
}

func (f *fakeRepo) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == 0 {
		f.nextID++
		rule.ID = f.nextID
	}
	f.saved[rule.ID] = rule
	if rule.HydrationSourceRuleID != 0 {
		f.hydratedByBaseline[rule.HydrationSourceRuleID] = append(f.hydratedByBaseline[rule.HydrationSourceRuleID], rule)
	}
	return nil
}

func (f *fakeRepo) GetRulesByHydrationSource(ctx context.Context, baselineRuleID int64) ([]*domain.Rule, error) {
	return f.hydratedByBaseline[baselineRuleID], nil
}

func (f *fakeRepo) GetBaselineRules(ctx context.Context, rulesetID int64) ([]*domain.BaselineRule, error) {
	return f.baselines, nil
}

func (f *fakeRepo) GetOverride(ctx context.Context, listingID, ruleID int64) (*domain.ListingOverride, error) {
	panic("unused")
}
func (f *fakeRepo) SaveOverride(ctx context.Context, override *domain.ListingOverride) error {
	panic("unused")
}

func (f *fakeRepo) SaveJob(ctx context.Context, job *domain.RecomputeJob) error { panic("unused") }
func (f *fakeRepo) GetActiveJob(ctx context.Context, scope domain.RecomputeScope) (*domain.RecomputeJob, error) {
	panic("unused")
}
func (f *fakeRepo) UpdateJobProgress(ctx context.Context, jobID string, processed, failed int) error {
	panic("unused")
}
func (f *fakeRepo) CompleteJob(ctx context.Context, jobID string, status domain.JobStatus) error {
	panic("unused")
}

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }
func (f *fakeRepo) Close() error                   { return nil }

func newTestHydrator(t *testing.T, repo domain.Repository) *Hydrator {
	t.Helper()
	sb, err := formula.NewSandbox(0)
	if err != nil {
		t.Fatalf("failed to create sandbox: %v", err)
	}
	return New(repo, sb, nil)
}

func TestHydrateMultiplierCreatesOneRulePerBucket(t *testing.T) {
	refurb := 0.75
	used := 0.6
	newCond := 1.0
	baseline := &domain.BaselineRule{
		Rule: domain.Rule{ID: 1, GroupID: 1, Name: "condition multiplier", Version: 1, IsActive: true},
		Metadata: domain.BaselineFieldMetadata{
			FieldID:   "listing.condition",
			FieldType: domain.BaselineMultiplier,
			ValuationBuckets: map[string]*float64{
				"new": &newCond, "refurb": &refurb, "used": &used,
			},
		},
	}
	repo := newFakeRepo([]*domain.BaselineRule{baseline})
	h := newTestHydrator(t, repo)

	result, err := h.HydrateRuleset(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CountsByStrategy[domain.BaselineMultiplier] != 3 {
		t.Errorf("expected 3 rules created, got %d", result.CountsByStrategy[domain.BaselineMultiplier])
	}
	if baseline.IsActive {
		t.Errorf("expected baseline placeholder deactivated after hydration")
	}
}

func TestHydrateMultiplierSkipsNullBucket(t *testing.T) {
	refurb := 0.75
	baseline := &domain.BaselineRule{
		Rule: domain.Rule{ID: 1, GroupID: 1, Name: "condition multiplier", Version: 1, IsActive: true},
		Metadata: domain.BaselineFieldMetadata{
			FieldID:   "listing.condition",
			FieldType: domain.BaselineMultiplier,
			ValuationBuckets: map[string]*float64{
				"refurb": &refurb, "used": nil,
			},
		},
	}
	repo := newFakeRepo([]*domain.BaselineRule{baseline})
	h := newTestHydrator(t, repo)

	result, err := h.HydrateRuleset(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CountsByStrategy[domain.BaselineMultiplier] != 1 {
		t.Errorf("expected 1 rule created (null bucket skipped), got %d", result.CountsByStrategy[domain.BaselineMultiplier])
	}
}

func TestHydrateIsIdempotentWhenActiveChildrenExist(t *testing.T) {
	newCond := 1.0
	baseline := &domain.BaselineRule{
		Rule: domain.Rule{ID: 1, GroupID: 1, Name: "x", Version: 1, IsActive: true},
		Metadata: domain.BaselineFieldMetadata{
			FieldID:          "listing.condition",
			FieldType:        domain.BaselineMultiplier,
			ValuationBuckets: map[string]*float64{"new": &newCond},
		},
	}
	repo := newFakeRepo([]*domain.BaselineRule{baseline})
	h := newTestHydrator(t, repo)

	if _, err := h.HydrateRuleset(context.Background(), 1); err != nil {
		t.Fatalf("first hydration failed: %v", err)
	}

	baseline.IsActive = true // simulate a fresh load where placeholder still reads active in this fake
	result, err := h.HydrateRuleset(context.Background(), 1)
	if err != nil {
		t.Fatalf("second hydration failed: %v", err)
	}
	if result.CountsByStrategy[domain.BaselineMultiplier] != 0 {
		t.Errorf("expected re-hydration to be a no-op, got %d new rules", result.CountsByStrategy[domain.BaselineMultiplier])
	}
}

func TestHydrateScalarUsesLegacyTolerantDefault(t *testing.T) {
	legacyDefault := 42.0
	baseline := &domain.BaselineRule{
		Rule: domain.Rule{ID: 1, GroupID: 1, Name: "scalar", Version: 1, IsActive: true},
		Metadata: domain.BaselineFieldMetadata{
			FieldID:   "listing.some_field",
			FieldType: domain.BaselineScalar,
			Default:   &legacyDefault,
		},
	}
	repo := newFakeRepo([]*domain.BaselineRule{baseline})
	h := newTestHydrator(t, repo)

	_, err := h.HydrateRuleset(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, r := range repo.saved {
		if r.HydrationSourceRuleID == baseline.ID {
			found = true
			if r.Actions[0].Amount != 42.0 {
				t.Errorf("expected amount 42.0 from legacy Default key, got %v", r.Actions[0].Amount)
			}
		}
	}
	if !found {
		t.Errorf("expected a hydrated rule linked to the baseline")
	}
}

func TestHydrateFormulaFallsBackOnParseFailure(t *testing.T) {
	defaultVal := 5.0
	baseline := &domain.BaselineRule{
		Rule: domain.Rule{ID: 1, GroupID: 1, Name: "formula", Version: 1, IsActive: true},
		Metadata: domain.BaselineFieldMetadata{
			FieldID:      "listing.some_field",
			FieldType:    domain.BaselineFormula,
			FormulaText:  "open_file(x)", // not a whitelisted function
			DefaultValue: &defaultVal,
		},
	}
	repo := newFakeRepo([]*domain.BaselineRule{baseline})
	h := newTestHydrator(t, repo)

	_, err := h.HydrateRuleset(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, r := range repo.saved {
		if r.HydrationSourceRuleID == baseline.ID {
			if r.Actions[0].Kind != domain.ActionFixedValue {
				t.Errorf("expected fixed_value fallback, got %v", r.Actions[0].Kind)
			}
			if r.Actions[0].Amount != 5.0 {
				t.Errorf("expected fallback amount 5.0, got %v", r.Actions[0].Amount)
			}
		}
	}
}

func TestHydrateFormulaSucceedsForValidExpression(t *testing.T) {
	baseline := &domain.BaselineRule{
		Rule: domain.Rule{ID: 1, GroupID: 1, Name: "formula", Version: 1, IsActive: true},
		Metadata: domain.BaselineFieldMetadata{
			FieldID:     "listing.some_field",
			FieldType:   domain.BaselineFormula,
			FormulaText: "clamp(cpu_mark_multi * -0.01, -100, 0)",
		},
	}
	repo := newFakeRepo([]*domain.BaselineRule{baseline})
	h := newTestHydrator(t, repo)

	_, err := h.HydrateRuleset(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, r := range repo.saved {
		if r.HydrationSourceRuleID == baseline.ID {
			if r.Actions[0].Kind != domain.ActionFormula {
				t.Errorf("expected formula action, got %v", r.Actions[0].Kind)
			}
		}
	}
}
