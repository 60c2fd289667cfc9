// Package coordinator is the Valuation Coordinator (C6): applies the Rule
// Engine to listings, derives denormalized fields, persists breakdowns, and
// coordinates bulk recomputation triggered by rule, ruleset, override, or
// catalog changes.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/dealbrain/valuation/internal/domain"
	"github.com/dealbrain/valuation/internal/hydrator"
	"github.com/dealbrain/valuation/internal/rules"
	"github.com/dealbrain/valuation/internal/tracing"
	"github.com/dealbrain/valuation/internal/worker"
)

var tracer = tracing.Tracer("github.com/dealbrain/valuation/internal/coordinator")

// breakdownCacheTTL bounds how long an EvaluateListing result is served
// from cache before falling back to a fresh evaluation.
const breakdownCacheTTL = 30 * time.Second

// Coordinator implements the External Interfaces (§6): evaluate_listing,
// recompute_listing, preview_rule, enqueue_bulk_recompute, hydrate_ruleset.
type Coordinator struct {
	repo     domain.Repository
	engine   *rules.Engine
	hydrator *hydrator.Hydrator
	bus      domain.EventBus
	cache    domain.Cache
	worker   *worker.Worker
	logger   *slog.Logger
}

// New constructs a Coordinator. bus may be nil, in which case
// EnqueueBulkRecompute persists the job record but does not dispatch it to
// a worker pool (useful for tests that only exercise evaluation). cache may
// also be nil, in which case EvaluateListing always evaluates fresh.
func New(repo domain.Repository, engine *rules.Engine, hyd *hydrator.Hydrator, bus domain.EventBus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{repo: repo, engine: engine, hydrator: hyd, bus: bus, logger: logger}
}

// WithCache attaches a breakdown cache to the Coordinator, enabling the
// read-through cache fill in EvaluateListing and the invalidation on
// RecomputeListing. Returns c for chaining at construction time.
func (c *Coordinator) WithCache(cache domain.Cache) *Coordinator {
	c.cache = cache
	return c
}

// WithWorker attaches the worker pool that actually dispatches bulk
// recompute jobs. Once set, EnqueueBulkRecompute routes through
// worker.Enqueue so the scope coalescing queue runs on the dispatch path,
// not just on GetActiveJob's persisted-job check. Returns c for chaining at
// construction time.
func (c *Coordinator) WithWorker(w *worker.Worker) *Coordinator {
	c.worker = w
	return c
}

func breakdownCacheKey(listingID int64) string {
	return fmt.Sprintf("dealbrain:breakdown:%d", listingID)
}

// EvaluateListing evaluates a listing against its active ruleset without
// persisting anything (§6 "no side effects beyond optional cache fill").
func (c *Coordinator) EvaluateListing(ctx context.Context, listingID int64) (domain.Breakdown, error) {
	ctx, span := tracer.Start(ctx, "coordinator.evaluate_listing")
	defer span.End()

	cacheKey := breakdownCacheKey(listingID)
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, cacheKey); err != nil {
			c.logger.Warn("evaluate_listing: cache get failed", "listing_id", listingID, "error", err)
		} else if cached != nil {
			var breakdown domain.Breakdown
			if err := json.Unmarshal(cached, &breakdown); err == nil {
				return breakdown, nil
			}
		}
	}

	listing, err := c.repo.GetListing(ctx, listingID)
	if err != nil {
		return domain.Breakdown{}, fmt.Errorf("loading listing %d: %w", listingID, err)
	}

	ruleset, err := c.resolveRuleset(ctx, listing)
	if err != nil {
		return domain.Breakdown{}, err
	}

	evalCtx, _, hasIntegrityWarning, err := c.buildEvalContext(ctx, listing)
	if err != nil {
		return domain.Breakdown{}, fmt.Errorf("building evaluation context: %w", err)
	}

	input, err := c.buildEngineInput(ctx, listing, ruleset, evalCtx)
	if err != nil {
		return domain.Breakdown{}, err
	}

	breakdown := c.engine.Evaluate(ctx, input)
	breakdown.HasIntegrityWarning = hasIntegrityWarning

	if c.cache != nil {
		if payload, err := json.Marshal(breakdown); err == nil {
			if err := c.cache.Set(ctx, cacheKey, payload, breakdownCacheTTL); err != nil {
				c.logger.Warn("evaluate_listing: cache set failed", "listing_id", listingID, "error", err)
			}
		}
	}

	return breakdown, nil
}

// RecomputeListing evaluates and persists a listing's denormalized fields
// (§4.6), returning the new breakdown.
func (c *Coordinator) RecomputeListing(ctx context.Context, listingID int64) (domain.Breakdown, error) {
	ctx, span := tracer.Start(ctx, "coordinator.recompute_listing")
	defer span.End()

	listing, err := c.repo.GetListing(ctx, listingID)
	if err != nil {
		return domain.Breakdown{}, fmt.Errorf("loading listing %d: %w", listingID, err)
	}

	ruleset, err := c.resolveRuleset(ctx, listing)
	if err != nil {
		return domain.Breakdown{}, err
	}

	evalCtx, cpu, hasIntegrityWarning, err := c.buildEvalContext(ctx, listing)
	if err != nil {
		return domain.Breakdown{}, fmt.Errorf("building evaluation context: %w", err)
	}

	input, err := c.buildEngineInput(ctx, listing, ruleset, evalCtx)
	if err != nil {
		return domain.Breakdown{}, err
	}

	breakdown := c.engine.Evaluate(ctx, input)
	breakdown.HasIntegrityWarning = hasIntegrityWarning

	c.applyDenormalizedFields(listing, breakdown, cpu)

	if err := c.repo.SaveListing(ctx, listing); err != nil {
		return breakdown, fmt.Errorf("persisting listing %d: %w", listingID, err)
	}

	if c.cache != nil {
		if err := c.cache.Delete(ctx, breakdownCacheKey(listingID)); err != nil {
			c.logger.Warn("recompute_listing: cache invalidation failed", "listing_id", listingID, "error", err)
		}
	}

	return breakdown, nil
}

// applyDenormalizedFields derives and sets the four dollar_per_cpu_mark_*
// fields plus adjusted_price/valuation_breakdown on the listing (§4.6). cpu
// is nil when the listing has no CPU reference or it could not be resolved.
func (c *Coordinator) applyDenormalizedFields(listing *domain.Listing, breakdown domain.Breakdown, cpu *domain.CPU) {
	listing.AdjustedPrice = breakdown.AdjustedPrice
	breakdownCopy := breakdown
	listing.ValuationBreakdown = &breakdownCopy
	listing.LastValuationError = ""

	if cpu == nil {
		listing.DollarPerCPUMarkMulti = nil
		listing.DollarPerCPUMarkSingle = nil
		listing.DollarPerCPUMarkMultiAdjusted = nil
		listing.DollarPerCPUMarkSingleAdjusted = nil
		return
	}

	listing.DollarPerCPUMarkMulti = dollarPer(listing.BasePrice, cpu.CPUMarkMulti)
	listing.DollarPerCPUMarkSingle = dollarPer(listing.BasePrice, cpu.CPUMarkSingle)

	var deductions float64
	for _, group := range breakdown.Groups {
		for _, rule := range group.Rules {
			if rule.WeightedContribution < 0 {
				deductions += rule.WeightedContribution
			}
		}
	}
	effectivePrice := listing.BasePrice + deductions

	listing.DollarPerCPUMarkMultiAdjusted = dollarPer(effectivePrice, cpu.CPUMarkMulti)
	listing.DollarPerCPUMarkSingleAdjusted = dollarPer(effectivePrice, cpu.CPUMarkSingle)
}

// dollarPer returns price/mark when both are positive, else nil (§4.6).
func dollarPer(price, mark float64) *float64 {
	if price <= 0 || mark <= 0 {
		return nil
	}
	v := price / mark
	return &v
}

// resolveRuleset picks the listing's explicit ruleset, or (absent one) the
// active ruleset with the highest priority, tie-broken by lower id (§4.4).
func (c *Coordinator) resolveRuleset(ctx context.Context, listing *domain.Listing) (*domain.Ruleset, error) {
	if listing.RulesetID != 0 {
		rs, err := c.repo.GetRuleset(ctx, listing.RulesetID)
		if err != nil {
			return nil, fmt.Errorf("loading ruleset %d: %w", listing.RulesetID, err)
		}
		return rs, nil
	}

	active, err := c.repo.GetActiveRulesets(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active rulesets: %w", err)
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("no active ruleset available for listing %d", listing.ID)
	}

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	return active[0], nil
}

// buildEngineInput loads a ruleset's groups/rules/overrides and assembles a
// rules.Input ready for Engine.Evaluate.
func (c *Coordinator) buildEngineInput(ctx context.Context, listing *domain.Listing, ruleset *domain.Ruleset, evalCtx map[string]any) (rules.Input, error) {
	groups, err := c.repo.GetRuleGroups(ctx, ruleset.ID)
	if err != nil {
		return rules.Input{}, fmt.Errorf("loading rule groups for ruleset %d: %w", ruleset.ID, err)
	}

	rulesByGroup := make(map[int64][]*domain.Rule, len(groups))
	overrides := make(map[int64]*domain.ListingOverride)
	for _, group := range groups {
		groupRules, err := c.repo.GetRules(ctx, group.ID)
		if err != nil {
			return rules.Input{}, fmt.Errorf("loading rules for group %d: %w", group.ID, err)
		}
		rulesByGroup[group.ID] = groupRules

		for _, rule := range groupRules {
			override, err := c.repo.GetOverride(ctx, listing.ID, rule.ID)
			if err != nil && err != domain.ErrNotFound {
				return rules.Input{}, fmt.Errorf("loading override for listing %d rule %d: %w", listing.ID, rule.ID, err)
			}
			if override != nil {
				overrides[rule.ID] = override
			}
		}
	}

	return rules.Input{
		Ruleset:      ruleset,
		Groups:       groups,
		RulesByGroup: rulesByGroup,
		Overrides:    overrides,
		EvalCtx:      evalCtx,
		BasePrice:    listing.BasePrice,
		Condition:    listing.Condition,
	}, nil
}

// buildEvalContext assembles the nested evaluation context dict (§4.6) by
// eagerly joining the listing's catalog references, and returns the CPU
// entry (if any) for the Coordinator's own denormalized-field formulas. A
// missing catalog reference is not an error; the corresponding subtree is
// simply absent and HasIntegrityWarning is set (§7 catalog integrity
// errors).
func (c *Coordinator) buildEvalContext(ctx context.Context, listing *domain.Listing) (map[string]any, *domain.CPU, bool, error) {
	listingMap := map[string]any{
		"id":          listing.ID,
		"base_price":  listing.BasePrice,
		"condition":   string(listing.Condition),
		"form_factor": listing.FormFactor,
		"attributes":  listing.AttributesJSON,
	}

	hasIntegrityWarning := false
	var resolvedCPU *domain.CPU

	if listing.CPUID != 0 {
		cpu, err := c.repo.GetCPU(ctx, listing.CPUID)
		if err != nil && err != domain.ErrNotFound {
			return nil, nil, false, err
		}
		if cpu != nil {
			resolvedCPU = cpu
			listingMap["cpu"] = map[string]any{
				"id":              cpu.ID,
				"name":            cpu.Name,
				"cpu_mark_multi":  cpu.CPUMarkMulti,
				"cpu_mark_single": cpu.CPUMarkSingle,
				"igpu_mark":       cpu.IGPUMark,
				"tdp_w":           cpu.TDPWatts,
				"release_year":    cpu.ReleaseYear,
			}
		} else {
			hasIntegrityWarning = true
		}
	}

	if listing.GPUID != 0 {
		gpu, err := c.repo.GetGPU(ctx, listing.GPUID)
		if err != nil && err != domain.ErrNotFound {
			return nil, nil, false, err
		}
		if gpu != nil {
			listingMap["gpu"] = map[string]any{
				"id":       gpu.ID,
				"name":     gpu.Name,
				"gpu_mark": gpu.GPUMark,
				"tdp_w":    gpu.TDPWatts,
			}
		} else {
			hasIntegrityWarning = true
		}
	}

	if listing.RamSpecID != 0 {
		ram, err := c.repo.GetRamSpec(ctx, listing.RamSpecID)
		if err != nil && err != domain.ErrNotFound {
			return nil, nil, false, err
		}
		if ram != nil {
			listingMap["ram"] = map[string]any{
				"ddr_generation":         ram.DDRGeneration,
				"speed_mhz":              ram.SpeedMHz,
				"module_count":           ram.ModuleCount,
				"capacity_per_module_gb": ram.CapacityPerModuleGB,
				"total_capacity_gb":      ram.TotalCapacityGB,
			}
		} else {
			hasIntegrityWarning = true
		}
	}

	if listing.PrimaryStorageID != 0 {
		storage, err := c.repo.GetStorageProfile(ctx, listing.PrimaryStorageID)
		if err != nil && err != domain.ErrNotFound {
			return nil, nil, false, err
		}
		if storage != nil {
			listingMap["primary_storage"] = storageProfileMap(storage)
		} else {
			hasIntegrityWarning = true
		}
	}

	if listing.SecondaryStorageID != 0 {
		storage, err := c.repo.GetStorageProfile(ctx, listing.SecondaryStorageID)
		if err != nil && err != domain.ErrNotFound {
			return nil, nil, false, err
		}
		if storage != nil {
			listingMap["secondary_storage"] = storageProfileMap(storage)
		} else {
			hasIntegrityWarning = true
		}
	}

	if listing.PortsProfileID != 0 {
		ports, err := c.repo.GetPortsProfile(ctx, listing.PortsProfileID)
		if err != nil && err != domain.ErrNotFound {
			return nil, nil, false, err
		}
		if ports != nil {
			counts := make(map[string]int, len(ports.Ports))
			for _, p := range ports.Ports {
				counts[p.Type] = p.Count
			}
			listingMap["ports"] = counts
		} else {
			hasIntegrityWarning = true
		}
	}

	return map[string]any{"listing": listingMap}, resolvedCPU, hasIntegrityWarning, nil
}

func storageProfileMap(s *domain.StorageProfile) map[string]any {
	return map[string]any{
		"capacity_gb":      s.CapacityGB,
		"medium":           string(s.Medium),
		"interface":        s.Interface,
		"form_factor":      s.FormFactor,
		"performance_tier": s.PerformanceTier,
	}
}

// PreviewRule evaluates a proposed, unsaved rule against a sample of
// listings (§6) without persisting anything. Each sample listing is
// evaluated twice: once against its current ruleset as-is (before), and
// once with the draft rule injected into its own single-rule group
// (after) so the caller sees the isolated marginal effect of the draft.
func (c *Coordinator) PreviewRule(ctx context.Context, draft *domain.Rule, sampleListingIDs []int64) ([]domain.PreviewResult, error) {
	ctx, span := tracer.Start(ctx, "coordinator.preview_rule")
	defer span.End()

	results := make([]domain.PreviewResult, 0, len(sampleListingIDs))
	for _, listingID := range sampleListingIDs {
		before, err := c.EvaluateListing(ctx, listingID)
		if err != nil {
			c.logger.Warn("preview_rule: failed to evaluate baseline", "listing_id", listingID, "error", err)
			continue
		}

		listing, err := c.repo.GetListing(ctx, listingID)
		if err != nil {
			c.logger.Warn("preview_rule: failed to load listing", "listing_id", listingID, "error", err)
			continue
		}

		ruleset, err := c.resolveRuleset(ctx, listing)
		if err != nil {
			c.logger.Warn("preview_rule: failed to resolve ruleset", "listing_id", listingID, "error", err)
			continue
		}

		evalCtx, _, _, err := c.buildEvalContext(ctx, listing)
		if err != nil {
			c.logger.Warn("preview_rule: failed to build context", "listing_id", listingID, "error", err)
			continue
		}

		input, err := c.buildEngineInput(ctx, listing, ruleset, evalCtx)
		if err != nil {
			c.logger.Warn("preview_rule: failed to build engine input", "listing_id", listingID, "error", err)
			continue
		}

		draftGroup := &domain.RuleGroup{ID: -1, Name: "__preview__", Category: "__preview__", DisplayOrder: -1}
		input.Groups = append(input.Groups, draftGroup)
		input.RulesByGroup[draftGroup.ID] = []*domain.Rule{draft}

		after := c.engine.Evaluate(ctx, input)

		matched := false
		for _, r := range after.Groups {
			if r.Name != draftGroup.Name {
				continue
			}
			for _, rec := range r.Rules {
				if rec.State.Terminal() {
					matched = true
				}
			}
		}

		results = append(results, domain.PreviewResult{
			ListingID:      listingID,
			Matched:        matched,
			DeltaBefore:    before.TotalDelta,
			DeltaAfter:     after.TotalDelta,
			AdjustedBefore: before.AdjustedPrice,
			AdjustedAfter:  after.AdjustedPrice,
		})
	}

	return results, nil
}

// HydrateRuleset delegates to the Hydrator (C5).
func (c *Coordinator) HydrateRuleset(ctx context.Context, rulesetID int64) (domain.HydrationResult, error) {
	ctx, span := tracer.Start(ctx, "coordinator.hydrate_ruleset")
	defer span.End()
	return c.hydrator.HydrateRuleset(ctx, rulesetID)
}

// EnqueueBulkRecompute records a new active recompute job for scope,
// coalescing with any already-active job for the same scope (§4.6 "at most
// one active job per scope").
func (c *Coordinator) EnqueueBulkRecompute(ctx context.Context, scope domain.RecomputeScope) (*domain.RecomputeJob, error) {
	ctx, span := tracer.Start(ctx, "coordinator.enqueue_bulk_recompute")
	defer span.End()

	if existing, err := c.repo.GetActiveJob(ctx, scope); err == nil && existing != nil {
		c.logger.Info("coalescing recompute enqueue into active job", "job_id", existing.ID, "scope", scope)
		return existing, nil
	}

	listingIDs, err := c.listingIDsForScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("resolving listings for scope %v: %w", scope, err)
	}

	job := &domain.RecomputeJob{
		ID:        uuid.New().String(),
		Scope:     scope,
		Status:    domain.JobActive,
		Total:     len(listingIDs),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.repo.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("saving recompute job: %w", err)
	}

	switch {
	case c.worker != nil:
		if err := c.worker.Enqueue(ctx, job.ID, scope, listingIDs); err != nil {
			c.logger.Error("failed to enqueue recompute job", "job_id", job.ID, "error", err)
		}
	case c.bus != nil:
		req := worker.RecomputeRequest{JobID: job.ID, Scope: scope, ListingIDs: listingIDs}
		payload, err := json.Marshal(req)
		if err != nil {
			return job, fmt.Errorf("marshaling recompute request: %w", err)
		}
		if err := c.bus.Publish(ctx, domain.TopicRecomputeRequested, payload); err != nil {
			c.logger.Error("failed to publish recompute request", "job_id", job.ID, "error", err)
		}
	}

	return job, nil
}

func (c *Coordinator) listingIDsForScope(ctx context.Context, scope domain.RecomputeScope) ([]int64, error) {
	switch scope.Kind {
	case domain.ScopeRuleset:
		listings, err := c.repo.ListListingsByRuleset(ctx, scope.RulesetID)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(listings))
		for i, l := range listings {
			ids[i] = l.ID
		}
		return ids, nil
	case domain.ScopeCatalogEntity:
		listings, err := c.repo.ListListingsByCatalogEntity(ctx, scope.CatalogEntityRef)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(listings))
		for i, l := range listings {
			ids[i] = l.ID
		}
		return ids, nil
	case domain.ScopeAll:
		return c.repo.ListAllListingIDs(ctx)
	default:
		return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
	}
}
