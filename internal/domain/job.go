package domain

import "time"

// ScopeKind discriminates what a bulk recompute job's scope refers to (§6).
type ScopeKind string

const (
	ScopeRuleset       ScopeKind = "ruleset_id"
	ScopeCatalogEntity ScopeKind = "catalog_entity_ref"
	ScopeAll           ScopeKind = "all"
)

// RecomputeScope identifies the set of listings a bulk recompute job covers.
type RecomputeScope struct {
	Kind             ScopeKind `json:"kind"`
	RulesetID        int64     `json:"rulesetId,omitempty"`
	CatalogEntityRef string    `json:"catalogEntityRef,omitempty"`
}

// JobStatus is the lifecycle state of a RecomputeJob.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// RecomputeJob tracks a bulk background recompute (§4.6, §5). At most one
// job per scope may be JobActive at a time, enforced by a unique key on
// (scope_kind, scope_id, status='active').
type RecomputeJob struct {
	ID          string         `json:"id"`
	Scope       RecomputeScope `json:"scope"`
	Status      JobStatus      `json:"status"`
	Total       int            `json:"total"`
	Processed   int            `json:"processed"`
	Failed      int            `json:"failed"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// HydrationOutcome records per-baseline hydration results (§6).
type HydrationOutcome struct {
	BaselineRuleID int64  `json:"baselineRuleId"`
	Strategy       BaselineFieldType `json:"strategy"`
	RulesCreated   int    `json:"rulesCreated"`
	Idempotent     bool   `json:"idempotent"`
	Error          string `json:"error,omitempty"`
}

// HydrationResult is the admin API's return shape for hydrate_ruleset (§6).
type HydrationResult struct {
	RulesetID int64               `json:"rulesetId"`
	Outcomes  []HydrationOutcome  `json:"outcomes"`
	Failed    []HydrationOutcome  `json:"failed,omitempty"`

	CountsByStrategy map[BaselineFieldType]int `json:"countsByStrategy"`
}

// PreviewResult is the per-listing result of preview_rule (§6).
type PreviewResult struct {
	ListingID     int64   `json:"listingId"`
	Matched       bool    `json:"matched"`
	DeltaBefore   float64 `json:"deltaBefore"`
	DeltaAfter    float64 `json:"deltaAfter"`
	AdjustedBefore float64 `json:"adjustedBefore"`
	AdjustedAfter  float64 `json:"adjustedAfter"`
}
