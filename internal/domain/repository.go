package domain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors distinguishable by callers via errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrCyclicCondition  = errors.New("cyclic condition tree")
	ErrJobAlreadyActive = errors.New("a recompute job is already active for this scope")
)

// Repository defines the interface for Deal Brain's persistence layer.
// Deal Brain is single-tenant; unlike the multi-tenant collaborator this
// shape is grounded on, no method carries a tenantID.
type Repository interface {
	// Listings
	SaveListing(ctx context.Context, listing *Listing) error
	GetListing(ctx context.Context, listingID int64) (*Listing, error)
	ListListingsByRuleset(ctx context.Context, rulesetID int64) ([]*Listing, error)
	ListListingsByCatalogEntity(ctx context.Context, entityRef string) ([]*Listing, error)
	ListAllListingIDs(ctx context.Context) ([]int64, error)

	// Rulesets / groups / rules
	GetRuleset(ctx context.Context, rulesetID int64) (*Ruleset, error)
	GetActiveRulesets(ctx context.Context) ([]*Ruleset, error)
	GetRuleGroups(ctx context.Context, rulesetID int64) ([]*RuleGroup, error)
	GetRules(ctx context.Context, groupID int64) ([]*Rule, error)
	SaveRule(ctx context.Context, rule *Rule) error
	GetRulesByHydrationSource(ctx context.Context, baselineRuleID int64) ([]*Rule, error)

	// Baselines
	GetBaselineRules(ctx context.Context, rulesetID int64) ([]*BaselineRule, error)

	// Catalog (eagerly joined into the evaluation context by the Coordinator)
	GetCPU(ctx context.Context, id int64) (*CPU, error)
	GetGPU(ctx context.Context, id int64) (*GPU, error)
	GetRamSpec(ctx context.Context, id int64) (*RamSpec, error)
	GetStorageProfile(ctx context.Context, id int64) (*StorageProfile, error)
	GetPortsProfile(ctx context.Context, id int64) (*PortsProfile, error)

	// Overrides
	GetOverride(ctx context.Context, listingID, ruleID int64) (*ListingOverride, error)
	SaveOverride(ctx context.Context, override *ListingOverride) error

	// Background jobs
	SaveJob(ctx context.Context, job *RecomputeJob) error
	GetActiveJob(ctx context.Context, scope RecomputeScope) (*RecomputeJob, error)
	UpdateJobProgress(ctx context.Context, jobID string, processed, failed int) error
	CompleteJob(ctx context.Context, jobID string, status JobStatus) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres".
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
