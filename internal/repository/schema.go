// Package repository provides data persistence implementations.
package repository

// Schema definitions for Deal Brain's valuation database.
// Compatible with both SQLite and PostgreSQL.

const schemaCatalog = `
CREATE TABLE IF NOT EXISTS cpus (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    cpu_mark_multi REAL NOT NULL DEFAULT 0,
    cpu_mark_single REAL NOT NULL DEFAULT 0,
    igpu_mark REAL NOT NULL DEFAULT 0,
    tdp_w REAL NOT NULL DEFAULT 0,
    release_year INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS gpus (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    gpu_mark REAL NOT NULL DEFAULT 0,
    tdp_w REAL NOT NULL DEFAULT 0,
    release_year INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ram_specs (
    id INTEGER PRIMARY KEY,
    ddr_generation INTEGER NOT NULL DEFAULT 0,
    speed_mhz REAL NOT NULL DEFAULT 0,
    module_count INTEGER NOT NULL DEFAULT 0,
    capacity_per_module_gb REAL NOT NULL DEFAULT 0,
    total_capacity_gb REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS storage_profiles (
    id INTEGER PRIMARY KEY,
    capacity_gb REAL NOT NULL DEFAULT 0,
    medium TEXT NOT NULL,
    interface TEXT,
    form_factor TEXT,
    performance_tier TEXT
);

CREATE TABLE IF NOT EXISTS ports_profiles (
    id INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS ports (
    ports_profile_id INTEGER NOT NULL REFERENCES ports_profiles(id),
    type TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (ports_profile_id, type)
);
`

const schemaRulesets = `
CREATE TABLE IF NOT EXISTS rulesets (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    is_system_default INTEGER NOT NULL DEFAULT 0,
    category_weights TEXT
);

CREATE INDEX IF NOT EXISTS idx_rulesets_active ON rulesets(is_active);

CREATE TABLE IF NOT EXISTS rule_groups (
    id INTEGER PRIMARY KEY,
    ruleset_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    display_order INTEGER NOT NULL DEFAULT 0,
    weight REAL
);

CREATE INDEX IF NOT EXISTS idx_rule_groups_ruleset ON rule_groups(ruleset_id);

CREATE TABLE IF NOT EXISTS rules (
    id INTEGER PRIMARY KEY,
    group_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    is_exclusive INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 1,
    is_foreign_key_rule INTEGER NOT NULL DEFAULT 0,
    condition_json TEXT,
    actions_json TEXT NOT NULL,
    metadata_json TEXT,
    hydration_source_rule_id INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_rules_group ON rules(group_id);
CREATE INDEX IF NOT EXISTS idx_rules_hydration_source ON rules(hydration_source_rule_id);
`

const schemaListings = `
CREATE TABLE IF NOT EXISTS listings (
    id INTEGER PRIMARY KEY,
    base_price REAL NOT NULL,
    condition TEXT NOT NULL,
    cpu_id INTEGER NOT NULL DEFAULT 0,
    gpu_id INTEGER NOT NULL DEFAULT 0,
    ram_spec_id INTEGER NOT NULL DEFAULT 0,
    primary_storage_id INTEGER NOT NULL DEFAULT 0,
    secondary_storage_id INTEGER NOT NULL DEFAULT 0,
    ports_profile_id INTEGER NOT NULL DEFAULT 0,
    form_factor TEXT,
    attributes_json TEXT,
    ruleset_id INTEGER NOT NULL DEFAULT 0,
    adjusted_price REAL NOT NULL DEFAULT 0,
    valuation_breakdown TEXT,
    dollar_per_cpu_mark_single REAL,
    dollar_per_cpu_mark_multi REAL,
    dollar_per_cpu_mark_single_adjusted REAL,
    dollar_per_cpu_mark_multi_adjusted REAL,
    composite_score REAL,
    last_valuation_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_listings_ruleset ON listings(ruleset_id);

CREATE TABLE IF NOT EXISTS listing_overrides (
    listing_id INTEGER NOT NULL,
    rule_id INTEGER NOT NULL,
    action TEXT NOT NULL,
    amount REAL NOT NULL DEFAULT 0,
    condition_multipliers_json TEXT,
    PRIMARY KEY (listing_id, rule_id)
);
`

const schemaJobs = `
CREATE TABLE IF NOT EXISTS recompute_jobs (
    id TEXT PRIMARY KEY,
    scope_kind TEXT NOT NULL,
    scope_ruleset_id INTEGER NOT NULL DEFAULT 0,
    scope_catalog_entity_ref TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    total INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_recompute_jobs_active_scope
    ON recompute_jobs(scope_kind, scope_ruleset_id, scope_catalog_entity_ref)
    WHERE status = 'active';
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCatalog,
		schemaRulesets,
		schemaListings,
		schemaJobs,
	}
}
