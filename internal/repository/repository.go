// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dealbrain/valuation/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// --- Listings ---

func (r *SQLRepository) SaveListing(ctx context.Context, listing *domain.Listing) error {
	attributes, err := json.Marshal(listing.AttributesJSON)
	if err != nil {
		return fmt.Errorf("marshaling attributes: %w", err)
	}

	var breakdown []byte
	if listing.ValuationBreakdown != nil {
		breakdown, err = json.Marshal(listing.ValuationBreakdown)
		if err != nil {
			return fmt.Errorf("marshaling valuation breakdown: %w", err)
		}
	}

	if listing.ID == 0 {
		query := `
			INSERT INTO listings (
				base_price, condition, cpu_id, gpu_id, ram_spec_id,
				primary_storage_id, secondary_storage_id, ports_profile_id,
				form_factor, attributes_json, ruleset_id,
				adjusted_price, valuation_breakdown,
				dollar_per_cpu_mark_single, dollar_per_cpu_mark_multi,
				dollar_per_cpu_mark_single_adjusted, dollar_per_cpu_mark_multi_adjusted,
				composite_score, last_valuation_error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := r.db.ExecContext(ctx, r.rebind(query),
			listing.BasePrice, string(listing.Condition), listing.CPUID, listing.GPUID, listing.RamSpecID,
			listing.PrimaryStorageID, listing.SecondaryStorageID, listing.PortsProfileID,
			listing.FormFactor, string(attributes), listing.RulesetID,
			listing.AdjustedPrice, nullableString(breakdown),
			listing.DollarPerCPUMarkSingle, listing.DollarPerCPUMarkMulti,
			listing.DollarPerCPUMarkSingleAdjusted, listing.DollarPerCPUMarkMultiAdjusted,
			listing.CompositeScore, nullableString([]byte(listing.LastValuationError)),
		)
		if err != nil {
			return err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		listing.ID = id
		return nil
	}

	query := `
		UPDATE listings SET
			base_price = ?, condition = ?, cpu_id = ?, gpu_id = ?, ram_spec_id = ?,
			primary_storage_id = ?, secondary_storage_id = ?, ports_profile_id = ?,
			form_factor = ?, attributes_json = ?, ruleset_id = ?,
			adjusted_price = ?, valuation_breakdown = ?,
			dollar_per_cpu_mark_single = ?, dollar_per_cpu_mark_multi = ?,
			dollar_per_cpu_mark_single_adjusted = ?, dollar_per_cpu_mark_multi_adjusted = ?,
			composite_score = ?, last_valuation_error = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		listing.BasePrice, string(listing.Condition), listing.CPUID, listing.GPUID, listing.RamSpecID,
		listing.PrimaryStorageID, listing.SecondaryStorageID, listing.PortsProfileID,
		listing.FormFactor, string(attributes), listing.RulesetID,
		listing.AdjustedPrice, nullableString(breakdown),
		listing.DollarPerCPUMarkSingle, listing.DollarPerCPUMarkMulti,
		listing.DollarPerCPUMarkSingleAdjusted, listing.DollarPerCPUMarkMultiAdjusted,
		listing.CompositeScore, nullableString([]byte(listing.LastValuationError)),
		listing.ID,
	)
	return err
}

func (r *SQLRepository) GetListing(ctx context.Context, listingID int64) (*domain.Listing, error) {
	query := `
		SELECT id, base_price, condition, cpu_id, gpu_id, ram_spec_id,
			primary_storage_id, secondary_storage_id, ports_profile_id,
			form_factor, attributes_json, ruleset_id,
			adjusted_price, valuation_breakdown,
			dollar_per_cpu_mark_single, dollar_per_cpu_mark_multi,
			dollar_per_cpu_mark_single_adjusted, dollar_per_cpu_mark_multi_adjusted,
			composite_score, last_valuation_error
		FROM listings WHERE id = ?
	`
	row := r.db.QueryRowContext(ctx, r.rebind(query), listingID)
	listing, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return listing, err
}

func (r *SQLRepository) ListListingsByRuleset(ctx context.Context, rulesetID int64) ([]*domain.Listing, error) {
	query := `
		SELECT id, base_price, condition, cpu_id, gpu_id, ram_spec_id,
			primary_storage_id, secondary_storage_id, ports_profile_id,
			form_factor, attributes_json, ruleset_id,
			adjusted_price, valuation_breakdown,
			dollar_per_cpu_mark_single, dollar_per_cpu_mark_multi,
			dollar_per_cpu_mark_single_adjusted, dollar_per_cpu_mark_multi_adjusted,
			composite_score, last_valuation_error
		FROM listings WHERE ruleset_id = ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), rulesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListings(rows)
}

func (r *SQLRepository) ListListingsByCatalogEntity(ctx context.Context, entityRef string) ([]*domain.Listing, error) {
	kind, id, err := parseCatalogEntityRef(entityRef)
	if err != nil {
		return nil, err
	}

	column, ok := catalogRefColumns[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown catalog entity kind %q", domain.ErrInvalidInput, kind)
	}

	query := fmt.Sprintf(`
		SELECT id, base_price, condition, cpu_id, gpu_id, ram_spec_id,
			primary_storage_id, secondary_storage_id, ports_profile_id,
			form_factor, attributes_json, ruleset_id,
			adjusted_price, valuation_breakdown,
			dollar_per_cpu_mark_single, dollar_per_cpu_mark_multi,
			dollar_per_cpu_mark_single_adjusted, dollar_per_cpu_mark_multi_adjusted,
			composite_score, last_valuation_error
		FROM listings WHERE %s = ?
	`, column)
	rows, err := r.db.QueryContext(ctx, r.rebind(query), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListings(rows)
}

func (r *SQLRepository) ListAllListingIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM listings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// catalogRefColumns maps a catalog_entity_ref kind prefix to its listings
// column, for the bulk-recompute "catalog write touches referencing
// listings" trigger (§4.6).
var catalogRefColumns = map[string]string{
	"cpu":             "cpu_id",
	"gpu":             "gpu_id",
	"ram_spec":        "ram_spec_id",
	"storage_profile": "primary_storage_id",
	"ports_profile":   "ports_profile_id",
}

func parseCatalogEntityRef(ref string) (kind string, id int64, err error) {
	var idPart string
	n, scanErr := fmt.Sscanf(ref, "%[^:]:%s", &kind, &idPart)
	if scanErr != nil || n != 2 {
		return "", 0, fmt.Errorf("%w: malformed catalog_entity_ref %q", domain.ErrInvalidInput, ref)
	}
	if _, err := fmt.Sscanf(idPart, "%d", &id); err != nil {
		return "", 0, fmt.Errorf("%w: malformed catalog_entity_ref id %q", domain.ErrInvalidInput, ref)
	}
	return kind, id, nil
}

func scanListing(row *sql.Row) (*domain.Listing, error) {
	var l domain.Listing
	var attributes, breakdown, lastErr sql.NullString
	var dpcmSingle, dpcmMulti, dpcmSingleAdj, dpcmMultiAdj, composite sql.NullFloat64

	err := row.Scan(
		&l.ID, &l.BasePrice, &l.Condition, &l.CPUID, &l.GPUID, &l.RamSpecID,
		&l.PrimaryStorageID, &l.SecondaryStorageID, &l.PortsProfileID,
		&l.FormFactor, &attributes, &l.RulesetID,
		&l.AdjustedPrice, &breakdown,
		&dpcmSingle, &dpcmMulti, &dpcmSingleAdj, &dpcmMultiAdj,
		&composite, &lastErr,
	)
	if err != nil {
		return nil, err
	}
	populateListingFields(&l, attributes, breakdown, lastErr, dpcmSingle, dpcmMulti, dpcmSingleAdj, dpcmMultiAdj, composite)
	return &l, nil
}

func scanListings(rows *sql.Rows) ([]*domain.Listing, error) {
	var out []*domain.Listing
	for rows.Next() {
		var l domain.Listing
		var attributes, breakdown, lastErr sql.NullString
		var dpcmSingle, dpcmMulti, dpcmSingleAdj, dpcmMultiAdj, composite sql.NullFloat64

		if err := rows.Scan(
			&l.ID, &l.BasePrice, &l.Condition, &l.CPUID, &l.GPUID, &l.RamSpecID,
			&l.PrimaryStorageID, &l.SecondaryStorageID, &l.PortsProfileID,
			&l.FormFactor, &attributes, &l.RulesetID,
			&l.AdjustedPrice, &breakdown,
			&dpcmSingle, &dpcmMulti, &dpcmSingleAdj, &dpcmMultiAdj,
			&composite, &lastErr,
		); err != nil {
			return nil, err
		}
		populateListingFields(&l, attributes, breakdown, lastErr, dpcmSingle, dpcmMulti, dpcmSingleAdj, dpcmMultiAdj, composite)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func populateListingFields(
	l *domain.Listing,
	attributes, breakdown, lastErr sql.NullString,
	dpcmSingle, dpcmMulti, dpcmSingleAdj, dpcmMultiAdj, composite sql.NullFloat64,
) {
	if attributes.Valid && attributes.String != "" {
		json.Unmarshal([]byte(attributes.String), &l.AttributesJSON)
	}
	if breakdown.Valid && breakdown.String != "" {
		var b domain.Breakdown
		if json.Unmarshal([]byte(breakdown.String), &b) == nil {
			l.ValuationBreakdown = &b
		}
	}
	if lastErr.Valid {
		l.LastValuationError = lastErr.String
	}
	if dpcmSingle.Valid {
		v := dpcmSingle.Float64
		l.DollarPerCPUMarkSingle = &v
	}
	if dpcmMulti.Valid {
		v := dpcmMulti.Float64
		l.DollarPerCPUMarkMulti = &v
	}
	if dpcmSingleAdj.Valid {
		v := dpcmSingleAdj.Float64
		l.DollarPerCPUMarkSingleAdjusted = &v
	}
	if dpcmMultiAdj.Valid {
		v := dpcmMultiAdj.Float64
		l.DollarPerCPUMarkMultiAdjusted = &v
	}
	if composite.Valid {
		v := composite.Float64
		l.CompositeScore = &v
	}
}

// --- Rulesets / groups / rules ---

func (r *SQLRepository) GetRuleset(ctx context.Context, rulesetID int64) (*domain.Ruleset, error) {
	query := `SELECT id, name, priority, is_active, is_system_default, category_weights FROM rulesets WHERE id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), rulesetID)

	var rs domain.Ruleset
	var weights sql.NullString
	err := row.Scan(&rs.ID, &rs.Name, &rs.Priority, &rs.IsActive, &rs.IsSystemDefault, &weights)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if weights.Valid && weights.String != "" {
		json.Unmarshal([]byte(weights.String), &rs.CategoryWeights)
	}
	return &rs, nil
}

func (r *SQLRepository) GetActiveRulesets(ctx context.Context) ([]*domain.Ruleset, error) {
	query := `SELECT id, name, priority, is_active, is_system_default, category_weights FROM rulesets WHERE is_active = 1`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Ruleset
	for rows.Next() {
		var rs domain.Ruleset
		var weights sql.NullString
		if err := rows.Scan(&rs.ID, &rs.Name, &rs.Priority, &rs.IsActive, &rs.IsSystemDefault, &weights); err != nil {
			return nil, err
		}
		if weights.Valid && weights.String != "" {
			json.Unmarshal([]byte(weights.String), &rs.CategoryWeights)
		}
		out = append(out, &rs)
	}
	return out, rows.Err()
}

func (r *SQLRepository) GetRuleGroups(ctx context.Context, rulesetID int64) ([]*domain.RuleGroup, error) {
	query := `SELECT id, ruleset_id, name, category, display_order, weight FROM rule_groups WHERE ruleset_id = ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), rulesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RuleGroup
	for rows.Next() {
		var g domain.RuleGroup
		var weight sql.NullFloat64
		if err := rows.Scan(&g.ID, &g.RulesetID, &g.Name, &g.Category, &g.DisplayOrder, &weight); err != nil {
			return nil, err
		}
		if weight.Valid {
			v := weight.Float64
			g.Weight = &v
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (r *SQLRepository) GetRules(ctx context.Context, groupID int64) ([]*domain.Rule, error) {
	query := `
		SELECT id, group_id, name, priority, is_active, is_exclusive, version,
			is_foreign_key_rule, condition_json, actions_json, metadata_json, hydration_source_rule_id
		FROM rules WHERE group_id = ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(s rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var conditionJSON, actionsJSON, metadataJSON sql.NullString

	if err := s.Scan(
		&rule.ID, &rule.GroupID, &rule.Name, &rule.Priority, &rule.IsActive, &rule.IsExclusive, &rule.Version,
		&rule.IsForeignKeyRule, &conditionJSON, &actionsJSON, &metadataJSON, &rule.HydrationSourceRuleID,
	); err != nil {
		return nil, err
	}

	if conditionJSON.Valid && conditionJSON.String != "" {
		var cond domain.Condition
		if err := json.Unmarshal([]byte(conditionJSON.String), &cond); err != nil {
			return nil, fmt.Errorf("parsing condition for rule %d: %w", rule.ID, err)
		}
		rule.Condition = &cond
	}
	if actionsJSON.Valid && actionsJSON.String != "" {
		if err := json.Unmarshal([]byte(actionsJSON.String), &rule.Actions); err != nil {
			return nil, fmt.Errorf("parsing actions for rule %d: %w", rule.ID, err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rule.MetadataJSON); err != nil {
			return nil, fmt.Errorf("parsing metadata for rule %d: %w", rule.ID, err)
		}
	}

	return &rule, nil
}

func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	var conditionJSON any
	if rule.Condition != nil {
		b, err := json.Marshal(rule.Condition)
		if err != nil {
			return fmt.Errorf("marshaling condition: %w", err)
		}
		conditionJSON = string(b)
	}

	actionsJSON, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshaling actions: %w", err)
	}

	var metadataJSON any
	if rule.MetadataJSON != nil {
		b, err := json.Marshal(rule.MetadataJSON)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	if rule.ID == 0 {
		query := `
			INSERT INTO rules (
				group_id, name, priority, is_active, is_exclusive, version,
				is_foreign_key_rule, condition_json, actions_json, metadata_json, hydration_source_rule_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := r.db.ExecContext(ctx, r.rebind(query),
			rule.GroupID, rule.Name, rule.Priority, rule.IsActive, rule.IsExclusive, rule.Version,
			rule.IsForeignKeyRule, conditionJSON, string(actionsJSON), metadataJSON, rule.HydrationSourceRuleID,
		)
		if err != nil {
			return err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return err
		}
		rule.ID = id
		return nil
	}

	query := `
		UPDATE rules SET
			group_id = ?, name = ?, priority = ?, is_active = ?, is_exclusive = ?, version = ?,
			is_foreign_key_rule = ?, condition_json = ?, actions_json = ?, metadata_json = ?,
			hydration_source_rule_id = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.GroupID, rule.Name, rule.Priority, rule.IsActive, rule.IsExclusive, rule.Version,
		rule.IsForeignKeyRule, conditionJSON, string(actionsJSON), metadataJSON, rule.HydrationSourceRuleID,
		rule.ID,
	)
	return err
}

func (r *SQLRepository) GetRulesByHydrationSource(ctx context.Context, baselineRuleID int64) ([]*domain.Rule, error) {
	query := `
		SELECT id, group_id, name, priority, is_active, is_exclusive, version,
			is_foreign_key_rule, condition_json, actions_json, metadata_json, hydration_source_rule_id
		FROM rules WHERE hydration_source_rule_id = ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), baselineRuleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// --- Baselines ---

// GetBaselineRules returns every still-active baseline placeholder for a
// ruleset (rules whose metadata marks system_baseline=true), joined through
// rule_groups to scope by ruleset (§4.5).
func (r *SQLRepository) GetBaselineRules(ctx context.Context, rulesetID int64) ([]*domain.BaselineRule, error) {
	query := `
		SELECT r.id, r.group_id, r.name, r.priority, r.is_active, r.is_exclusive, r.version,
			r.is_foreign_key_rule, r.condition_json, r.actions_json, r.metadata_json, r.hydration_source_rule_id
		FROM rules r
		JOIN rule_groups g ON g.id = r.group_id
		WHERE g.ruleset_id = ? AND r.is_active = 1
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), rulesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.BaselineRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		if !rule.IsSystemBaseline() {
			continue
		}

		baseline := &domain.BaselineRule{Rule: *rule}
		if raw, ok := rule.MetadataJSON["baseline"]; ok {
			encoded, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("re-marshaling baseline descriptor for rule %d: %w", rule.ID, err)
			}
			if err := json.Unmarshal(encoded, &baseline.Metadata); err != nil {
				return nil, fmt.Errorf("parsing baseline descriptor for rule %d: %w", rule.ID, err)
			}
		}
		out = append(out, baseline)
	}
	return out, rows.Err()
}

// --- Catalog ---

func (r *SQLRepository) GetCPU(ctx context.Context, id int64) (*domain.CPU, error) {
	query := `SELECT id, name, cpu_mark_multi, cpu_mark_single, igpu_mark, tdp_w, release_year FROM cpus WHERE id = ?`
	var cpu domain.CPU
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&cpu.ID, &cpu.Name, &cpu.CPUMarkMulti, &cpu.CPUMarkSingle, &cpu.IGPUMark, &cpu.TDPWatts, &cpu.ReleaseYear,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return &cpu, err
}

func (r *SQLRepository) GetGPU(ctx context.Context, id int64) (*domain.GPU, error) {
	query := `SELECT id, name, gpu_mark, tdp_w, release_year FROM gpus WHERE id = ?`
	var gpu domain.GPU
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&gpu.ID, &gpu.Name, &gpu.GPUMark, &gpu.TDPWatts, &gpu.ReleaseYear,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return &gpu, err
}

func (r *SQLRepository) GetRamSpec(ctx context.Context, id int64) (*domain.RamSpec, error) {
	query := `
		SELECT id, ddr_generation, speed_mhz, module_count, capacity_per_module_gb, total_capacity_gb
		FROM ram_specs WHERE id = ?
	`
	var ram domain.RamSpec
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&ram.ID, &ram.DDRGeneration, &ram.SpeedMHz, &ram.ModuleCount, &ram.CapacityPerModuleGB, &ram.TotalCapacityGB,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return &ram, err
}

func (r *SQLRepository) GetStorageProfile(ctx context.Context, id int64) (*domain.StorageProfile, error) {
	query := `SELECT id, capacity_gb, medium, interface, form_factor, performance_tier FROM storage_profiles WHERE id = ?`
	var sp domain.StorageProfile
	var iface, formFactor, tier sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&sp.ID, &sp.CapacityGB, &sp.Medium, &iface, &formFactor, &tier,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sp.Interface = iface.String
	sp.FormFactor = formFactor.String
	sp.PerformanceTier = tier.String
	return &sp, nil
}

func (r *SQLRepository) GetPortsProfile(ctx context.Context, id int64) (*domain.PortsProfile, error) {
	var exists int64
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT id FROM ports_profiles WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT type, count FROM ports WHERE ports_profile_id = ?`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profile := &domain.PortsProfile{ID: id}
	for rows.Next() {
		var p domain.Port
		if err := rows.Scan(&p.Type, &p.Count); err != nil {
			return nil, err
		}
		profile.Ports = append(profile.Ports, p)
	}
	return profile, rows.Err()
}

// --- Overrides ---

func (r *SQLRepository) GetOverride(ctx context.Context, listingID, ruleID int64) (*domain.ListingOverride, error) {
	query := `
		SELECT listing_id, rule_id, action, amount, condition_multipliers_json
		FROM listing_overrides WHERE listing_id = ? AND rule_id = ?
	`
	var o domain.ListingOverride
	var multipliers sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(query), listingID, ruleID).Scan(
		&o.ListingID, &o.RuleID, &o.Action, &o.Amount, &multipliers,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if multipliers.Valid && multipliers.String != "" {
		var m domain.ConditionMultipliers
		if json.Unmarshal([]byte(multipliers.String), &m) == nil {
			o.ConditionMultipliers = &m
		}
	}
	return &o, nil
}

func (r *SQLRepository) SaveOverride(ctx context.Context, override *domain.ListingOverride) error {
	var multipliers any
	if override.ConditionMultipliers != nil {
		b, err := json.Marshal(override.ConditionMultipliers)
		if err != nil {
			return fmt.Errorf("marshaling condition multipliers: %w", err)
		}
		multipliers = string(b)
	}

	query := `
		INSERT INTO listing_overrides (listing_id, rule_id, action, amount, condition_multipliers_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, rule_id) DO UPDATE SET
			action = excluded.action,
			amount = excluded.amount,
			condition_multipliers_json = excluded.condition_multipliers_json
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		override.ListingID, override.RuleID, override.Action, override.Amount, multipliers,
	)
	return err
}

// --- Background jobs ---

func (r *SQLRepository) SaveJob(ctx context.Context, job *domain.RecomputeJob) error {
	query := `
		INSERT INTO recompute_jobs (
			id, scope_kind, scope_ruleset_id, scope_catalog_entity_ref, status, total, processed, failed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		job.ID, job.Scope.Kind, job.Scope.RulesetID, job.Scope.CatalogEntityRef,
		job.Status, job.Total, job.Processed, job.Failed, job.CreatedAt,
	)
	if err != nil && r.isUniqueViolation(err) {
		return domain.ErrJobAlreadyActive
	}
	return err
}

func (r *SQLRepository) GetActiveJob(ctx context.Context, scope domain.RecomputeScope) (*domain.RecomputeJob, error) {
	query := `
		SELECT id, scope_kind, scope_ruleset_id, scope_catalog_entity_ref, status, total, processed, failed, created_at, completed_at
		FROM recompute_jobs
		WHERE scope_kind = ? AND scope_ruleset_id = ? AND scope_catalog_entity_ref = ? AND status = 'active'
	`
	row := r.db.QueryRowContext(ctx, r.rebind(query), scope.Kind, scope.RulesetID, scope.CatalogEntityRef)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *SQLRepository) UpdateJobProgress(ctx context.Context, jobID string, processed, failed int) error {
	query := `UPDATE recompute_jobs SET processed = ?, failed = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), processed, failed, jobID)
	return err
}

func (r *SQLRepository) CompleteJob(ctx context.Context, jobID string, status domain.JobStatus) error {
	query := `UPDATE recompute_jobs SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), status, jobID)
	return err
}

func scanJob(row *sql.Row) (*domain.RecomputeJob, error) {
	var job domain.RecomputeJob
	var catalogRef sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.Scope.Kind, &job.Scope.RulesetID, &catalogRef,
		&job.Status, &job.Total, &job.Processed, &job.Failed, &job.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Scope.CatalogEntityRef = catalogRef.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// --- Health check / lifecycle ---

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// --- Helpers ---

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func (r *SQLRepository) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// Both modernc.org/sqlite and lib/pq surface constraint violations with
	// "unique" somewhere in the driver error text; a precise typed check
	// would require importing both drivers' error types here.
	msg := err.Error()
	return containsFold(msg, "unique") || containsFold(msg, "constraint")
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if equalFold(s[i:i+len(substr)], substr) {
				return true
			}
		}
		return false
	})()
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
