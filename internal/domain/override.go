package domain

// OverrideAction discriminates the per-listing, per-rule toggle (§3, §4.4).
type OverrideAction string

const (
	OverrideDisable          OverrideAction = "disable"
	OverrideForceEnable      OverrideAction = "force_enable"
	OverrideReplaceWithFixed OverrideAction = "replace_with_fixed"
)

// ListingOverride is a per-listing, per-rule toggle.
type ListingOverride struct {
	ListingID int64          `json:"listingId"`
	RuleID    int64          `json:"ruleId"`
	Action    OverrideAction `json:"action"`

	// Amount is populated when Action is OverrideReplaceWithFixed.
	Amount float64 `json:"amount,omitempty"`

	// ConditionMultipliers carries the override's own multipliers,
	// defaulting to 1.0 (§4.4).
	ConditionMultipliers *ConditionMultipliers `json:"conditionMultipliers,omitempty"`
}

// Multipliers returns the override's configured multipliers, defaulting to
// the 1.0/1.0/1.0 identity when unset.
func (o ListingOverride) Multipliers() ConditionMultipliers {
	if o.ConditionMultipliers != nil {
		return *o.ConditionMultipliers
	}
	return DefaultConditionMultipliers()
}
