package domain

// BaselineFieldType discriminates hydration strategy for a baseline rule.
type BaselineFieldType string

const (
	BaselineScalar     BaselineFieldType = "scalar"
	BaselineMultiplier BaselineFieldType = "multiplier"
	BaselineFormula    BaselineFieldType = "formula"
)

// BaselineFieldMetadata describes one compact baseline descriptor (§3, §4.5).
type BaselineFieldMetadata struct {
	EntityKey        string                 `json:"entityKey"`
	FieldID          string                 `json:"fieldId"`
	FieldType        BaselineFieldType      `json:"fieldType"`
	Unit             string                 `json:"unit,omitempty"`
	ValuationBuckets map[string]*float64    `json:"valuationBuckets,omitempty"`
	FormulaText      string                 `json:"formulaText,omitempty"`
	DefaultValue     *float64               `json:"defaultValue,omitempty"`

	// Legacy tolerance: some sources emit Default/value/Value instead of
	// default_value (§4.5 scalar strategy).
	Default *float64 `json:"Default,omitempty"`
	ValueLower *float64 `json:"value,omitempty"`
	ValueUpper *float64 `json:"Value,omitempty"`
}

// ResolvedDefault returns the first populated legacy-tolerant default value.
func (m *BaselineFieldMetadata) ResolvedDefault() *float64 {
	for _, v := range []*float64{m.DefaultValue, m.Default, m.ValueLower, m.ValueUpper} {
		if v != nil {
			return v
		}
	}
	return nil
}

// BaselineRule is a placeholder rule whose executable form is produced by
// the Hydrator (C5). Its MetadataJSON carries `system_baseline: true` and
// the BaselineFieldMetadata descriptor.
type BaselineRule struct {
	Rule
	Metadata BaselineFieldMetadata `json:"metadata"`
}

// IsSystemBaseline reports whether a rule's metadata marks it as a baseline
// placeholder rather than a user-authored rule.
func (r *Rule) IsSystemBaseline() bool {
	if r.MetadataJSON == nil {
		return false
	}
	v, ok := r.MetadataJSON["system_baseline"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
