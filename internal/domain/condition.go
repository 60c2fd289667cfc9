package domain

// Operator enumerates the leaf-condition comparison operators (§4.1).
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpGT         Operator = "gt"
	OpLT         Operator = "lt"
	OpGTE        Operator = "gte"
	OpLTE        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpBetween    Operator = "between"
)

// LogicalOp enumerates branch composition operators.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "AND"
	LogicalOr  LogicalOp = "OR"
)

// Condition is a tree node: either a leaf (field_path/operator/value) or a
// branch (logical_op/children). Exactly one of the two shapes is populated,
// matching the tagged-variant convention used throughout this engine (§9).
type Condition struct {
	ID int64 `json:"id,omitempty"`

	// Leaf fields.
	FieldPath string   `json:"fieldPath,omitempty"`
	Operator  Operator `json:"operator,omitempty"`
	Value     any      `json:"value,omitempty"`

	// Branch fields.
	LogicalOp LogicalOp    `json:"logicalOp,omitempty"`
	Children  []*Condition `json:"children,omitempty"`
}

// IsBranch reports whether this node composes children rather than
// comparing a field.
func (c *Condition) IsBranch() bool {
	return c != nil && c.LogicalOp != ""
}

// IsEmpty reports whether this is the empty condition tree, which the
// engine treats as "applies to all" (§3, §4.1).
func (c *Condition) IsEmpty() bool {
	return c == nil
}
