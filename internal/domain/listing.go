// Package domain defines the core entities and collaborator interfaces for
// Deal Brain's valuation engine.
package domain

// ListingCondition is the physical condition of a sold item.
type ListingCondition string

const (
	ConditionNew     ListingCondition = "new"
	ConditionRefurb  ListingCondition = "refurb"
	ConditionUsed    ListingCondition = "used"
)

// Listing is the thing being valued: a second-hand PC offered for sale.
type Listing struct {
	ID        int64            `json:"id"`
	BasePrice float64          `json:"basePrice"`
	Condition ListingCondition `json:"condition"`

	CPUID int64 `json:"cpuId,omitempty"`
	GPUID int64 `json:"gpuId,omitempty"`

	RamSpecID            int64 `json:"ramSpecId,omitempty"`
	PrimaryStorageID      int64 `json:"primaryStorageId,omitempty"`
	SecondaryStorageID    int64 `json:"secondaryStorageId,omitempty"`
	PortsProfileID        int64 `json:"portsProfileId,omitempty"`

	FormFactor string `json:"formFactor,omitempty"`

	// AttributesJSON is a free-form bag of custom fields, joined into the
	// evaluation context under listing.attributes.
	AttributesJSON map[string]any `json:"attributesJson,omitempty"`

	RulesetID int64 `json:"rulesetId,omitempty"`

	// Denormalized outputs, recomputed by the Coordinator (C6). Never hand
	// edited; always a pure function of inputs per invariant (7).
	AdjustedPrice                    float64   `json:"adjustedPrice"`
	ValuationBreakdown               *Breakdown `json:"valuationBreakdown,omitempty"`
	DollarPerCPUMarkSingle           *float64  `json:"dollarPerCpuMarkSingle,omitempty"`
	DollarPerCPUMarkMulti            *float64  `json:"dollarPerCpuMarkMulti,omitempty"`
	DollarPerCPUMarkSingleAdjusted   *float64  `json:"dollarPerCpuMarkSingleAdjusted,omitempty"`
	DollarPerCPUMarkMultiAdjusted    *float64  `json:"dollarPerCpuMarkMultiAdjusted,omitempty"`

	// CompositeScore is computed by a separate scorer module outside this
	// core's responsibility (§9 Open Questions); denormalized here only if
	// already available.
	CompositeScore *float64 `json:"compositeScore,omitempty"`

	// LastValuationError records the most recent background-job failure for
	// this listing (§7 Persistence errors), cleared on next successful
	// recompute.
	LastValuationError string `json:"lastValuationError,omitempty"`
}

// CPU is a benchmark-bearing catalog entry.
type CPU struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	CPUMarkMulti   float64 `json:"cpuMarkMulti"`
	CPUMarkSingle  float64 `json:"cpuMarkSingle"`
	IGPUMark       float64 `json:"igpuMark,omitempty"`
	TDPWatts       float64 `json:"tdpW,omitempty"`
	ReleaseYear    int     `json:"releaseYear,omitempty"`
}

// GPU is a benchmark-bearing catalog entry for discrete graphics cards.
type GPU struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	GPUMark     float64 `json:"gpuMark,omitempty"`
	TDPWatts    float64 `json:"tdpW,omitempty"`
	ReleaseYear int     `json:"releaseYear,omitempty"`
}

// RamSpec describes installed memory.
type RamSpec struct {
	ID                  int64   `json:"id"`
	DDRGeneration       int     `json:"ddrGeneration,omitempty"`
	SpeedMHz            float64 `json:"speedMhz,omitempty"`
	ModuleCount         int     `json:"moduleCount,omitempty"`
	CapacityPerModuleGB float64 `json:"capacityPerModuleGb,omitempty"`
	TotalCapacityGB     float64 `json:"totalCapacityGb"`
}

// StorageMedium enumerates storage technologies.
type StorageMedium string

const (
	StorageSSD  StorageMedium = "ssd"
	StorageNVMe StorageMedium = "nvme"
	StorageHDD  StorageMedium = "hdd"
)

// StorageProfile describes a single storage device.
type StorageProfile struct {
	ID              int64         `json:"id"`
	CapacityGB      float64       `json:"capacityGb"`
	Medium          StorageMedium `json:"medium"`
	Interface       string        `json:"interface,omitempty"`
	FormFactor      string        `json:"formFactor,omitempty"`
	PerformanceTier string        `json:"performanceTier,omitempty"`
}

// Port is a single enumerated physical port type and count.
type Port struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// PortsProfile is the enumerated typed port inventory of a listing.
type PortsProfile struct {
	ID    int64  `json:"id"`
	Ports []Port `json:"ports"`
}
