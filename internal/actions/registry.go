// Package actions evaluates a matched rule's actions (C2): typed delta
// generators scaled by condition multipliers and accumulated into a rule's
// total contribution (§4.2).
package actions

import "strings"

// Resolver is a closed, explicit mapping from a metric name to a context
// accessor, initialized once (§9 "Metric registry"). Adding a metric is an
// intentional code change, never a runtime extension.
type Resolver func(ctx map[string]any) (float64, bool)

// metricFieldPaths is the closed set of per-unit metrics (§4.2), each
// naming the dotted field_path it resolves against the evaluation context.
// Additions here are the only way to extend the registry.
var metricFieldPaths = map[string]string{
	"ram_gb":               "listing.ram.total_capacity_gb",
	"ram_speed_mhz":        "listing.ram.speed_mhz",
	"primary_storage_gb":   "listing.primary_storage.capacity_gb",
	"secondary_storage_gb": "listing.secondary_storage.capacity_gb",
	"cpu_tdp_w":            "listing.cpu.tdp_w",
	"cpu_mark_multi":       "listing.cpu.cpu_mark_multi",
	"cpu_mark_single":      "listing.cpu.cpu_mark_single",
	"igpu_mark":            "listing.cpu.igpu_mark",
}

// field builds a Resolver that walks a dotted field_path of nested map keys
// and coerces the leaf value to float64.
func field(path string) Resolver {
	parts := strings.Split(path, ".")
	return func(ctx map[string]any) (float64, bool) {
		var cur any = ctx
		for _, key := range parts {
			m, ok := cur.(map[string]any)
			if !ok {
				return 0, false
			}
			cur, ok = m[key]
			if !ok {
				return 0, false
			}
		}
		return toFloat(cur)
	}
}

// ResolveMetric looks up a metric in the closed registry. The second
// return value is false for an unknown metric name or an unresolvable
// value (§4.2: "Undefined metric → zero with warning").
func ResolveMetric(ctx map[string]any, name string) (float64, bool) {
	path, ok := metricFieldPaths[name]
	if !ok {
		return 0, false
	}
	return field(path)(ctx)
}

// MetricFieldPaths returns a copy of the closed metric-name -> field_path
// registry. The Hydrator (C5) uses it to let baseline formula descriptors
// reference registered metrics by name.
func MetricFieldPaths() map[string]string {
	out := make(map[string]string, len(metricFieldPaths))
	for k, v := range metricFieldPaths {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
