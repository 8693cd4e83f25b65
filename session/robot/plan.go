package robot

import (
	"sort"
	"strings"

	"github.com/twinsync/gateway/model"
)

// unionPlan computes the deterministic union of every active user's
// telemetry plan: per field, union all contributions, drop
// non-positives/empty strings, dedupe, sort ascending (ordinal for
// strings), then truncate to TelemetryFieldCap.
func unionPlan(plans []model.TelemetryPlan) model.TelemetryPlan {
	return model.TelemetryPlan{
		DI:  unionInts(plans, func(p model.TelemetryPlan) []int { return p.DI }),
		GI:  unionInts(plans, func(p model.TelemetryPlan) []int { return p.GI }),
		GO:  unionInts(plans, func(p model.TelemetryPlan) []int { return p.GO }),
		DO:  unionInts(plans, func(p model.TelemetryPlan) []int { return p.DO }),
		R:   unionInts(plans, func(p model.TelemetryPlan) []int { return p.R }),
		VAR: unionStrings(plans, func(p model.TelemetryPlan) []string { return p.VAR }),
	}
}

func unionInts(plans []model.TelemetryPlan, field func(model.TelemetryPlan) []int) []int {
	set := make(map[int]struct{})
	for _, p := range plans {
		for _, v := range field(p) {
			if v > 0 {
				set[v] = struct{}{}
			}
		}
	}

	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)

	if len(out) > model.TelemetryFieldCap {
		out = out[:model.TelemetryFieldCap]
	}
	return out
}

func unionStrings(plans []model.TelemetryPlan, field func(model.TelemetryPlan) []string) []string {
	set := make(map[string]struct{})
	for _, p := range plans {
		for _, v := range field(p) {
			v = strings.TrimSpace(v)
			if v != "" {
				set[v] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)

	if len(out) > model.TelemetryFieldCap {
		out = out[:model.TelemetryFieldCap]
	}
	return out
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
