package plc

import (
	"sort"
	"strings"

	"github.com/twinsync/gateway/model"
)

// normalizeExpand maps any expand value other than model.ExpandUDT to "",
// case-insensitively, so "UDT", "udt" and "" are all treated uniformly.
func normalizeExpand(expand string) string {
	if strings.EqualFold(expand, model.ExpandUDT) {
		return model.ExpandUDT
	}
	return ""
}

type itemKey struct {
	path   string
	expand string
}

// unionPlan computes the deterministic union of every active user's
// MachineDataPlan: trim paths, drop empty, dedupe on (path,
// normalized-expand) case-insensitively, sort by path then expand
// (ordinal, case-insensitive), truncate to model.MachineDataMaxItems.
func unionPlan(plans []model.MachineDataPlan) []model.MachineDataItem {
	seen := make(map[itemKey]model.MachineDataItem)
	for _, p := range plans {
		for _, item := range p.Items {
			path := strings.TrimSpace(item.Path)
			if path == "" {
				continue
			}
			expand := normalizeExpand(item.Expand)
			key := itemKey{path: strings.ToLower(path), expand: expand}
			if _, ok := seen[key]; !ok {
				seen[key] = model.MachineDataItem{Path: path, Expand: expand}
			}
		}
	}

	out := make([]model.MachineDataItem, 0, len(seen))
	for _, item := range seen {
		out = append(out, item)
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := strings.ToLower(out[i].Path), strings.ToLower(out[j].Path)
		if pi != pj {
			return pi < pj
		}
		return out[i].Expand < out[j].Expand
	})

	if len(out) > model.MachineDataMaxItems {
		out = out[:model.MachineDataMaxItems]
	}
	return out
}
