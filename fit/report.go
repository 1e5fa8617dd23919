package fit

import "sort"

// TotalKey is the row name holding the overall data RMS in report columns.
const TotalKey = "total"

// Report is the RMS outcome of one completed Run.
type Report struct {
	Groups             map[string]float64 `json:"groups"`
	TotalRMS           float64            `json:"totalRms"`
	MaxProjectionError float64            `json:"maxProjectionError"`
}

// Column returns the report as a table column: one entry per group plus
// TotalKey. A group literally named TotalKey is shadowed by the total.
func (r Report) Column() map[string]float64 {
	col := make(map[string]float64, len(r.Groups)+1)
	for g, v := range r.Groups {
		col[g] = v
	}
	col[TotalKey] = r.TotalRMS
	return col
}

// GroupNames returns the report's group names in sorted order.
func (r Report) GroupNames() []string {
	names := make([]string, 0, len(r.Groups))
	for g := range r.Groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

func (r Report) clone() Report {
	groups := make(map[string]float64, len(r.Groups))
	for g, v := range r.Groups {
		groups[g] = v
	}
	r.Groups = groups
	return r
}
