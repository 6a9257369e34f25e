package pyruntime

import "strings"

// Conflict reports divergent requirement strings for one package across the
// active skill set.
type Conflict struct {
	PackageName  string   `json:"packageName"`
	Requirements []string `json:"requirements"`
}

// AnalyzeConflicts groups active dependency items by canonical package name
// and flags every package declared with two or more distinct requirement
// strings. Requirements preserve first-occurrence order and include every
// distinct string for the package, not just the minority ones.
func AnalyzeConflicts(items []DependencyItem) []Conflict {
	type group struct {
		requirements []string
		seen         map[string]struct{}
	}

	byName := make(map[string]*group, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		g := byName[item.PackageName]
		if g == nil {
			g = &group{seen: make(map[string]struct{}, 2)}
			byName[item.PackageName] = g
			order = append(order, item.PackageName)
		}
		req := strings.TrimSpace(item.Requirement)
		if req == "" {
			continue
		}
		if _, dup := g.seen[req]; dup {
			continue
		}
		g.seen[req] = struct{}{}
		g.requirements = append(g.requirements, req)
	}

	out := make([]Conflict, 0)
	for _, name := range order {
		g := byName[name]
		if len(g.requirements) < 2 {
			continue
		}
		out = append(out, Conflict{
			PackageName:  name,
			Requirements: append([]string(nil), g.requirements...),
		})
	}
	return out
}
