package pyruntime

import "strings"

// ActiveSkillVersion is one currently-activated skill version as exposed by
// the skill catalog collaborator.
type ActiveSkillVersion struct {
	SkillID        string
	Slug           string
	DisplayName    string
	VersionID      string
	Version        string
	PythonPackages []string
}

// SkillCatalog is the read-only port to the skill catalog. Only active skill
// versions contribute python dependencies.
type SkillCatalog interface {
	ActiveSkillVersions() []ActiveSkillVersion
}

// DependencyItem is one (active skill version x declared requirement) pair.
type DependencyItem struct {
	SkillID          string `json:"skillId"`
	SkillSlug        string `json:"skillSlug"`
	SkillDisplayName string `json:"skillDisplayName"`
	VersionID        string `json:"versionId"`
	Version          string `json:"version"`
	Requirement      string `json:"requirement"`
	PackageName      string `json:"packageName"`
}

// CollectActiveDependencies flattens the requirement declarations of every
// active skill version. Order is stable (first seen by skill iteration
// order) and duplicates across skills are preserved: two skills may declare
// the same package independently. The result is recomputed on every call so
// it can never go stale across skill (de)activations.
func CollectActiveDependencies(catalog SkillCatalog) []DependencyItem {
	if catalog == nil {
		return []DependencyItem{}
	}
	out := make([]DependencyItem, 0, 16)
	for _, sv := range catalog.ActiveSkillVersions() {
		for _, raw := range sv.PythonPackages {
			req := strings.TrimSpace(raw)
			if req == "" {
				continue
			}
			name, ok := ExtractPackageName(req)
			if !ok {
				continue
			}
			out = append(out, DependencyItem{
				SkillID:          sv.SkillID,
				SkillSlug:        sv.Slug,
				SkillDisplayName: sv.DisplayName,
				VersionID:        sv.VersionID,
				Version:          sv.Version,
				Requirement:      req,
				PackageName:      CanonicalPackageName(name),
			})
		}
	}
	return out
}

// activeDependencyIndex groups items by canonical package name, preserving
// first-seen package order in keysInOrder.
func activeDependencyIndex(items []DependencyItem) (byName map[string][]DependencyItem, keysInOrder []string) {
	byName = make(map[string][]DependencyItem, len(items))
	keysInOrder = make([]string, 0, len(items))
	for _, item := range items {
		if _, seen := byName[item.PackageName]; !seen {
			keysInOrder = append(keysInOrder, item.PackageName)
		}
		byName[item.PackageName] = append(byName[item.PackageName], item)
	}
	return byName, keysInOrder
}
