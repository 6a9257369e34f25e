package pyruntime

import (
	"context"
	"errors"
	"time"
)

// PackageConsumers lists the remaining active dependency items that keep a
// candidate package installed.
type PackageConsumers struct {
	PackageName string           `json:"packageName"`
	Consumers   []DependencyItem `json:"consumers"`
}

// CleanupPlan describes what happens to the packages a removed skill used
// to require.
type CleanupPlan struct {
	RemovedSkillPackages     []string           `json:"removedSkillPackages"`
	KeptByActiveSkills       []string           `json:"keptByActiveSkills"`
	KeptByActiveSkillSources []PackageConsumers `json:"keptByActiveSkillSources"`
	KeptByManual             []string           `json:"keptByManual"`
	RemovablePackages        []string           `json:"removablePackages"`
}

// CleanupResult is the outcome of the mutating cleanup call.
type CleanupResult struct {
	CleanupPlan
	RemovedPackages []string `json:"removedPackages"`
}

// PreviewCleanupAfterSkillRemoval computes, without mutating anything,
// which of the removed skill's packages become orphaned. A package is kept
// when another active skill still declares it or when it is pinned in the
// manual ledger set; everything else is removable.
func (m *Manager) PreviewCleanupAfterSkillRemoval(ctx context.Context, removedRequirements []string) (*CleanupPlan, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	return m.cleanupPlan(ctx, removedRequirements)
}

// CleanupPackagesAfterSkillRemoval computes the plan and uninstalls the
// removable packages. Plan computation never mutates; the uninstall runs
// only when the removable set is non-empty and goes through the same
// in-use guard as a direct uninstall.
func (m *Manager) CleanupPackagesAfterSkillRemoval(ctx context.Context, removedRequirements []string) (*CleanupResult, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.cleanupPlan(ctx, removedRequirements)
	if err != nil {
		return nil, err
	}
	result := &CleanupResult{CleanupPlan: *plan, RemovedPackages: []string{}}
	if len(plan.RemovablePackages) == 0 {
		return result, nil
	}

	start := time.Now()
	_, err = m.uninstallLocked(ctx, plan.RemovablePackages)
	m.recordAudit("cleanup", "", "", "", plan.RemovablePackages, start, err)
	if err != nil {
		return nil, err
	}
	result.RemovedPackages = append([]string(nil), plan.RemovablePackages...)
	m.log.Info("skill cleanup removed packages", "packages", plan.RemovablePackages)
	return result, nil
}

func (m *Manager) cleanupPlan(ctx context.Context, removedRequirements []string) (*CleanupPlan, error) {
	candidates := make([]string, 0, len(removedRequirements))
	seen := make(map[string]struct{}, len(removedRequirements))
	for _, raw := range removedRequirements {
		name, ok := ExtractPackageName(raw)
		if !ok {
			continue
		}
		canonical := CanonicalPackageName(name)
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		candidates = append(candidates, canonical)
	}

	active, _ := activeDependencyIndex(CollectActiveDependencies(m.catalog))

	manualList, err := m.ledger.ManualPackages(ctx)
	if err != nil {
		return nil, err
	}
	manual := make(map[string]struct{}, len(manualList))
	for _, name := range manualList {
		manual[name] = struct{}{}
	}

	plan := &CleanupPlan{
		RemovedSkillPackages:     candidates,
		KeptByActiveSkills:       []string{},
		KeptByActiveSkillSources: []PackageConsumers{},
		KeptByManual:             []string{},
		RemovablePackages:        []string{},
	}
	for _, name := range candidates {
		if consumers, inUse := active[name]; inUse {
			plan.KeptByActiveSkills = append(plan.KeptByActiveSkills, name)
			plan.KeptByActiveSkillSources = append(plan.KeptByActiveSkillSources, PackageConsumers{
				PackageName: name,
				Consumers:   append([]DependencyItem(nil), consumers...),
			})
			continue
		}
		if _, pinned := manual[name]; pinned {
			plan.KeptByManual = append(plan.KeptByManual, name)
			continue
		}
		plan.RemovablePackages = append(plan.RemovablePackages, name)
	}
	return plan, nil
}
