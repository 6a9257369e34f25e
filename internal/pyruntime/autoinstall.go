package pyruntime

import (
	"context"
	"errors"
	"strings"
)

// HandleSkillActivated installs the python requirements a newly activated
// skill version declares, recorded under the skill_auto source. It is a
// no-op when autoInstallOnActivate is off or the skill declares nothing.
func (m *Manager) HandleSkillActivated(ctx context.Context, sv ActiveSkillVersion) (*InstallResult, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	cfg, err := loadIndexConfig(ctx, m.settings)
	if err != nil {
		return nil, err
	}
	if !cfg.AutoInstallOnActivate {
		return nil, nil
	}

	requirements := make([]string, 0, len(sv.PythonPackages))
	for _, raw := range sv.PythonPackages {
		req := strings.TrimSpace(raw)
		if req == "" {
			continue
		}
		requirements = append(requirements, req)
	}
	if len(requirements) == 0 {
		return nil, nil
	}

	return m.InstallRequirements(ctx, InstallRequest{
		Requirements: requirements,
		Source:       SourceSkillAuto,
		SkillID:      sv.SkillID,
		VersionID:    sv.VersionID,
	})
}

// RepairFromOutput scans Python output for missing-module errors and, when
// autoInstallOnMissing is enabled, installs the safe candidates under the
// python_auto source. A nil result with nil error means there was nothing
// to do.
func (m *Manager) RepairFromOutput(ctx context.Context, output string) (*InstallResult, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	cfg, err := loadIndexConfig(ctx, m.settings)
	if err != nil {
		return nil, err
	}
	if !cfg.AutoInstallOnMissing {
		return nil, nil
	}

	requirements := ParseMissingRequirementsFromOutput(output)
	if len(requirements) == 0 {
		return nil, nil
	}
	m.log.Info("auto-repair installing missing modules", "requirements", requirements)
	return m.InstallRequirements(ctx, InstallRequest{
		Requirements: requirements,
		Source:       SourcePythonAuto,
	})
}
