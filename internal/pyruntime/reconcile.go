package pyruntime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
)

const (
	// PythonBinEnvVar overrides base interpreter discovery for venv repair.
	PythonBinEnvVar = "SKILLHOST_PYTHON_BIN"

	repairAttempts     = 2
	repairBaseBackoff  = 500 * time.Millisecond
	runtimeCmdTimeout  = time.Minute
	venvCreateTimeout  = 5 * time.Minute
	reconcileMaxImport = 256
)

// EnsureManagedRuntime verifies the venv answers `python -m pip --version`
// and, when it does not, attempts a bounded number of repairs (recreating
// the venv from a base interpreter) with exponential backoff. A runtime
// that stays unhealthy surfaces PIP_UNAVAILABLE carrying the last
// diagnostic output.
func (m *Manager) EnsureManagedRuntime(ctx context.Context) error {
	if m == nil {
		return errors.New("nil manager")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureManagedRuntimeLocked(ctx)
}

func (m *Manager) ensureManagedRuntimeLocked(ctx context.Context) error {
	res, err := m.pip(ctx, []string{"--version"}, runtimeCmdTimeout)
	if err == nil && res.ExitCode == 0 {
		return nil
	}

	lastDiag := pipDiagnostic(res, err)
	for attempt := 0; attempt < repairAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return newPipUnavailableError(lastDiag)
			case <-time.After(repairBaseBackoff << (attempt - 1)):
			}
		}
		m.log.Warn("managed python runtime unhealthy, repairing venv",
			"attempt", attempt+1, "venv", m.paths.VenvPath, "diagnostic", lastDiag)

		if err := m.recreateVenv(ctx); err != nil {
			lastDiag = err.Error()
			continue
		}
		res, err := m.pip(ctx, []string{"--version"}, runtimeCmdTimeout)
		if err == nil && res.ExitCode == 0 {
			m.log.Info("managed python runtime repaired", "venv", m.paths.VenvPath)
			return nil
		}
		lastDiag = pipDiagnostic(res, err)
	}
	return newPipUnavailableError(lastDiag)
}

func (m *Manager) recreateVenv(ctx context.Context) error {
	basePython, err := resolveBasePython()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.paths.RuntimeRoot, 0o755); err != nil {
		return err
	}
	res, err := m.runner.Run(ctx, basePython, []string{"-m", "venv", "--clear", m.paths.VenvPath}, RunOptions{Timeout: venvCreateTimeout})
	if err != nil {
		return fmt.Errorf("venv creation did not complete: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("venv creation failed: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// resolveBasePython finds an interpreter to build the venv from: the
// explicit override first, then PATH lookups.
func resolveBasePython() (string, error) {
	candidates := make([]string, 0, 3)
	if override := strings.TrimSpace(os.Getenv(PythonBinEnvVar)); override != "" {
		candidates = append(candidates, override)
	}
	candidates = append(candidates, "python3", "python")

	failures := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		resolved := candidate
		if !filepath.IsAbs(resolved) {
			p, err := exec.LookPath(resolved)
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: not found", candidate))
				continue
			}
			resolved = p
		}
		st, err := os.Stat(resolved)
		if err != nil || st.IsDir() {
			failures = append(failures, fmt.Sprintf("%s: not a runnable file", candidate))
			continue
		}
		return resolved, nil
	}
	detail := "no python candidate found"
	if len(failures) > 0 {
		detail = strings.Join(failures, "; ")
	}
	return "", fmt.Errorf("base python interpreter is required to repair the venv (%s)", detail)
}

func pipDiagnostic(res CommandResult, err error) string {
	parts := make([]string, 0, 3)
	if err != nil {
		parts = append(parts, err.Error())
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(res.Stdout); s != "" {
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("pip exited with code %d", res.ExitCode)
	}
	return strings.Join(parts, "\n")
}

// ReconcileResult reports one reconcile pass.
type ReconcileResult struct {
	InstalledRequirements []string `json:"installedRequirements"`
	PipCheckPassed        bool     `json:"pipCheckPassed"`
	PipCheckOutput        string   `json:"pipCheckOutput"`
}

// Reconcile installs every package that the active skills or the auto
// ledger sets require but `pip list` does not show, then verifies
// consistency via `pip check`. It never uninstalls anything and never
// deletes ledger entries, so it is idempotent and safe to run on a
// schedule.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	result, err := m.reconcileLocked(ctx)
	var installed []string
	if result != nil {
		installed = result.InstalledRequirements
	}
	m.recordAudit("reconcile", "", "", "", installed, start, err)
	return result, err
}

func (m *Manager) reconcileLocked(ctx context.Context) (*ReconcileResult, error) {
	if err := m.ensureManagedRuntimeLocked(ctx); err != nil {
		return nil, err
	}

	desired := make([]string, 0, 32)
	seen := make(map[string]struct{}, 32)
	appendName := func(raw string) {
		name := CanonicalPackageName(raw)
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		desired = append(desired, name)
	}
	for _, item := range CollectActiveDependencies(m.catalog) {
		appendName(item.PackageName)
	}
	pythonAuto, err := m.ledger.PythonAutoPackages(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range pythonAuto {
		appendName(name)
	}
	skillAuto, err := m.ledger.SkillAutoPackages(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range skillAuto {
		appendName(name)
	}

	installed, err := m.listInstalled(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(installed))
	for _, pkg := range installed {
		present[CanonicalPackageName(pkg.Name)] = struct{}{}
	}

	missing := make([]string, 0, len(desired))
	for _, name := range desired {
		if _, ok := present[name]; ok {
			continue
		}
		if _, err := ValidateRequirements([]string{name}); err != nil {
			m.log.Warn("skipping invalid reconcile candidate", "name", name)
			continue
		}
		missing = append(missing, name)
		if len(missing) >= reconcileMaxImport {
			break
		}
	}

	if len(missing) > 0 {
		cfg, err := loadIndexConfig(ctx, m.settings)
		if err != nil {
			return nil, err
		}
		args := append([]string{"install"}, missing...)
		args = append(args, cfg.indexFlags()...)
		res, err := m.pip(ctx, args, m.installTimeout)
		if err != nil {
			return nil, newInstallFailedError(fmt.Sprintf("reconcile install did not complete: %v", err), res)
		}
		if res.ExitCode != 0 {
			return nil, newInstallFailedError("reconcile install failed", res)
		}
		m.log.Info("reconcile installed missing packages", "packages", missing)
	}

	checkRes, checkErr := m.pip(ctx, []string{"check"}, runtimeCmdTimeout)
	return &ReconcileResult{
		InstalledRequirements: missing,
		PipCheckPassed:        checkErr == nil && checkRes.ExitCode == 0,
		PipCheckOutput:        strings.TrimSpace(checkRes.Stdout + "\n" + checkRes.Stderr),
	}, nil
}

// RuntimeIssue is the degraded-mode diagnostic embedded in RuntimeStatus.
type RuntimeIssue struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// PackageSourceInfo lists why one installed package is present, in
// precedence order manual, skill_manifest, skill_auto, python_auto.
// Sources may be empty for packages pip pulled in transitively.
type PackageSourceInfo struct {
	Name    string   `json:"name"`
	Sources []string `json:"sources"`
}

// DiskUsage is a best-effort snapshot of the data root filesystem.
type DiskUsage struct {
	TotalBytes  uint64  `json:"totalBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// RuntimeStatus is the full status view consumed by the UI.
type RuntimeStatus struct {
	Ready              bool                `json:"ready"`
	RuntimeIssue       *RuntimeIssue       `json:"runtimeIssue,omitempty"`
	Paths              Paths               `json:"paths"`
	Config             IndexConfig         `json:"config"`
	ManualPackages     []string            `json:"manualPackages"`
	PythonAutoPackages []string            `json:"pythonAutoPackages"`
	SkillAutoPackages  []string            `json:"skillAutoPackages"`
	ActiveDependencies []DependencyItem    `json:"activeDependencies"`
	InstalledPackages  []InstalledPackage  `json:"installedPackages"`
	Conflicts          []Conflict          `json:"conflicts"`
	PackageSources     []PackageSourceInfo `json:"packageSources"`
	Disk               *DiskUsage          `json:"disk,omitempty"`
}

// RuntimeStatusView composes the full runtime status. It always returns a
// value: when the runtime cannot be repaired the status degrades to
// ready:false with the issue attached and deliberately skips the installed
// package listing so one broken subprocess cannot cascade.
func (m *Manager) RuntimeStatusView(ctx context.Context) (*RuntimeStatus, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}

	cfg, err := loadIndexConfig(ctx, m.settings)
	if err != nil {
		m.log.Warn("index config unreadable, using defaults", "error", err)
		cfg = IndexConfig{AutoInstallOnMissing: true}
	}

	status := &RuntimeStatus{
		Paths:              m.paths,
		Config:             cfg,
		ManualPackages:     []string{},
		PythonAutoPackages: []string{},
		SkillAutoPackages:  []string{},
		ActiveDependencies: []DependencyItem{},
		InstalledPackages:  []InstalledPackage{},
		Conflicts:          []Conflict{},
		PackageSources:     []PackageSourceInfo{},
		Disk:               m.diskUsage(),
	}

	if err := m.EnsureManagedRuntime(ctx); err != nil {
		issue := &RuntimeIssue{Code: CodePipUnavailable, Message: err.Error()}
		if re, ok := AsRuntimeError(err); ok {
			issue.Code = re.Code
			issue.Message = re.Message
			issue.Details = re.Details
		}
		status.RuntimeIssue = issue
		return status, nil
	}
	status.Ready = true

	if status.ManualPackages, err = m.ledger.ManualPackages(ctx); err != nil {
		return nil, err
	}
	if status.PythonAutoPackages, err = m.ledger.PythonAutoPackages(ctx); err != nil {
		return nil, err
	}
	if status.SkillAutoPackages, err = m.ledger.SkillAutoPackages(ctx); err != nil {
		return nil, err
	}

	status.ActiveDependencies = CollectActiveDependencies(m.catalog)
	status.Conflicts = AnalyzeConflicts(status.ActiveDependencies)

	if status.InstalledPackages, err = m.ListInstalledPackages(ctx); err != nil {
		return nil, err
	}

	status.PackageSources = packageSources(status.InstalledPackages, status.ManualPackages,
		status.ActiveDependencies, status.SkillAutoPackages, status.PythonAutoPackages)
	return status, nil
}

func packageSources(installed []InstalledPackage, manual []string, active []DependencyItem, skillAuto []string, pythonAuto []string) []PackageSourceInfo {
	toSet := func(names []string) map[string]struct{} {
		out := make(map[string]struct{}, len(names))
		for _, name := range names {
			out[CanonicalPackageName(name)] = struct{}{}
		}
		return out
	}
	manualSet := toSet(manual)
	skillAutoSet := toSet(skillAuto)
	pythonAutoSet := toSet(pythonAuto)
	manifestSet := make(map[string]struct{}, len(active))
	for _, item := range active {
		manifestSet[item.PackageName] = struct{}{}
	}

	out := make([]PackageSourceInfo, 0, len(installed))
	for _, pkg := range installed {
		name := CanonicalPackageName(pkg.Name)
		sources := make([]string, 0, 4)
		if _, ok := manualSet[name]; ok {
			sources = append(sources, string(SourceManual))
		}
		if _, ok := manifestSet[name]; ok {
			sources = append(sources, string(SourceSkillManifest))
		}
		if _, ok := skillAutoSet[name]; ok {
			sources = append(sources, string(SourceSkillAuto))
		}
		if _, ok := pythonAutoSet[name]; ok {
			sources = append(sources, string(SourcePythonAuto))
		}
		out = append(out, PackageSourceInfo{Name: pkg.Name, Sources: sources})
	}
	return out
}

func (m *Manager) diskUsage() *DiskUsage {
	usage, err := disk.Usage(m.paths.DataRoot)
	if err != nil || usage == nil {
		return nil
	}
	return &DiskUsage{
		TotalBytes:  usage.Total,
		FreeBytes:   usage.Free,
		UsedPercent: usage.UsedPercent,
	}
}
