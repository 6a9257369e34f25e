package pyruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultInstallTimeout = 10 * time.Minute

// InstalledPackage is one row of the `pip list` snapshot.
type InstalledPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AuditOperation is the observability record for one runtime mutation.
type AuditOperation struct {
	Action     string
	Status     string
	Error      string
	Source     string
	SkillID    string
	VersionID  string
	Packages   []string
	DurationMs int64
}

// OperationAudit receives completed operations. Implementations must not
// block; recording is best-effort.
type OperationAudit interface {
	RecordOperation(op AuditOperation)
}

// Options configure a Manager.
type Options struct {
	Logger   *slog.Logger
	Paths    Paths
	Settings SettingsStore
	Catalog  SkillCatalog
	Runner   CommandRunner
	Audit    OperationAudit

	// InstallTimeout bounds a single pip install. Zero selects a default.
	InstallTimeout time.Duration
}

// Manager orchestrates the shared virtual environment: installs and
// uninstalls packages, keeps the ledger consistent, repairs the venv and
// aggregates the runtime status view.
//
// Install, uninstall, cleanup and reconcile are serialized through a
// process-wide mutex keyed by dataRoot: the ledger's read-modify-write is
// not atomic. Read-only status and analysis calls run concurrently.
type Manager struct {
	log      *slog.Logger
	paths    Paths
	settings SettingsStore
	catalog  SkillCatalog
	runner   CommandRunner
	ledger   *Ledger
	audit    OperationAudit

	installTimeout time.Duration

	mu *sync.Mutex
}

var (
	runtimeLocksMu sync.Mutex

	// runtimeLocks intentionally grows with data roots and is never pruned
	// to avoid lock lifecycle races.
	runtimeLocks = map[string]*sync.Mutex{}
)

func lockForDataRoot(dataRoot string) *sync.Mutex {
	key := strings.TrimSpace(dataRoot)
	if key == "" {
		key = "_"
	}
	runtimeLocksMu.Lock()
	defer runtimeLocksMu.Unlock()
	lk := runtimeLocks[key]
	if lk == nil {
		lk = &sync.Mutex{}
		runtimeLocks[key] = lk
	}
	return lk
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Settings == nil {
		return nil, errors.New("missing settings store")
	}
	if opts.Runner == nil {
		return nil, errors.New("missing command runner")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.InstallTimeout
	if timeout <= 0 {
		timeout = defaultInstallTimeout
	}
	return &Manager{
		log:            logger,
		paths:          opts.Paths,
		settings:       opts.Settings,
		catalog:        opts.Catalog,
		runner:         opts.Runner,
		ledger:         NewLedger(opts.Settings),
		audit:          opts.Audit,
		installTimeout: timeout,
		mu:             lockForDataRoot(opts.Paths.DataRoot),
	}, nil
}

// Paths returns the resolved runtime layout.
func (m *Manager) Paths() Paths {
	if m == nil {
		return Paths{}
	}
	return m.paths
}

// Ledger exposes the package ledger for read paths.
func (m *Manager) Ledger() *Ledger {
	if m == nil {
		return nil
	}
	return m.ledger
}

// CollectActiveDependencies recomputes the active dependency list.
func (m *Manager) CollectActiveDependencies() []DependencyItem {
	if m == nil {
		return []DependencyItem{}
	}
	return CollectActiveDependencies(m.catalog)
}

// IndexConfig loads the current pip index configuration.
func (m *Manager) IndexConfig(ctx context.Context) (IndexConfig, error) {
	if m == nil {
		return IndexConfig{}, errors.New("nil manager")
	}
	return loadIndexConfig(ctx, m.settings)
}

// SetIndexConfig persists the pip index configuration.
func (m *Manager) SetIndexConfig(ctx context.Context, cfg IndexConfig) error {
	if m == nil {
		return errors.New("nil manager")
	}
	return saveIndexConfig(ctx, m.settings, cfg)
}

// InstallRequest asks for one pip install batch.
type InstallRequest struct {
	Requirements []string      `json:"requirements"`
	Source       PackageSource `json:"source"`

	// SkillID/VersionID are observability context for skill_auto installs;
	// ledger membership stays name-only.
	SkillID   string `json:"skillId,omitempty"`
	VersionID string `json:"versionId,omitempty"`
}

// InstallResult reports a successful install.
type InstallResult struct {
	Requirements      []string           `json:"requirements"`
	Source            PackageSource      `json:"source"`
	InstalledPackages []InstalledPackage `json:"installedPackages"`
}

// InstallRequirements validates, repairs the runtime if needed, runs pip
// install and on success records the canonical names in the ledger set for
// the request source. Validation failures have zero side effects.
func (m *Manager) InstallRequirements(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	if _, err := settingsKeyFor(req.Source); err != nil {
		return nil, err
	}

	canonical, err := ValidateRequirements(req.Requirements)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	result, err := m.installLocked(ctx, req, canonical)
	m.recordAudit("install", req.Source, req.SkillID, req.VersionID, canonical, start, err)
	return result, err
}

func (m *Manager) installLocked(ctx context.Context, req InstallRequest, canonical []string) (*InstallResult, error) {
	if err := m.ensureManagedRuntimeLocked(ctx); err != nil {
		return nil, err
	}
	cfg, err := loadIndexConfig(ctx, m.settings)
	if err != nil {
		return nil, err
	}

	requirements := make([]string, 0, len(req.Requirements))
	for _, r := range req.Requirements {
		requirements = append(requirements, strings.TrimSpace(r))
	}

	args := append([]string{"install"}, requirements...)
	args = append(args, cfg.indexFlags()...)
	res, err := m.pip(ctx, args, m.installTimeout)
	if err != nil {
		return nil, newInstallFailedError(fmt.Sprintf("pip install did not complete: %v", err), res)
	}
	if res.ExitCode != 0 {
		return nil, newInstallFailedError("pip install failed", res)
	}

	if err := m.ledger.Add(ctx, req.Source, canonical); err != nil {
		return nil, err
	}

	installed, err := m.listInstalled(ctx)
	if err != nil {
		return nil, err
	}
	m.log.Info("packages installed",
		"source", string(req.Source),
		"requirements", requirements,
		"duration_ms", res.DurationMs)
	return &InstallResult{
		Requirements:      requirements,
		Source:            req.Source,
		InstalledPackages: installed,
	}, nil
}

// UninstallResult reports a successful uninstall batch.
type UninstallResult struct {
	Packages          []string           `json:"packages"`
	PipCheckPassed    bool               `json:"pipCheckPassed"`
	PipCheckOutput    string             `json:"pipCheckOutput"`
	InstalledPackages []InstalledPackage `json:"installedPackages"`
}

// UninstallPackages removes packages from the venv and from every ledger
// set. If any requested name is still required by an active skill the whole
// batch is rejected with PACKAGE_IN_USE before any pip call runs.
func (m *Manager) UninstallPackages(ctx context.Context, names []string) (*UninstallResult, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	canonical := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := CanonicalPackageName(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		canonical = append(canonical, name)
	}
	if len(canonical) == 0 {
		return nil, errors.New("no packages requested")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	result, err := m.uninstallLocked(ctx, canonical)
	m.recordAudit("uninstall", "", "", "", canonical, start, err)
	return result, err
}

func (m *Manager) uninstallLocked(ctx context.Context, canonical []string) (*UninstallResult, error) {
	required, _ := activeDependencyIndex(CollectActiveDependencies(m.catalog))
	blocked := make(map[string][]DependencyItem)
	for _, name := range canonical {
		if items, inUse := required[name]; inUse {
			blocked[name] = append([]DependencyItem(nil), items...)
		}
	}
	if len(blocked) > 0 {
		return nil, newPackageInUseError(blocked)
	}

	if err := m.ensureManagedRuntimeLocked(ctx); err != nil {
		return nil, err
	}

	args := append([]string{"uninstall", "-y"}, canonical...)
	res, err := m.pip(ctx, args, m.installTimeout)
	if err != nil {
		return nil, newInstallFailedError(fmt.Sprintf("pip uninstall did not complete: %v", err), res)
	}
	if res.ExitCode != 0 {
		return nil, newInstallFailedError("pip uninstall failed", res)
	}

	if err := m.ledger.Discard(ctx, canonical); err != nil {
		return nil, err
	}

	checkRes, checkErr := m.pip(ctx, []string{"check"}, m.installTimeout)
	checkPassed := checkErr == nil && checkRes.ExitCode == 0
	checkOutput := strings.TrimSpace(checkRes.Stdout + "\n" + checkRes.Stderr)

	installed, err := m.listInstalled(ctx)
	if err != nil {
		return nil, err
	}
	m.log.Info("packages uninstalled", "packages", canonical, "pip_check_passed", checkPassed)
	return &UninstallResult{
		Packages:          canonical,
		PipCheckPassed:    checkPassed,
		PipCheckOutput:    checkOutput,
		InstalledPackages: installed,
	}, nil
}

// ListInstalledPackages snapshots the venv via `pip list`.
func (m *Manager) ListInstalledPackages(ctx context.Context) ([]InstalledPackage, error) {
	if m == nil {
		return nil, errors.New("nil manager")
	}
	return m.listInstalled(ctx)
}

func (m *Manager) listInstalled(ctx context.Context) ([]InstalledPackage, error) {
	res, err := m.pip(ctx, []string{"list", "--format=json"}, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("pip list did not complete: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("pip list failed: %s", strings.TrimSpace(res.Stderr))
	}
	var out []InstalledPackage
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &out); err != nil {
		return nil, fmt.Errorf("invalid pip list output: %w", err)
	}
	if out == nil {
		out = []InstalledPackage{}
	}
	return out, nil
}

func (m *Manager) pip(ctx context.Context, args []string, timeout time.Duration) (CommandResult, error) {
	full := append([]string{"-m", "pip", "--disable-pip-version-check"}, args...)
	return m.runner.Run(ctx, m.paths.PythonPath, full, RunOptions{Timeout: timeout})
}

func (m *Manager) recordAudit(action string, source PackageSource, skillID string, versionID string, packages []string, start time.Time, err error) {
	if m.audit == nil {
		return
	}
	op := AuditOperation{
		Action:     action,
		Status:     "success",
		Source:     string(source),
		SkillID:    skillID,
		VersionID:  versionID,
		Packages:   append([]string(nil), packages...),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		op.Status = "failure"
		op.Error = err.Error()
	}
	m.audit.RecordOperation(op)
}
