package pyruntime

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: map[string]string{}}
}

func (s *fakeSettings) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *fakeSettings) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

type fakeCatalog struct {
	versions []ActiveSkillVersion
}

func (c *fakeCatalog) ActiveSkillVersions() []ActiveSkillVersion {
	return c.versions
}

type runnerCall struct {
	path string
	args []string
}

// fakeRunner answers pip/python invocations by subcommand. Unset exit codes
// default to success; listJSON defaults to an empty package list.
type fakeRunner struct {
	mu    sync.Mutex
	calls []runnerCall

	pipVersionExit int
	installExit    int
	installStderr  string
	uninstallExit  int
	checkExit      int
	checkStderr    string
	venvExit       int
	listJSON       string
}

func (r *fakeRunner) Run(_ context.Context, path string, args []string, _ RunOptions) (CommandResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runnerCall{path: path, args: append([]string(nil), args...)})
	r.mu.Unlock()

	if len(args) >= 2 && args[0] == "-m" && args[1] == "venv" {
		return CommandResult{ExitCode: r.venvExit}, nil
	}
	// pip invocations look like ["-m", "pip", "--disable-pip-version-check", <subcommand>, ...].
	sub := ""
	if len(args) >= 4 && args[0] == "-m" && args[1] == "pip" {
		sub = args[3]
	}
	switch sub {
	case "--version":
		return CommandResult{ExitCode: r.pipVersionExit, Stdout: "pip 24.0"}, nil
	case "install":
		return CommandResult{ExitCode: r.installExit, Stderr: r.installStderr}, nil
	case "uninstall":
		return CommandResult{ExitCode: r.uninstallExit}, nil
	case "check":
		return CommandResult{ExitCode: r.checkExit, Stdout: r.checkStderr}, nil
	case "list":
		out := r.listJSON
		if out == "" {
			out = "[]"
		}
		return CommandResult{ExitCode: 0, Stdout: out}, nil
	}
	return CommandResult{ExitCode: 0}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) callsMatching(substr string) []runnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runnerCall, 0, len(r.calls))
	for _, c := range r.calls {
		if strings.Contains(strings.Join(c.args, " "), substr) {
			out = append(out, c)
		}
	}
	return out
}

func newTestManager(t *testing.T, settings *fakeSettings, catalog SkillCatalog, runner CommandRunner) *Manager {
	t.Helper()
	paths := ResolvePaths(func(key string) string {
		if key == DataDirEnvVar {
			return t.TempDir()
		}
		return ""
	}, "linux")
	m, err := NewManager(Options{
		Paths:    paths,
		Settings: settings,
		Catalog:  catalog,
		Runner:   runner,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestInstallRejectsUnsafeRequirementBeforeAnySubprocess(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, newFakeSettings(), nil, runner)

	_, err := m.InstallRequirements(context.Background(), InstallRequest{
		Requirements: []string{"numpy", "git+https://example.com/evil.git"},
		Source:       SourceManual,
	})
	re, ok := AsRuntimeError(err)
	if !ok {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if re.Code != CodeUnsafeRequirement || re.StatusCode != 400 {
		t.Fatalf("unexpected error: %+v", re)
	}
	if runner.callCount() != 0 {
		t.Fatalf("validation failure must not spawn subprocesses, saw %d calls", runner.callCount())
	}
}

func TestInstallRejectsInvalidSource(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, newFakeSettings(), nil, runner)

	_, err := m.InstallRequirements(context.Background(), InstallRequest{
		Requirements: []string{"numpy"},
		Source:       PackageSource("skill_manifest"),
	})
	if err == nil {
		t.Fatal("expected error for derived source")
	}
	if runner.callCount() != 0 {
		t.Fatalf("expected no subprocess calls, saw %d", runner.callCount())
	}
}

func TestInstallSuccessUpdatesLedger(t *testing.T) {
	settings := newFakeSettings()
	runner := &fakeRunner{listJSON: `[{"name":"NumPy","version":"1.26.4"},{"name":"PyYAML","version":"6.0.1"}]`}
	m := newTestManager(t, settings, nil, runner)

	result, err := m.InstallRequirements(context.Background(), InstallRequest{
		Requirements: []string{"numpy>=1.20", " PyYAML "},
		Source:       SourceManual,
	})
	if err != nil {
		t.Fatalf("InstallRequirements: %v", err)
	}
	if got := result.Requirements; len(got) != 2 || got[0] != "numpy>=1.20" || got[1] != "PyYAML" {
		t.Fatalf("unexpected requirements: %v", got)
	}
	if len(result.InstalledPackages) != 2 {
		t.Fatalf("unexpected snapshot: %v", result.InstalledPackages)
	}

	installs := runner.callsMatching("install numpy>=1.20 PyYAML")
	if len(installs) != 1 {
		t.Fatalf("expected one pip install, got %v", runner.calls)
	}

	manual, err := m.Ledger().ManualPackages(context.Background())
	if err != nil {
		t.Fatalf("ManualPackages: %v", err)
	}
	if len(manual) != 2 || manual[0] != "numpy" || manual[1] != "pyyaml" {
		t.Fatalf("unexpected manual set: %v", manual)
	}
}

func TestInstallFailureLeavesLedgerUntouched(t *testing.T) {
	settings := newFakeSettings()
	runner := &fakeRunner{installExit: 1, installStderr: "ERROR: No matching distribution found for nosuchpkg"}
	m := newTestManager(t, settings, nil, runner)

	_, err := m.InstallRequirements(context.Background(), InstallRequest{
		Requirements: []string{"nosuchpkg"},
		Source:       SourceManual,
	})
	re, ok := AsRuntimeError(err)
	if !ok || re.Code != CodeInstallFailed || re.StatusCode != 500 {
		t.Fatalf("expected INSTALL_FAILED, got %v", err)
	}
	if stderr, _ := re.Details["stderr"].(string); !strings.Contains(stderr, "No matching distribution") {
		t.Fatalf("expected pip stderr in details, got %v", re.Details)
	}

	manual, err := m.Ledger().ManualPackages(context.Background())
	if err != nil {
		t.Fatalf("ManualPackages: %v", err)
	}
	if len(manual) != 0 {
		t.Fatalf("failed install must not touch the ledger: %v", manual)
	}
}

// timeoutRunner answers health probes but fails pip install/uninstall with a
// deadline error, as a wall-clock timeout surfaces through the runner.
type timeoutRunner struct {
	inner fakeRunner
}

func (r *timeoutRunner) Run(ctx context.Context, path string, args []string, opts RunOptions) (CommandResult, error) {
	if len(args) >= 4 && args[0] == "-m" && args[1] == "pip" {
		switch args[3] {
		case "install", "uninstall":
			return CommandResult{ExitCode: -1}, context.DeadlineExceeded
		}
	}
	return r.inner.Run(ctx, path, args, opts)
}

func TestInstallTimeoutFailsWithoutLedgerMutation(t *testing.T) {
	settings := newFakeSettings()
	m := newTestManager(t, settings, nil, &timeoutRunner{})

	_, err := m.InstallRequirements(context.Background(), InstallRequest{
		Requirements: []string{"numpy"},
		Source:       SourceManual,
	})
	re, ok := AsRuntimeError(err)
	if !ok || re.Code != CodeInstallFailed || re.StatusCode != 500 {
		t.Fatalf("expected INSTALL_FAILED, got %v", err)
	}
	if !strings.Contains(re.Message, "did not complete") {
		t.Fatalf("unexpected message: %q", re.Message)
	}

	manual, err := m.Ledger().ManualPackages(context.Background())
	if err != nil {
		t.Fatalf("ManualPackages: %v", err)
	}
	if len(manual) != 0 {
		t.Fatalf("timed-out install must not touch the ledger: %v", manual)
	}
}

func TestUninstallTimeoutKeepsLedgerEntries(t *testing.T) {
	settings := newFakeSettings()
	m := newTestManager(t, settings, nil, &timeoutRunner{})

	ctx := context.Background()
	if err := m.Ledger().Add(ctx, SourceManual, []string{"numpy"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err := m.UninstallPackages(ctx, []string{"numpy"})
	re, ok := AsRuntimeError(err)
	if !ok || re.Code != CodeInstallFailed || re.StatusCode != 500 {
		t.Fatalf("expected INSTALL_FAILED, got %v", err)
	}

	manual, _ := m.Ledger().ManualPackages(ctx)
	if len(manual) != 1 || manual[0] != "numpy" {
		t.Fatalf("failed uninstall must not discard ledger entries: %v", manual)
	}
}

func TestUninstallBlockedByActiveSkill(t *testing.T) {
	catalog := &fakeCatalog{versions: []ActiveSkillVersion{{
		SkillID:        "pdf-tools",
		Slug:           "pdf-tools",
		VersionID:      "pdf-tools@1.0.0",
		Version:        "1.0.0",
		PythonPackages: []string{"NumPy>=1.20"},
	}}}
	runner := &fakeRunner{}
	m := newTestManager(t, newFakeSettings(), catalog, runner)

	_, err := m.UninstallPackages(context.Background(), []string{"numpy", "scipy"})
	re, ok := AsRuntimeError(err)
	if !ok || re.Code != CodePackageInUse || re.StatusCode != 409 {
		t.Fatalf("expected PACKAGE_IN_USE, got %v", err)
	}
	if runner.callCount() != 0 {
		t.Fatalf("blocked uninstall must not spawn subprocesses, saw %d calls", runner.callCount())
	}

	blocked, ok := re.Details["blocked"].(map[string][]DependencyItem)
	if !ok {
		t.Fatalf("details.blocked has the wrong shape: %#v", re.Details["blocked"])
	}
	items, inUse := blocked["numpy"]
	if !inUse || len(items) != 1 {
		t.Fatalf("numpy must list its consumers: %#v", blocked)
	}
	if items[0].SkillSlug != "pdf-tools" || items[0].VersionID != "pdf-tools@1.0.0" || items[0].Requirement != "NumPy>=1.20" {
		t.Fatalf("unexpected blocking item: %+v", items[0])
	}
	if _, present := blocked["scipy"]; present {
		t.Fatalf("scipy is not in use and must not be listed: %#v", blocked)
	}
}

func TestUninstallRemovesFromEveryLedgerSet(t *testing.T) {
	settings := newFakeSettings()
	runner := &fakeRunner{}
	m := newTestManager(t, settings, nil, runner)

	ctx := context.Background()
	if err := m.Ledger().Add(ctx, SourceManual, []string{"scipy"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Ledger().Add(ctx, SourcePythonAuto, []string{"scipy", "requests"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	result, err := m.UninstallPackages(ctx, []string{"SciPy"})
	if err != nil {
		t.Fatalf("UninstallPackages: %v", err)
	}
	if len(result.Packages) != 1 || result.Packages[0] != "scipy" {
		t.Fatalf("unexpected packages: %v", result.Packages)
	}
	if !result.PipCheckPassed {
		t.Fatal("expected pip check to pass")
	}

	if got := runner.callsMatching("uninstall -y scipy"); len(got) != 1 {
		t.Fatalf("expected one pip uninstall, got %v", runner.calls)
	}

	manual, _ := m.Ledger().ManualPackages(ctx)
	if len(manual) != 0 {
		t.Fatalf("scipy should be gone from manual set: %v", manual)
	}
	auto, _ := m.Ledger().PythonAutoPackages(ctx)
	if len(auto) != 1 || auto[0] != "requests" {
		t.Fatalf("unexpected python_auto set: %v", auto)
	}
}

func TestUninstallRequiresAtLeastOneName(t *testing.T) {
	m := newTestManager(t, newFakeSettings(), nil, &fakeRunner{})
	if _, err := m.UninstallPackages(context.Background(), []string{"", "   "}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestPipCommandLineShape(t *testing.T) {
	settings := newFakeSettings()
	if err := saveIndexConfig(context.Background(), settings, IndexConfig{
		IndexURL:     "https://mirror.example/simple",
		TrustedHosts: []string{"mirror.example"},
	}); err != nil {
		t.Fatalf("saveIndexConfig: %v", err)
	}
	runner := &fakeRunner{}
	m := newTestManager(t, settings, nil, runner)

	if _, err := m.InstallRequirements(context.Background(), InstallRequest{
		Requirements: []string{"requests"},
		Source:       SourceManual,
	}); err != nil {
		t.Fatalf("InstallRequirements: %v", err)
	}

	installs := runner.callsMatching("install requests")
	if len(installs) != 1 {
		t.Fatalf("expected one install call, got %v", runner.calls)
	}
	got := strings.Join(installs[0].args, " ")
	want := "-m pip --disable-pip-version-check install requests --index-url https://mirror.example/simple --trusted-host mirror.example"
	if got != want {
		t.Fatalf("unexpected pip command line:\n got %q\nwant %q", got, want)
	}
	if installs[0].path != m.Paths().PythonPath {
		t.Fatalf("pip must run through the venv interpreter, got %q", installs[0].path)
	}
}
