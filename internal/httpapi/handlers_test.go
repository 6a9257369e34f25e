package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hearthchat/skillhost/internal/pyruntime"
	"github.com/hearthchat/skillhost/internal/skills"
)

type stubRuntime struct {
	status     *pyruntime.RuntimeStatus
	installReq *pyruntime.InstallRequest
	installErr error
	repairOut  *pyruntime.InstallResult
	activated  []pyruntime.ActiveSkillVersion
	config     pyruntime.IndexConfig
}

func (s *stubRuntime) RuntimeStatusView(context.Context) (*pyruntime.RuntimeStatus, error) {
	if s.status != nil {
		return s.status, nil
	}
	return &pyruntime.RuntimeStatus{Ready: true}, nil
}

func (s *stubRuntime) InstallRequirements(_ context.Context, req pyruntime.InstallRequest) (*pyruntime.InstallResult, error) {
	s.installReq = &req
	if s.installErr != nil {
		return nil, s.installErr
	}
	return &pyruntime.InstallResult{Requirements: req.Requirements, Source: req.Source}, nil
}

func (s *stubRuntime) UninstallPackages(_ context.Context, names []string) (*pyruntime.UninstallResult, error) {
	return &pyruntime.UninstallResult{Packages: names, PipCheckPassed: true}, nil
}

func (s *stubRuntime) PreviewCleanupAfterSkillRemoval(context.Context, []string) (*pyruntime.CleanupPlan, error) {
	return &pyruntime.CleanupPlan{}, nil
}

func (s *stubRuntime) CleanupPackagesAfterSkillRemoval(context.Context, []string) (*pyruntime.CleanupResult, error) {
	return &pyruntime.CleanupResult{}, nil
}

func (s *stubRuntime) Reconcile(context.Context) (*pyruntime.ReconcileResult, error) {
	return &pyruntime.ReconcileResult{PipCheckPassed: true}, nil
}

func (s *stubRuntime) RepairFromOutput(context.Context, string) (*pyruntime.InstallResult, error) {
	return s.repairOut, nil
}

func (s *stubRuntime) HandleSkillActivated(_ context.Context, sv pyruntime.ActiveSkillVersion) (*pyruntime.InstallResult, error) {
	s.activated = append(s.activated, sv)
	return nil, nil
}

func (s *stubRuntime) IndexConfig(context.Context) (pyruntime.IndexConfig, error) {
	return s.config, nil
}

func (s *stubRuntime) SetIndexConfig(_ context.Context, cfg pyruntime.IndexConfig) error {
	s.config = cfg
	return nil
}

type stubSkills struct {
	entry skills.Entry
	err   error
}

func (s *stubSkills) Discover() {}

func (s *stubSkills) Catalog() skills.Catalog {
	return skills.Catalog{Skills: []skills.Entry{s.entry}}
}

func (s *stubSkills) SetEnabled(slug string, enabled bool) (skills.Entry, error) {
	if s.err != nil {
		return skills.Entry{}, s.err
	}
	e := s.entry
	e.Enabled = enabled
	return e, nil
}

func newTestServer(t *testing.T, runtime RuntimeService, skillsSvc SkillService) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(Options{
		Runtime: runtime,
		Skills:  skillsSvc,
		Version: "test",
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	rt := &stubRuntime{status: &pyruntime.RuntimeStatus{Ready: true}}
	srv := newTestServer(t, rt, nil)

	resp, err := http.Get(srv.URL + "/api/python-runtime/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var status pyruntime.RuntimeStatus
	decodeBody(t, resp, &status)
	if !status.Ready {
		t.Fatal("expected ready=true")
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestInstallDefaultsToManualSource(t *testing.T) {
	rt := &stubRuntime{}
	srv := newTestServer(t, rt, nil)

	resp := postJSON(t, srv.URL+"/api/python-runtime/install", `{"requirements":["numpy"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if rt.installReq == nil || rt.installReq.Source != pyruntime.SourceManual {
		t.Fatalf("unexpected request: %+v", rt.installReq)
	}
}

func TestInstallErrorEnvelope(t *testing.T) {
	rt := &stubRuntime{installErr: &pyruntime.Error{
		Code:       pyruntime.CodePackageInUse,
		StatusCode: 409,
		Message:    "one or more packages are required by active skills",
		Details:    map[string]any{"blocked": map[string]any{}},
	}}
	srv := newTestServer(t, rt, nil)

	resp := postJSON(t, srv.URL+"/api/python-runtime/install", `{"requirements":["numpy"]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var envelope struct {
		Code       string         `json:"code"`
		StatusCode int            `json:"statusCode"`
		Message    string         `json:"message"`
		Details    map[string]any `json:"details"`
	}
	decodeBody(t, resp, &envelope)
	if envelope.Code != pyruntime.CodePackageInUse || envelope.StatusCode != 409 {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if envelope.Message == "" || envelope.Details == nil {
		t.Fatalf("envelope must carry message and details: %+v", envelope)
	}
}

func TestInstallRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t, &stubRuntime{}, nil)

	for _, body := range []string{`not json`, `{"requirements":[]}`, `{}`} {
		resp := postJSON(t, srv.URL+"/api/python-runtime/install", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestRepairReportsNoOp(t *testing.T) {
	srv := newTestServer(t, &stubRuntime{}, nil)

	resp := postJSON(t, srv.URL+"/api/python-runtime/repair", `{"output":"TypeError: x"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var payload struct {
		Repaired bool `json:"repaired"`
	}
	decodeBody(t, resp, &payload)
	if payload.Repaired {
		t.Fatal("nil result must report repaired=false")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	rt := &stubRuntime{}
	srv := newTestServer(t, rt, nil)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/python-runtime/config",
		strings.NewReader(`{"indexUrl":"https://mirror.example/simple","autoInstallOnMissing":true}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT config: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if rt.config.IndexURL != "https://mirror.example/simple" {
		t.Fatalf("config not applied: %+v", rt.config)
	}
}

func TestToggleSkillTriggersAutoInstall(t *testing.T) {
	rt := &stubRuntime{}
	sk := &stubSkills{entry: skills.Entry{
		Slug:           "charts",
		DisplayName:    "Charts",
		Version:        "1.0.0",
		VersionID:      "charts@1.0.0",
		PythonPackages: []string{"numpy>=1.20"},
	}}
	srv := newTestServer(t, rt, sk)

	resp := postJSON(t, srv.URL+"/api/skills/toggle", `{"slug":"charts","enabled":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if len(rt.activated) != 1 || rt.activated[0].VersionID != "charts@1.0.0" {
		t.Fatalf("expected activation hook, got %+v", rt.activated)
	}

	// Disabling must not trigger the hook.
	_ = postJSON(t, srv.URL+"/api/skills/toggle", `{"slug":"charts","enabled":false}`)
	if len(rt.activated) != 1 {
		t.Fatalf("deactivation must not auto-install, got %+v", rt.activated)
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t, &stubRuntime{}, nil)

	for _, path := range []string{"/healthz", "/version"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}
