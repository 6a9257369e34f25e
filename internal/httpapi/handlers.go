package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hearthchat/skillhost/internal/auditlog"
	"github.com/hearthchat/skillhost/internal/pyruntime"
	"github.com/hearthchat/skillhost/internal/skills"
)

const maxRequestBody = 1 << 20 // 1 MiB

// RuntimeService is the runtime surface the handlers need. *pyruntime.Manager
// satisfies it; tests substitute a stub.
type RuntimeService interface {
	RuntimeStatusView(ctx context.Context) (*pyruntime.RuntimeStatus, error)
	InstallRequirements(ctx context.Context, req pyruntime.InstallRequest) (*pyruntime.InstallResult, error)
	UninstallPackages(ctx context.Context, names []string) (*pyruntime.UninstallResult, error)
	PreviewCleanupAfterSkillRemoval(ctx context.Context, removedRequirements []string) (*pyruntime.CleanupPlan, error)
	CleanupPackagesAfterSkillRemoval(ctx context.Context, removedRequirements []string) (*pyruntime.CleanupResult, error)
	Reconcile(ctx context.Context) (*pyruntime.ReconcileResult, error)
	RepairFromOutput(ctx context.Context, output string) (*pyruntime.InstallResult, error)
	HandleSkillActivated(ctx context.Context, sv pyruntime.ActiveSkillVersion) (*pyruntime.InstallResult, error)
	IndexConfig(ctx context.Context) (pyruntime.IndexConfig, error)
	SetIndexConfig(ctx context.Context, cfg pyruntime.IndexConfig) error
}

// SkillService is the catalog surface the handlers need.
type SkillService interface {
	Discover()
	Catalog() skills.Catalog
	SetEnabled(slug string, enabled bool) (skills.Entry, error)
}

type handlers struct {
	log     *slog.Logger
	runtime RuntimeService
	skills  SkillService
	audit   *auditlog.Store
}

// apiError is the wire shape of every error response.
type apiError struct {
	Code       string         `json:"code"`
	StatusCode int            `json:"statusCode"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		h.log.Warn("response encode failed", "error", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	if re, ok := pyruntime.AsRuntimeError(err); ok {
		h.writeJSON(w, re.StatusCode, apiError{
			Code:       re.Code,
			StatusCode: re.StatusCode,
			Message:    re.Message,
			Details:    re.Details,
		})
		return
	}
	h.writeJSON(w, http.StatusInternalServerError, apiError{
		Code:       "INTERNAL_ERROR",
		StatusCode: http.StatusInternalServerError,
		Message:    err.Error(),
	})
}

func (h *handlers) writeBadRequest(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusBadRequest, apiError{
		Code:       "BAD_REQUEST",
		StatusCode: http.StatusBadRequest,
		Message:    message,
	})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.writeBadRequest(w, "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) runtimeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.runtime.RuntimeStatusView(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *handlers) install(w http.ResponseWriter, r *http.Request) {
	var req pyruntime.InstallRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Requirements) == 0 {
		h.writeBadRequest(w, "missing requirements")
		return
	}
	if req.Source == "" {
		req.Source = pyruntime.SourceManual
	}
	result, err := h.runtime.InstallRequirements(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *handlers) uninstall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Packages []string `json:"packages"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Packages) == 0 {
		h.writeBadRequest(w, "missing packages")
		return
	}
	result, err := h.runtime.UninstallPackages(r.Context(), req.Packages)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type cleanupRequest struct {
	RemovedRequirements []string `json:"removedRequirements"`
}

func (h *handlers) cleanupPreview(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if !h.decode(w, r, &req) {
		return
	}
	plan, err := h.runtime.PreviewCleanupAfterSkillRemoval(r.Context(), req.RemovedRequirements)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.runtime.CleanupPackagesAfterSkillRemoval(r.Context(), req.RemovedRequirements)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.runtime.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *handlers) repair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Output string `json:"output"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Output) == "" {
		h.writeBadRequest(w, "missing output")
		return
	}
	result, err := h.runtime.RepairFromOutput(r.Context(), req.Output)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if result == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"repaired": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"repaired": true, "result": result})
}

func (h *handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.runtime.IndexConfig(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pyruntime.IndexConfig
	if !h.decode(w, r, &cfg) {
		return
	}
	if err := h.runtime.SetIndexConfig(r.Context(), cfg); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) listOperations(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.writeJSON(w, http.StatusOK, []auditlog.Entry{})
		return
	}
	entries, err := h.audit.List(0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) listSkills(w http.ResponseWriter, r *http.Request) {
	if h.skills == nil {
		h.writeJSON(w, http.StatusOK, skills.Catalog{Skills: []skills.Entry{}})
		return
	}
	h.skills.Discover()
	h.writeJSON(w, http.StatusOK, h.skills.Catalog())
}

func (h *handlers) toggleSkill(w http.ResponseWriter, r *http.Request) {
	if h.skills == nil {
		h.writeBadRequest(w, "skill catalog unavailable")
		return
	}
	var req struct {
		Slug    string `json:"slug"`
		Enabled bool   `json:"enabled"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.skills.SetEnabled(req.Slug, req.Enabled)
	if err != nil {
		h.writeBadRequest(w, err.Error())
		return
	}

	resp := map[string]any{"skill": entry}
	if req.Enabled {
		result, err := h.runtime.HandleSkillActivated(r.Context(), pyruntime.ActiveSkillVersion{
			SkillID:        entry.Slug,
			Slug:           entry.Slug,
			DisplayName:    entry.DisplayName,
			VersionID:      entry.VersionID,
			Version:        entry.Version,
			PythonPackages: entry.PythonPackages,
		})
		if err != nil {
			// The toggle itself succeeded; surface the install failure
			// without rolling the skill state back.
			var re *pyruntime.Error
			if !errors.As(err, &re) {
				re = &pyruntime.Error{Code: "INTERNAL_ERROR", StatusCode: 500, Message: err.Error()}
			}
			resp["autoInstallError"] = re
		} else if result != nil {
			resp["autoInstall"] = result
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}
