package httpapi

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hearthchat/skillhost/internal/auditlog"
)

// Options wire the router to its collaborators.
type Options struct {
	Logger  *slog.Logger
	Runtime RuntimeService
	Skills  SkillService
	Audit   *auditlog.Store
	Version string
}

// NewRouter builds the API surface consumed by the chat UI.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	h := &handlers{
		log:     logger,
		runtime: opts.Runtime,
		skills:  opts.Skills,
		audit:   opts.Audit,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logging(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"version": opts.Version})
	})

	r.Route("/api/python-runtime", func(api chi.Router) {
		api.Get("/status", h.runtimeStatus)
		api.Post("/install", h.install)
		api.Post("/uninstall", h.uninstall)
		api.Post("/cleanup/preview", h.cleanupPreview)
		api.Post("/cleanup", h.cleanup)
		api.Post("/reconcile", h.reconcile)
		api.Post("/repair", h.repair)
		api.Get("/config", h.getConfig)
		api.Put("/config", h.putConfig)
		api.Get("/operations", h.listOperations)
	})

	r.Route("/api/skills", func(api chi.Router) {
		api.Get("/", h.listSkills)
		api.Post("/toggle", h.toggleSkill)
	})

	return r
}
