package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/meshforge/mesh-api/internal/convert"
	"github.com/meshforge/mesh-api/internal/job"
	"github.com/meshforge/mesh-api/internal/settings"
	"github.com/meshforge/mesh-api/internal/storage"
)

// Deps carries everything the HTTP layer needs.
type Deps struct {
	ConvertSvc  *convert.Service
	JobSvc      *job.Service
	Layout      *storage.Layout
	Settings    *settings.Store
	MaxUploadMB int
	Logger      zerolog.Logger
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(deps Deps) http.Handler {
	h := &handler{
		convertSvc:  deps.ConvertSvc,
		jobSvc:      deps.JobSvc,
		layout:      deps.Layout,
		settings:    deps.Settings,
		maxUploadMB: deps.MaxUploadMB,
		logger:      deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(recovery(deps.Logger))
	r.Use(logging(deps.Logger))
	r.Use(middleware.GetHead)

	r.Get("/health", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/convert", h.submit)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Delete("/jobs/{id}", h.cancelJob)
		r.Get("/config", h.getConfig)
		r.Post("/config", h.updateConfig)
	})

	r.Get("/output/{jobID}/{filename}", h.getArtifact)

	return r
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
