package server

import (
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meshforge/mesh-api/internal/apperror"
	"github.com/meshforge/mesh-api/internal/convert"
	"github.com/meshforge/mesh-api/internal/job"
	"github.com/meshforge/mesh-api/internal/settings"
	"github.com/meshforge/mesh-api/internal/storage"
)

type handler struct {
	convertSvc  *convert.Service
	jobSvc      *job.Service
	layout      *storage.Layout
	settings    *settings.Store
	maxUploadMB int
	logger      zerolog.Logger
}

// jobProjection is the client view of a job. It intentionally carries no
// filesystem paths; the artifact is reachable only through model_url.
type jobProjection struct {
	JobID    string     `json:"job_id"`
	Status   job.Status `json:"status"`
	Progress int        `json:"progress"`
	ModelURL *string    `json:"model_url"`
	Error    *string    `json:"error"`
}

func projectJob(j *job.Job) jobProjection {
	p := jobProjection{
		JobID:    j.ID,
		Status:   j.Status,
		Progress: j.Progress,
	}
	if j.Status == job.StatusFinished && j.Artifact != "" {
		url := artifactURL(j.ID, j.Artifact)
		p.ModelURL = &url
	}
	if j.Status == job.StatusFailed && j.Error != "" {
		msg := j.Error
		p.Error = &msg
	}
	return p
}

func artifactURL(jobID, filename string) string {
	return fmt.Sprintf("/output/%s/%s", jobID, filename)
}

func statusURL(jobID string) string {
	return "/api/v1/jobs/" + jobID
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
	ModelURL  string `json:"model_url"`
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(h.maxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := convert.SubmitRequest{Files: convert.FromMultipart(r.MultipartForm.File["images"])}

	j, err := h.convertSvc.Submit(r.Context(), req)
	if err != nil {
		if ae, ok := err.(*apperror.AppError); ok {
			writeError(w, ae.HTTPStatus(), ae.Message())
			return
		}
		h.logger.Error().Err(err).Msg("submit failed")
		writeError(w, http.StatusInternalServerError, "failed to accept conversion job")
		return
	}

	// The artifact name is deterministic for the configured format, so the
	// download URL can be handed out before the conversion runs; it resolves
	// only once the job is finished.
	format := h.settings.Snapshot().OutputFormat
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     j.ID,
		StatusURL: statusURL(j.ID),
		ModelURL:  artifactURL(j.ID, "model."+format),
	})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	req := job.GetJobRequest{ID: chi.URLParam(r, "id")}
	if req.Validate() != nil {
		// A malformed id was never handed out by the submit endpoint, so to
		// pollers it is indistinguishable from an unknown job.
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	j, err := h.jobSvc.Get(r.Context(), req)
	if err != nil {
		if ae, ok := err.(*apperror.AppError); ok {
			writeError(w, ae.HTTPStatus(), ae.Message())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, projectJob(j))
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobSvc.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	projections := make([]jobProjection, len(jobs))
	for i := range jobs {
		projections[i] = projectJob(&jobs[i])
	}
	writeJSON(w, http.StatusOK, projections)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	req := job.CancelJobRequest{ID: chi.URLParam(r, "id")}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	if err := h.jobSvc.Cancel(r.Context(), req); err != nil {
		if ae, ok := err.(*apperror.AppError); ok {
			writeError(w, ae.HTTPStatus(), ae.Message())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": req.ID})
}

// getArtifact streams a finished job's output file. ServeContent supplies
// conditional and range semantics so 3D viewers can probe with HEAD before
// downloading. Anything that is not a finished job's own artifact is a 404.
func (h *handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	filename := chi.URLParam(r, "filename")

	j, err := h.jobSvc.Get(r.Context(), job.GetJobRequest{ID: jobID})
	if err != nil || j.Status != job.StatusFinished {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	path, err := h.layout.ResolveArtifact(jobID, filename)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	http.ServeContent(w, r, filename, fi.ModTime(), f)
}

func (h *handler) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Snapshot())
}

func (h *handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	if err := decodeJSON(r, &changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.settings.Update(changes)
	if err != nil {
		if ae, ok := err.(*apperror.AppError); ok {
			writeError(w, ae.HTTPStatus(), ae.Message())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update settings")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}
