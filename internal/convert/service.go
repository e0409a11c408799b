package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meshforge/mesh-api/internal/apperror"
	"github.com/meshforge/mesh-api/internal/engine"
	"github.com/meshforge/mesh-api/internal/job"
	"github.com/meshforge/mesh-api/internal/settings"
	"github.com/meshforge/mesh-api/internal/storage"
)

// saveConcurrency bounds parallel upload writes per submission.
const saveConcurrency = 4

type Service struct {
	registry   job.Registry
	engines    *engine.Registry
	layout     *storage.Layout
	settings   *settings.Store
	maxPending int
	logger     zerolog.Logger
	notify     func() // optional: wake worker pool
}

func NewService(registry job.Registry, engines *engine.Registry, layout *storage.Layout, store *settings.Store, maxPending int, logger zerolog.Logger) *Service {
	return &Service{
		registry:   registry,
		engines:    engines,
		layout:     layout,
		settings:   store,
		maxPending: maxPending,
		logger:     logger,
	}
}

// SetNotify sets a callback invoked when a new queued job is created.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

// Submit validates the uploaded images, persists them into a job-scoped
// upload directory, registers the queued job, and wakes the pool. It never
// waits on the conversion itself.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*job.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	active, err := s.registry.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active jobs: %w", err)
	}
	if s.maxPending > 0 && active >= s.maxPending {
		return nil, apperror.New(apperror.TooManyRequests, "conversion queue is full, retry later")
	}

	id := uuid.NewString()
	uploadDir, outputDir, err := s.layout.CreateJobDirs(id)
	if err != nil {
		return nil, fmt.Errorf("create job dirs: %w", err)
	}

	if err := s.saveUploads(ctx, uploadDir, req.Files); err != nil {
		s.layout.RemoveJobDirs(id)
		return nil, fmt.Errorf("store uploads: %w", err)
	}

	j := job.New(id, uploadDir, outputDir)
	if err := s.registry.Create(ctx, j); err != nil {
		s.layout.RemoveJobDirs(id)
		return nil, err
	}

	if s.notify != nil {
		s.notify()
	}
	s.logger.Info().Str("job_id", id).Int("images", len(req.Files)).Msg("job queued")
	return j, nil
}

func (s *Service) saveUploads(ctx context.Context, dir string, files []UploadedFile) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(saveConcurrency)

	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := file.Open()
			if err != nil {
				return fmt.Errorf("open upload %q: %w", file.Name, err)
			}
			defer func() { _ = src.Close() }()

			dst, err := os.Create(filepath.Join(dir, storage.SafeName(i, file.Name)))
			if err != nil {
				return fmt.Errorf("create upload file: %w", err)
			}
			if _, err := io.Copy(dst, src); err != nil {
				_ = dst.Close()
				return fmt.Errorf("write upload %q: %w", file.Name, err)
			}
			return dst.Close()
		})
	}
	return g.Wait()
}

// Process implements job.Processor. Called by the worker pool with a claimed
// (running) job. Whatever happens, the job's upload directory is removed
// before returning; the deferred cleanup also runs when the engine panics,
// since the panic unwinds through it before the pool's recover.
func (s *Service) Process(ctx context.Context, j *job.Job) error {
	defer s.cleanupInputs(ctx, j)

	snap := s.settings.Snapshot()

	conv, err := s.engines.Get(snap.EngineBackend)
	if err != nil {
		return s.failJob(ctx, j.ID, "conversion backend unavailable", err)
	}

	inputs, err := s.layout.ListInputs(j.InputDir)
	if err != nil {
		return s.failJob(ctx, j.ID, "input images unavailable", err)
	}
	if len(inputs) == 0 {
		return s.failJob(ctx, j.ID, "no input images", errors.New("empty upload directory"))
	}

	artifact, err := conv.Convert(ctx, engine.Request{
		InputPaths: inputs,
		OutputDir:  j.OutputDir,
		Format:     snap.OutputFormat,
		OnProgress: func(p int) { s.setProgress(ctx, j.ID, p) },
	})
	if err != nil {
		return s.failJob(ctx, j.ID, failureMessage(ctx, err), err)
	}

	// The engine's claim is not trusted: the artifact must exist, be
	// non-empty, and live inside this job's output directory. Symlinks are
	// resolved first so a link parked inside the directory cannot smuggle in
	// a file from outside it.
	fi, statErr := os.Stat(artifact)
	if statErr != nil || fi.Size() == 0 {
		return s.failJob(ctx, j.ID, "conversion produced no usable artifact", statErr)
	}
	resolvedDir, dirErr := filepath.EvalSymlinks(j.OutputDir)
	resolved, resErr := filepath.EvalSymlinks(artifact)
	if dirErr != nil || resErr != nil {
		return s.failJob(ctx, j.ID, "conversion produced no usable artifact", errors.Join(dirErr, resErr))
	}
	rel, relErr := filepath.Rel(resolvedDir, resolved)
	if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || strings.Contains(rel, string(filepath.Separator)) {
		return s.failJob(ctx, j.ID, "conversion wrote outside its output directory",
			fmt.Errorf("artifact escaped output dir"))
	}

	_, err = s.registry.Update(context.WithoutCancel(ctx), j.ID, func(jj *job.Job) error {
		jj.Status = job.StatusFinished
		jj.Progress = 100
		jj.Artifact = rel
		jj.Error = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("record finished job: %w", err)
	}

	s.logger.Info().Str("job_id", j.ID).Str("artifact", rel).Msg("conversion finished")
	return nil
}

// cleanupInputs deletes the transient upload directory and clears its path
// from the record. Runs on every Process exit path.
func (s *Service) cleanupInputs(ctx context.Context, j *job.Job) {
	if j.InputDir == "" {
		return
	}
	if err := os.RemoveAll(j.InputDir); err != nil {
		s.logger.Error().Err(err).Str("job_id", j.ID).Msg("remove upload dir")
	}
	_, err := s.registry.Update(context.WithoutCancel(ctx), j.ID, func(jj *job.Job) error {
		jj.InputDir = ""
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", j.ID).Msg("clear upload dir on record")
	}
}

func (s *Service) setProgress(ctx context.Context, id string, p int) {
	_, err := s.registry.Update(context.WithoutCancel(ctx), id, func(jj *job.Job) error {
		if jj.Status != job.StatusRunning {
			return nil
		}
		if p > jj.Progress {
			jj.Progress = p
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("record progress")
	}
}

// failJob moves the job to failed with a client-safe message and returns the
// original error so the pool can log it.
func (s *Service) failJob(ctx context.Context, id, message string, cause error) error {
	_, err := s.registry.Update(context.WithoutCancel(ctx), id, func(jj *job.Job) error {
		if jj.Status.Terminal() {
			return nil
		}
		jj.Status = job.StatusFailed
		jj.Error = message
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("record failed job")
	}
	if cause != nil {
		return cause
	}
	return errors.New(message)
}

// failureMessage translates an engine error into a message safe to show to
// clients: cancellation and deadline causes are named, everything else is
// passed through sanitization so internal filesystem paths never leak.
func failureMessage(ctx context.Context, err error) string {
	if errors.Is(context.Cause(ctx), job.ErrCanceled) {
		return "canceled by client"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "conversion timed out"
	}
	var cerr *engine.ConversionError
	if errors.As(err, &cerr) {
		return sanitizeMessage(cerr.Message)
	}
	return sanitizeMessage(err.Error())
}

// sanitizeMessage replaces absolute path tokens with their base name.
func sanitizeMessage(msg string) string {
	fields := strings.Fields(msg)
	for i, f := range fields {
		trimmed := strings.Trim(f, `"':,;()[]`)
		if strings.HasPrefix(trimmed, string(filepath.Separator)) && len(trimmed) > 1 {
			fields[i] = strings.Replace(f, trimmed, filepath.Base(trimmed), 1)
		}
	}
	return strings.Join(fields, " ")
}
