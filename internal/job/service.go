package job

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"

	"github.com/meshforge/mesh-api/internal/apperror"
)

// Canceler signals a running job to stop. Implemented by the worker pool.
type Canceler interface {
	Cancel(id string) bool
}

type Service struct {
	registry Registry
	canceler Canceler
	logger   zerolog.Logger
}

func NewService(registry Registry, logger zerolog.Logger) *Service {
	return &Service{registry: registry, logger: logger}
}

// SetCanceler wires the worker pool in after construction.
func (s *Service) SetCanceler(c Canceler) { s.canceler = c }

// RecoverInterruptedJobs re-queues jobs a previous process left running so
// the pool picks them up again. Their uploaded inputs are still on disk.
func (s *Service) RecoverInterruptedJobs(ctx context.Context) error {
	n, err := s.registry.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("re-queued interrupted jobs")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.registry.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.registry.List(ctx)
}

var errCancelRace = errors.New("job started while cancelling")

// Cancel aborts a job. A running job is signalled through the worker pool and
// its worker records the terminal state; a queued job is failed directly.
// Terminal jobs are a Conflict.
func (s *Service) Cancel(ctx context.Context, req CancelJobRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	if s.canceler != nil && s.canceler.Cancel(req.ID) {
		return nil
	}

	updated, err := s.registry.Update(ctx, req.ID, func(j *Job) error {
		if j.Status.Terminal() {
			return apperror.New(apperror.Conflict, "job already completed")
		}
		if j.Status == StatusRunning {
			return errCancelRace
		}
		j.Status = StatusFailed
		j.Error = "canceled before start"
		return nil
	})
	if errors.Is(err, errCancelRace) {
		// A worker claimed the job between the pool check and the update.
		if s.canceler != nil && s.canceler.Cancel(req.ID) {
			return nil
		}
		return apperror.New(apperror.Conflict, "job is completing")
	}
	if err != nil {
		return err
	}

	// No worker will ever run this job, so its uploads are cleaned up here.
	if updated.InputDir != "" {
		if rmErr := os.RemoveAll(updated.InputDir); rmErr != nil {
			s.logger.Error().Err(rmErr).Str("job_id", req.ID).Msg("remove upload dir")
		}
		if _, uerr := s.registry.Update(ctx, req.ID, func(j *Job) error {
			j.InputDir = ""
			return nil
		}); uerr != nil {
			s.logger.Error().Err(uerr).Str("job_id", req.ID).Msg("clear upload dir on record")
		}
	}
	return nil
}
