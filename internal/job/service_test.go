package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meshforge/mesh-api/internal/apperror"
)

type stubCanceler struct {
	canceled []string
	result   bool
}

func (c *stubCanceler) Cancel(id string) bool {
	c.canceled = append(c.canceled, id)
	return c.result
}

func assertAppError(t *testing.T, err error, code apperror.Code) {
	t.Helper()
	var ae *apperror.AppError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if ae.Code() != code {
		t.Fatalf("expected code %s, got %s (%s)", code, ae.Code(), ae.Message())
	}
}

func TestService_GetInvalidID(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), zerolog.Nop())
	_, err := svc.Get(context.Background(), GetJobRequest{ID: "not-a-uuid"})
	assertAppError(t, err, apperror.BadRequest)
}

func TestService_GetUnknown(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), zerolog.Nop())
	_, err := svc.Get(context.Background(), GetJobRequest{ID: uuid.NewString()})
	assertAppError(t, err, apperror.NotFound)
}

func TestService_CancelQueuedJob(t *testing.T) {
	reg := NewMemoryRegistry()
	svc := NewService(reg, zerolog.Nop())
	svc.SetCanceler(&stubCanceler{result: false})
	ctx := context.Background()

	inputDir := filepath.Join(t.TempDir(), "uploads")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inputDir, "000_a.jpg"), []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}

	id := uuid.NewString()
	j := New(id, inputDir, filepath.Join(t.TempDir(), "out"))
	if err := reg.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Cancel(ctx, CancelJobRequest{ID: id}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.Error != "canceled before start" {
		t.Errorf("unexpected error message %q", got.Error)
	}
	if got.InputDir != "" {
		t.Errorf("expected input dir cleared, got %q", got.InputDir)
	}
	if _, err := os.Stat(inputDir); !os.IsNotExist(err) {
		t.Errorf("expected upload dir removed, stat err: %v", err)
	}
}

func TestService_CancelRunningJobViaPool(t *testing.T) {
	reg := NewMemoryRegistry()
	svc := NewService(reg, zerolog.Nop())
	canceler := &stubCanceler{result: true}
	svc.SetCanceler(canceler)
	ctx := context.Background()

	id := uuid.NewString()
	_ = reg.Create(ctx, New(id, "", ""))
	claimed, _ := reg.ClaimQueued(ctx)
	if claimed == nil || claimed.ID != id {
		t.Fatal("claim failed")
	}

	if err := svc.Cancel(ctx, CancelJobRequest{ID: id}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(canceler.canceled) != 1 || canceler.canceled[0] != id {
		t.Errorf("expected pool cancel for %s, got %v", id, canceler.canceled)
	}
}

func TestService_CancelTerminalJob(t *testing.T) {
	reg := NewMemoryRegistry()
	svc := NewService(reg, zerolog.Nop())
	svc.SetCanceler(&stubCanceler{result: false})
	ctx := context.Background()

	id := uuid.NewString()
	_ = reg.Create(ctx, New(id, "", ""))
	_, _ = reg.ClaimQueued(ctx)
	_, _ = reg.Update(ctx, id, func(j *Job) error {
		j.Status = StatusFinished
		j.Progress = 100
		return nil
	})

	err := svc.Cancel(ctx, CancelJobRequest{ID: id})
	assertAppError(t, err, apperror.Conflict)
}

func TestService_CancelRunningJobNotHeldByPool(t *testing.T) {
	// The record says running but no worker holds the job, for example right
	// after a claim or during a restart window. Cancel must not force the
	// status and reports a conflict instead.
	reg := NewMemoryRegistry()
	svc := NewService(reg, zerolog.Nop())
	svc.SetCanceler(&stubCanceler{result: false})
	ctx := context.Background()

	id := uuid.NewString()
	_ = reg.Create(ctx, New(id, "", ""))
	_, _ = reg.ClaimQueued(ctx)

	err := svc.Cancel(ctx, CancelJobRequest{ID: id})
	assertAppError(t, err, apperror.Conflict)

	got, _ := reg.Get(ctx, id)
	if got.Status != StatusRunning {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestService_CancelInvalidID(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), zerolog.Nop())
	err := svc.Cancel(context.Background(), CancelJobRequest{ID: ""})
	assertAppError(t, err, apperror.BadRequest)
}
