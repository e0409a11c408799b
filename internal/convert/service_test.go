package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/meshforge/mesh-api/internal/apperror"
	"github.com/meshforge/mesh-api/internal/engine"
	"github.com/meshforge/mesh-api/internal/job"
	"github.com/meshforge/mesh-api/internal/settings"
	"github.com/meshforge/mesh-api/internal/storage"
)

type stubConverter struct {
	name string
	fn   func(ctx context.Context, req engine.Request) (string, error)
}

func (c *stubConverter) Name() string { return c.name }

func (c *stubConverter) Convert(ctx context.Context, req engine.Request) (string, error) {
	return c.fn(ctx, req)
}

type testEnv struct {
	svc      *Service
	registry job.Registry
	layout   *storage.Layout
	engines  *engine.Registry
}

func newTestEnv(t *testing.T, maxPending int) *testEnv {
	t.Helper()
	root := t.TempDir()

	layout, err := storage.NewLayout(root)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	store, err := settings.NewStore(filepath.Join(root, "settings.json"), settings.Defaults(), zerolog.Nop())
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	engines := engine.NewRegistry()
	registry := job.NewMemoryRegistry()

	return &testEnv{
		svc:      NewService(registry, engines, layout, store, maxPending, zerolog.Nop()),
		registry: registry,
		layout:   layout,
		engines:  engines,
	}
}

func uploads(contents ...string) []UploadedFile {
	files := make([]UploadedFile, 0, len(contents))
	for _, c := range contents {
		c := c
		files = append(files, UploadedFile{
			Name: "photo.jpg",
			Size: int64(len(c)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader([]byte(c))), nil
			},
		})
	}
	return files
}

func TestSubmit_NoFiles(t *testing.T) {
	env := newTestEnv(t, 0)

	_, err := env.svc.Submit(context.Background(), SubmitRequest{})
	var ae *apperror.AppError
	if !errors.As(err, &ae) || ae.Code() != apperror.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestSubmit_EmptyFile(t *testing.T) {
	env := newTestEnv(t, 0)

	files := uploads("front")
	files = append(files, UploadedFile{Name: "blank.jpg", Size: 0})
	_, err := env.svc.Submit(context.Background(), SubmitRequest{Files: files})
	var ae *apperror.AppError
	if !errors.As(err, &ae) || ae.Code() != apperror.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}

	// A rejected submission must not leave a job behind.
	jobs, _ := env.registry.List(context.Background())
	if len(jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(jobs))
	}
}

func TestSubmit_CreatesQueuedJobAndSavesUploads(t *testing.T) {
	env := newTestEnv(t, 0)
	notified := false
	env.svc.SetNotify(func() { notified = true })

	j, err := env.svc.Submit(context.Background(), SubmitRequest{Files: uploads("front view", "side view")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if j.Status != job.StatusQueued {
		t.Errorf("expected queued, got %s", j.Status)
	}
	if !notified {
		t.Error("expected the pool to be notified")
	}

	saved, err := env.layout.ListInputs(j.InputDir)
	if err != nil {
		t.Fatalf("list inputs: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved files, got %d", len(saved))
	}
	data, err := os.ReadFile(saved[0])
	if err != nil {
		t.Fatalf("read saved upload: %v", err)
	}
	if string(data) != "front view" {
		t.Errorf("unexpected contents %q", data)
	}
}

func TestSubmit_Backpressure(t *testing.T) {
	env := newTestEnv(t, 1)

	if _, err := env.svc.Submit(context.Background(), SubmitRequest{Files: uploads("a")}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := env.svc.Submit(context.Background(), SubmitRequest{Files: uploads("b")})
	var ae *apperror.AppError
	if !errors.As(err, &ae) || ae.Code() != apperror.TooManyRequests {
		t.Fatalf("expected TooManyRequests, got %v", err)
	}
}

// submitAndClaim creates a job through Submit and claims it, mirroring what
// the worker pool does before calling Process.
func submitAndClaim(t *testing.T, env *testEnv) *job.Job {
	t.Helper()
	if _, err := env.svc.Submit(context.Background(), SubmitRequest{Files: uploads("front")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := env.registry.ClaimQueued(context.Background())
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	return claimed
}

func TestProcess_Success(t *testing.T) {
	env := newTestEnv(t, 0)
	env.engines.Register(&stubConverter{name: "inference", fn: func(ctx context.Context, req engine.Request) (string, error) {
		if len(req.InputPaths) != 1 {
			t.Errorf("expected 1 input, got %d", len(req.InputPaths))
		}
		if req.OnProgress != nil {
			req.OnProgress(50)
		}
		artifact := filepath.Join(req.OutputDir, "model."+req.Format)
		if err := os.WriteFile(artifact, []byte("mesh data"), 0o644); err != nil {
			return "", err
		}
		return artifact, nil
	}})

	claimed := submitAndClaim(t, env)
	if err := env.svc.Process(context.Background(), claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := env.registry.Get(context.Background(), claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusFinished {
		t.Fatalf("expected finished, got %s (%s)", got.Status, got.Error)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if got.Artifact != "model.obj" {
		t.Errorf("expected artifact model.obj, got %q", got.Artifact)
	}
	if got.InputDir != "" {
		t.Errorf("expected input dir cleared, got %q", got.InputDir)
	}
	if _, err := os.Stat(claimed.InputDir); !os.IsNotExist(err) {
		t.Errorf("expected upload dir removed, stat err: %v", err)
	}
	if _, err := os.Stat(filepath.Join(claimed.OutputDir, "model.obj")); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestProcess_EngineFailure(t *testing.T) {
	env := newTestEnv(t, 0)
	env.engines.Register(&stubConverter{name: "inference", fn: func(ctx context.Context, req engine.Request) (string, error) {
		return "", engine.NewConversionError("inference", "reconstruction failed for /data/uploads/secret/000_front.jpg", nil)
	}})

	claimed := submitAndClaim(t, env)
	if err := env.svc.Process(context.Background(), claimed); err == nil {
		t.Fatal("expected process to return the engine error")
	}

	got, _ := env.registry.Get(context.Background(), claimed.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("expected a failure message")
	}
	if strings.Contains(got.Error, "/data/uploads") {
		t.Errorf("internal path leaked into client message: %q", got.Error)
	}
	if _, err := os.Stat(claimed.InputDir); !os.IsNotExist(err) {
		t.Errorf("expected upload dir removed, stat err: %v", err)
	}
}

func TestProcess_UnknownBackend(t *testing.T) {
	env := newTestEnv(t, 0)
	// No converter registered under the configured backend.

	claimed := submitAndClaim(t, env)
	if err := env.svc.Process(context.Background(), claimed); err == nil {
		t.Fatal("expected an error")
	}

	got, _ := env.registry.Get(context.Background(), claimed.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "conversion backend unavailable" {
		t.Errorf("unexpected message %q", got.Error)
	}
}

func TestProcess_CanceledByClient(t *testing.T) {
	env := newTestEnv(t, 0)
	env.engines.Register(&stubConverter{name: "inference", fn: func(ctx context.Context, req engine.Request) (string, error) {
		<-ctx.Done()
		return "", context.Cause(ctx)
	}})

	claimed := submitAndClaim(t, env)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(job.ErrCanceled)

	if err := env.svc.Process(ctx, claimed); err == nil {
		t.Fatal("expected an error")
	}

	got, _ := env.registry.Get(context.Background(), claimed.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "canceled by client" {
		t.Errorf("unexpected message %q", got.Error)
	}
}

func TestProcess_ArtifactOutsideOutputDir(t *testing.T) {
	env := newTestEnv(t, 0)
	escaped := filepath.Join(t.TempDir(), "model.obj")
	if err := os.WriteFile(escaped, []byte("mesh"), 0o644); err != nil {
		t.Fatal(err)
	}
	env.engines.Register(&stubConverter{name: "inference", fn: func(ctx context.Context, req engine.Request) (string, error) {
		return escaped, nil
	}})

	claimed := submitAndClaim(t, env)
	if err := env.svc.Process(context.Background(), claimed); err == nil {
		t.Fatal("expected an error")
	}

	got, _ := env.registry.Get(context.Background(), claimed.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestProcess_SymlinkedArtifactRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	env := newTestEnv(t, 0)
	outside := filepath.Join(t.TempDir(), "leaked.obj")
	if err := os.WriteFile(outside, []byte("private mesh"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The engine parks a symlink inside its output directory that points at
	// a file outside it.
	env.engines.Register(&stubConverter{name: "inference", fn: func(ctx context.Context, req engine.Request) (string, error) {
		link := filepath.Join(req.OutputDir, "model."+req.Format)
		if err := os.Symlink(outside, link); err != nil {
			return "", err
		}
		return link, nil
	}})

	claimed := submitAndClaim(t, env)
	if err := env.svc.Process(context.Background(), claimed); err == nil {
		t.Fatal("expected an error")
	}

	got, _ := env.registry.Get(context.Background(), claimed.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Artifact != "" {
		t.Errorf("rejected artifact was recorded as %q", got.Artifact)
	}
}

func TestProcess_PanicStillCleansUploads(t *testing.T) {
	env := newTestEnv(t, 0)
	env.engines.Register(&stubConverter{name: "inference", fn: func(ctx context.Context, req engine.Request) (string, error) {
		panic("engine crashed")
	}})

	claimed := submitAndClaim(t, env)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate to the caller")
			}
		}()
		_ = env.svc.Process(context.Background(), claimed)
	}()

	if _, err := os.Stat(claimed.InputDir); !os.IsNotExist(err) {
		t.Errorf("expected upload dir removed, stat err: %v", err)
	}
}

func TestSanitizeMessage(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"reconstruction failed", "reconstruction failed"},
		{"cannot read /data/uploads/abc/000_x.jpg", "cannot read 000_x.jpg"},
		{`open "/tmp/work/input.png": permission denied`, `open "input.png": permission denied`},
		{"exit status 1", "exit status 1"},
	}
	for _, tc := range cases {
		if got := sanitizeMessage(tc.in); got != tc.want {
			t.Errorf("sanitizeMessage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
