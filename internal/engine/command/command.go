package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/meshforge/mesh-api/internal/engine"
)

const defaultFormat = "obj"

// Runner invokes a local conversion pipeline as a subprocess. The configured
// command is called as:
//
//	<cmd> [args...] --output <artifact> <input images...>
//
// and must write the model to the given artifact path.
type Runner struct {
	name string
	args []string
}

// New parses a whitespace-separated command line.
func New(cmdline string) (*Runner, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, fmt.Errorf("command engine: empty command line")
	}
	return &Runner{name: fields[0], args: fields[1:]}, nil
}

func (r *Runner) Name() string { return "command" }

func (r *Runner) Convert(ctx context.Context, req engine.Request) (string, error) {
	if len(req.InputPaths) == 0 {
		return "", engine.NewConversionError(r.Name(), "no input images", nil)
	}
	format := req.Format
	if format == "" {
		format = defaultFormat
	}
	artifact := filepath.Join(req.OutputDir, "model."+format)

	args := make([]string, 0, len(r.args)+len(req.InputPaths)+2)
	args = append(args, r.args...)
	args = append(args, "--output", artifact)
	args = append(args, req.InputPaths...)

	cmd := exec.CommandContext(ctx, r.name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if req.OnProgress != nil {
		req.OnProgress(10)
	}

	if err := cmd.Run(); err != nil {
		return "", engine.NewConversionError(r.Name(),
			fmt.Sprintf("pipeline failed: %s", tail(out.String(), 512)), err)
	}

	if fi, err := os.Stat(artifact); err != nil || fi.Size() == 0 {
		return "", engine.NewConversionError(r.Name(), "pipeline produced no artifact", err)
	}

	if req.OnProgress != nil {
		req.OnProgress(95)
	}
	return artifact, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
