package inference

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/meshforge/mesh-api/internal/engine"
)

const defaultFormat = "obj"

// Client talks to an external image-to-3D inference server. The server
// accepts the input images as a multipart POST on /convert and streams the
// generated model back in the response body.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(opts ...Option) *Client {
	c := &Client{
		client: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func (c *Client) Name() string { return "inference" }

func (c *Client) Convert(ctx context.Context, req engine.Request) (string, error) {
	if len(req.InputPaths) == 0 {
		return "", engine.NewConversionError(c.Name(), "no input images", nil)
	}
	if c.baseURL == "" {
		return "", engine.NewConversionError(c.Name(), "no inference server configured", nil)
	}
	format := req.Format
	if format == "" {
		format = defaultFormat
	}

	report(req, 5)

	// Stream the upload: one goroutine feeds the multipart body through a
	// pipe while the request goroutine drains it.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := writeParts(mw, req.InputPaths, format)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
		return err
	})

	artifact := filepath.Join(req.OutputDir, "model."+format)

	g.Go(func() error {
		// Unblock the writer goroutine if this side bails out early.
		defer func() { _ = pr.Close() }()

		httpReq, err := http.NewRequestWithContext(gctx, http.MethodPost, c.baseURL+"/convert", pr)
		if err != nil {
			return engine.NewConversionError(c.Name(), "build request", err)
		}
		httpReq.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return engine.NewConversionError(c.Name(), "inference request", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return engine.NewConversionError(c.Name(),
				fmt.Sprintf("inference server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
		}

		report(req, 70)

		out, err := os.Create(artifact)
		if err != nil {
			return engine.NewConversionError(c.Name(), "create artifact file", err)
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			_ = out.Close()
			return engine.NewConversionError(c.Name(), "download artifact", err)
		}
		if err := out.Close(); err != nil {
			return engine.NewConversionError(c.Name(), "flush artifact file", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}

	report(req, 95)
	return artifact, nil
}

func writeParts(mw *multipart.Writer, paths []string, format string) error {
	if err := mw.WriteField("format", format); err != nil {
		return err
	}
	for _, path := range paths {
		part, err := mw.CreateFormFile("images", filepath.Base(path))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(part, f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func report(req engine.Request, p int) {
	if req.OnProgress != nil {
		req.OnProgress(p)
	}
}
