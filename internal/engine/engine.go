package engine

import (
	"context"
	"fmt"
	"sync"
)

// Request describes one conversion: the saved input images and the job's
// dedicated output directory. OnProgress, when set, receives coarse advisory
// progress in the 0-100 range.
type Request struct {
	InputPaths []string
	OutputDir  string
	Format     string
	OnProgress func(int)
}

// Converter turns input images into a 3D model file written under
// Request.OutputDir and returns the absolute path of the primary artifact.
type Converter interface {
	Name() string
	Convert(ctx context.Context, req Request) (string, error)
}

// ConversionError is a failure reported by a conversion backend. The message
// is a diagnostic for logs; it is sanitized before reaching clients.
type ConversionError struct {
	Backend string
	Message string
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func NewConversionError(backend, message string, err error) *ConversionError {
	return &ConversionError{Backend: backend, Message: message, Err: err}
}

// Registry maps backend names to converters.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

func NewRegistry() *Registry {
	return &Registry{
		converters: make(map[string]Converter),
	}
}

func (r *Registry) Register(c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[c.Name()] = c
}

func (r *Registry) Get(name string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[name]
	if !ok {
		return nil, fmt.Errorf("unknown conversion backend %q", name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	return names
}
