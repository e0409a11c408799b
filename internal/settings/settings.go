package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/meshforge/mesh-api/internal/apperror"
)

// Settings are the runtime-mutable knobs served and updated through the
// config API. They live in a small JSON file so operators can also edit them
// directly; the store reloads on external changes.
type Settings struct {
	OutputFormat      string `json:"output_format"`
	EngineBackend     string `json:"engine_backend"`
	MinPollIntervalMS int    `json:"min_poll_interval_ms"`
}

var validFormats = map[string]bool{
	"obj": true,
	"glb": true,
	"stl": true,
	"ply": true,
}

func Defaults() Settings {
	return Settings{
		OutputFormat:      "obj",
		EngineBackend:     "inference",
		MinPollIntervalMS: 500,
	}
}

// Store guards the settings behind a mutex, persists every update, and can
// watch the backing file for out-of-band edits.
type Store struct {
	path     string
	logger   zerolog.Logger
	backends func() []string

	mu      sync.RWMutex
	current Settings
}

// NewStore loads the settings file, creating it with the given defaults when
// it does not exist yet.
func NewStore(path string, defaults Settings, logger zerolog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger, current: defaults}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := s.persist(defaults); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.current); err != nil {
			return nil, fmt.Errorf("settings: parse %s: %w", path, err)
		}
	}
	return s, nil
}

// SetBackends restricts engine_backend updates to the given names. Called
// once at startup, after the conversion backends are registered.
func (s *Store) SetBackends(names func() []string) { s.backends = names }

func (s *Store) backendKnown(name string) bool {
	if s.backends == nil {
		return true
	}
	for _, n := range s.backends() {
		if n == name {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies a partial update from the config API. Unknown keys and
// invalid values are rejected without changing anything.
func (s *Store) Update(changes map[string]any) (Settings, error) {
	if len(changes) == 0 {
		return Settings{}, apperror.New(apperror.BadRequest, "no settings provided")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	for key, value := range changes {
		switch key {
		case "output_format":
			v, ok := value.(string)
			if !ok || !validFormats[v] {
				return Settings{}, apperror.New(apperror.BadRequest, fmt.Sprintf("invalid output_format %v", value))
			}
			next.OutputFormat = v
		case "engine_backend":
			v, ok := value.(string)
			if !ok || v == "" {
				return Settings{}, apperror.New(apperror.BadRequest, "invalid engine_backend")
			}
			if !s.backendKnown(v) {
				return Settings{}, apperror.New(apperror.BadRequest, fmt.Sprintf("unknown engine_backend %q", v))
			}
			next.EngineBackend = v
		case "min_poll_interval_ms":
			v, ok := value.(float64) // JSON numbers decode as float64
			if !ok || v < 0 {
				return Settings{}, apperror.New(apperror.BadRequest, "invalid min_poll_interval_ms")
			}
			next.MinPollIntervalMS = int(v)
		default:
			return Settings{}, apperror.New(apperror.BadRequest, fmt.Sprintf("unknown setting %q", key))
		}
	}

	if err := s.persist(next); err != nil {
		return Settings{}, err
	}
	s.current = next
	return next, nil
}

func (s *Store) persist(v Settings) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("settings: reload failed")
		return
	}
	var next Settings
	if err := json.Unmarshal(data, &next); err != nil {
		s.logger.Warn().Err(err).Msg("settings: reload: invalid file, keeping current")
		return
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	s.logger.Info().Msg("settings: reloaded from file")
}

// Watch reloads the store when the backing file changes on disk. It blocks
// until ctx is done. When the watcher cannot be created the store simply
// keeps its in-process state.
func (s *Store) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("settings: file watching unavailable")
		return
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files, which breaks a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn().Err(err).Msg("settings: watch failed")
		return
	}

	// Debounce bursts of events from a single save.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(100 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("settings: watcher error")
		case <-pending:
			pending = nil
			s.reload()
		}
	}
}
