package job

import (
	"context"
	"sort"
	"sync"

	"github.com/meshforge/mesh-api/internal/apperror"
)

// MemoryRegistry keeps all job records in a map guarded by a single mutex.
// Records are copied on the way in and out so callers never share memory with
// the stored state. Everything is lost on restart; the sqlite registry is the
// durable alternative.
type MemoryRegistry struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  map[string]int64 // insertion order, for FIFO claims
	next int64
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		jobs: make(map[string]*Job),
		seq:  make(map[string]int64),
	}
}

func (m *MemoryRegistry) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return apperror.New(apperror.Conflict, "job already exists")
	}
	cp := *j
	m.jobs[j.ID] = &cp
	m.seq[j.ID] = m.next
	m.next++
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryRegistry) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	next, err := Apply(j, fn)
	if err != nil {
		return nil, err
	}
	m.jobs[id] = next
	cp := *next
	return &cp, nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool {
		return m.seq[out[a].ID] > m.seq[out[b].ID]
	})
	if len(out) > ListLimit {
		out = out[:ListLimit]
	}
	return out, nil
}

func (m *MemoryRegistry) ClaimQueued(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *Job
	for _, j := range m.jobs {
		if j.Status != StatusQueued {
			continue
		}
		if oldest == nil || m.seq[j.ID] < m.seq[oldest.ID] {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	next, err := Apply(oldest, func(j *Job) error {
		j.Status = StatusRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.jobs[next.ID] = next
	cp := *next
	return &cp, nil
}

func (m *MemoryRegistry) RecoverInterrupted(_ context.Context) (int64, error) {
	// In-memory state cannot survive a restart, so there is nothing to
	// recover; the method exists to satisfy the Registry contract.
	return 0, nil
}

func (m *MemoryRegistry) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}
