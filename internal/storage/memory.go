package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskd/internal/job"
)

// memoryStore keeps definitions in a map. It backs --ephemeral runs and tests.
type memoryStore struct {
	mu     sync.Mutex
	rows   map[int64]job.Definition
	nextID int64
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{rows: map[int64]job.Definition{}, nextID: 1}
}

func (m *memoryStore) Create(_ context.Context, def job.Definition) (job.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Definition{}, ErrClosed
	}
	if def.ID != 0 {
		if _, ok := m.rows[def.ID]; ok {
			return job.Definition{}, fmt.Errorf("job %d: %w", def.ID, job.ErrConflict)
		}
	} else {
		for {
			if _, ok := m.rows[m.nextID]; !ok {
				break
			}
			m.nextID++
		}
		def.ID = m.nextID
	}
	if def.ID >= m.nextID {
		m.nextID = def.ID + 1
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.RunCount = 0
	def.LastOutcome = job.OutcomeUnknown
	def.LastRunAt = time.Time{}
	m.rows[def.ID] = def
	return def, nil
}

func (m *memoryStore) Get(_ context.Context, id int64) (job.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Definition{}, ErrClosed
	}
	d, ok := m.rows[id]
	if !ok {
		return job.Definition{}, job.NotFound(id)
	}
	return d, nil
}

func (m *memoryStore) sorted(filter func(job.Definition) bool) []job.Definition {
	out := make([]job.Definition, 0, len(m.rows))
	for _, d := range m.rows {
		if filter == nil || filter(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memoryStore) List(_ context.Context, offset, limit int) ([]job.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	all := m.sorted(nil)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *memoryStore) ListRecurring(_ context.Context) ([]job.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.sorted(func(d job.Definition) bool { return d.Recurring }), nil
}

func (m *memoryStore) Update(_ context.Context, def job.Definition) (job.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Definition{}, ErrClosed
	}
	cur, ok := m.rows[def.ID]
	if !ok {
		return job.Definition{}, job.NotFound(def.ID)
	}
	cur.Name = def.Name
	cur.Recurring = def.Recurring
	cur.Schedule = def.Schedule
	cur.ScriptPath = def.ScriptPath
	cur.ScriptType = def.ScriptType
	cur.Parameters = def.Parameters
	cur.UpdatedAt = time.Now().UTC()
	m.rows[def.ID] = cur
	return cur, nil
}

func (m *memoryStore) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.rows[id]; !ok {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *memoryStore) Reconcile(_ context.Context, id int64, outcome job.Outcome, at time.Time) (job.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Definition{}, ErrClosed
	}
	d, ok := m.rows[id]
	if !ok {
		return job.Definition{}, job.NotFound(id)
	}
	d.RunCount++
	d.LastOutcome = outcome
	d.LastRunAt = at.UTC()
	d.UpdatedAt = time.Now().UTC()
	m.rows[id] = d
	return d, nil
}

func (m *memoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
