package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory Registry used in tests and local runs.
// All operations take the same mutex, matching the transactional isolation
// the Postgres implementation gets from the database.
type MemoryRegistry struct {
	mu     sync.Mutex
	chunks map[int64]*Chunk

	promoteMu sync.Mutex
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{chunks: make(map[int64]*Chunk)}
}

// Insert creates the record for id.
func (m *MemoryRegistry) Insert(ctx context.Context, id int64, fields Fields) error {
	if err := fields.Validate(); err != nil {
		return fmt.Errorf("insert chunk %d: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chunks[id]; ok {
		return fmt.Errorf("insert chunk %d: %w", id, ErrDuplicateChunk)
	}

	c := &Chunk{ID: id, Status: StatusPending}
	applyFields(c, fields, time.Now().UTC())
	m.chunks[id] = c
	return nil
}

// Update merges fields into an existing record. A missing id affects zero
// rows and is not an error.
func (m *MemoryRegistry) Update(ctx context.Context, id int64, fields Fields) (int64, error) {
	if err := fields.Validate(); err != nil {
		return 0, fmt.Errorf("update chunk %d: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chunks[id]
	if !ok {
		return 0, nil
	}
	if !applyFields(c, fields, time.Now().UTC()) {
		return 0, nil
	}
	return 1, nil
}

// GetPromotableChunks returns the contiguous staged run following the
// highest promoted id. With nothing promoted yet, the run is anchored at
// the lowest known chunk id regardless of its status: an earlier chunk
// that is still pending blocks everything behind it.
func (m *MemoryRegistry) GetPromotableChunks(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var maxPromoted, minKnown int64
	havePromoted := false
	first := true
	var staged []int64
	for id, c := range m.chunks {
		if first || id < minKnown {
			minKnown = id
			first = false
		}
		switch c.Status {
		case StatusPromoted:
			if !havePromoted || id > maxPromoted {
				maxPromoted = id
				havePromoted = true
			}
		case StatusStaged:
			staged = append(staged, id)
		}
	}
	sort.Slice(staged, func(i, j int) bool { return staged[i] < staged[j] })

	next := minKnown
	if havePromoted {
		next = maxPromoted + 1
	}
	run := contiguousRun(staged, next)
	if len(run) == 0 {
		return nil, ErrNoPromotableChunks
	}
	return run, nil
}

// MarkChunksPromoted promotes exactly the given ids. All-or-nothing: if any
// id is absent or not staged, nothing changes.
func (m *MemoryRegistry) MarkChunksPromoted(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		c, ok := m.chunks[id]
		if !ok {
			return 0, fmt.Errorf("mark promoted: chunk %d not found", id)
		}
		if c.Status != StatusStaged {
			return 0, fmt.Errorf("mark promoted: chunk %d is %s, not staged", id, c.Status)
		}
	}

	now := time.Now().UTC()
	for _, id := range ids {
		c := m.chunks[id]
		c.Status = StatusPromoted
		if c.PromotedAt == nil {
			t := now
			c.PromotedAt = &t
		}
	}
	return int64(len(ids)), nil
}

// TryAcquire implements PromotionLock with an in-process mutex.
func (m *MemoryRegistry) TryAcquire(ctx context.Context) (func(), bool, error) {
	if !m.promoteMu.TryLock() {
		return nil, false, nil
	}
	return m.promoteMu.Unlock, true, nil
}

// Get returns a copy of the chunk record, for tests.
func (m *MemoryRegistry) Get(id int64) (Chunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return Chunk{}, false
	}
	return *c, true
}

// applyFields merges fields into c, enforcing forward-only status
// transitions and set-once timestamps. Explicit timestamps in the event
// win over the registry clock. Returns false if the merge was a status
// regression and nothing was applied.
func applyFields(c *Chunk, fields Fields, now time.Time) bool {
	if s, ok := fields.Status(); ok && statusRank[s] < statusRank[c.Status] {
		return false
	}

	if t, ok := fields.Time(FieldStagedAt); ok && c.StagedAt == nil {
		c.StagedAt = &t
	}
	if t, ok := fields.Time(FieldPromotedAt); ok && c.PromotedAt == nil {
		c.PromotedAt = &t
	}

	if s, ok := fields.Status(); ok {
		c.Status = s
		if s == StatusStaged && c.StagedAt == nil {
			t := now
			c.StagedAt = &t
		}
		if s == StatusPromoted && c.PromotedAt == nil {
			t := now
			c.PromotedAt = &t
		}
	}
	if v, ok := fields[FieldSourceLocation]; ok {
		if s, ok := v.(string); ok {
			c.SourceLocation = s
		}
	}
	return true
}
