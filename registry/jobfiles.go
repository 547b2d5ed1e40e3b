// Package registry holds the process-wide bookkeeping for in-flight
// conversion jobs: the job→file association used by streaming, cancellation
// and cleanup, and the single-GPU worker activation state.
package registry

import (
	"context"
	"sync"
	"time"
)

// TTL is how long a job-file entry stays readable after insertion. Anything
// older is treated as abandoned; the entry is deleted on the first read past
// the deadline (lazy expiry).
const TTL = 30 * time.Minute

// JobFileEntry associates a job id with the storage and routing state needed
// to stream, cancel and clean it up. It is the single source of truth for
// "is job X still something we must clean up".
type JobFileEntry struct {
	DocumentPath string    `json:"document_path"`
	FileID       string    `json:"file_id"`
	Filename     string    `json:"filename"`
	BackendType  string    `json:"backend_type"`
	Worker       string    `json:"worker,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// JobFiles is the job→file registry. Get returns (nil, nil) for a missing or
// expired entry; Delete on a missing entry is a no-op.
type JobFiles interface {
	Set(ctx context.Context, jobID string, entry *JobFileEntry) error
	Get(ctx context.Context, jobID string) (*JobFileEntry, error)
	Delete(ctx context.Context, jobID string) error
}

// MemoryJobFiles is the in-process implementation: a mutex-guarded map with
// lazy TTL expiry. All operations touch a single key, so parallel
// cancel/stream reads on the same job id are safe without multi-key
// invariants.
type MemoryJobFiles struct {
	mu      sync.Mutex
	entries map[string]*JobFileEntry
	ttl     time.Duration
	now     func() time.Time
}

// MemoryOption configures a MemoryJobFiles.
type MemoryOption func(*MemoryJobFiles)

// WithTTL overrides the default 30-minute TTL.
func WithTTL(d time.Duration) MemoryOption {
	return func(m *MemoryJobFiles) { m.ttl = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryJobFiles) { m.now = now }
}

// NewMemoryJobFiles creates an empty in-memory registry.
func NewMemoryJobFiles(opts ...MemoryOption) *MemoryJobFiles {
	m := &MemoryJobFiles{
		entries: make(map[string]*JobFileEntry),
		ttl:     TTL,
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Set records the association. CreatedAt is stamped here if unset.
func (m *MemoryJobFiles) Set(_ context.Context, jobID string, entry *JobFileEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.mu.Lock()
	m.entries[jobID] = entry
	m.mu.Unlock()
	return nil
}

// Get returns the entry, or (nil, nil) when absent or expired. An expired
// entry is deleted on the way out.
func (m *MemoryJobFiles) Get(_ context.Context, jobID string) (*JobFileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[jobID]
	if !ok {
		return nil, nil
	}
	if m.now().Sub(entry.CreatedAt) > m.ttl {
		delete(m.entries, jobID)
		return nil, nil
	}
	return entry, nil
}

// Delete removes the entry; removing a missing entry is a no-op.
func (m *MemoryJobFiles) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.entries, jobID)
	m.mu.Unlock()
	return nil
}

// Sweep removes all expired entries and returns how many were dropped. Not
// required for correctness (expiry is lazy); it exists for memory hygiene on
// long-running processes.
func (m *MemoryJobFiles) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped int
	for id, entry := range m.entries {
		if m.now().Sub(entry.CreatedAt) > m.ttl {
			delete(m.entries, id)
			dropped++
		}
	}
	return dropped
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (m *MemoryJobFiles) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}
