package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oceangrid/dirsync/internal/models"
)

// Repository keeps the directory in maps behind a read/write mutex. Point
// writes replace whole entries, so readers never observe partial updates.
type Repository struct {
	mu      sync.RWMutex
	entries map[models.CapabilityKey]models.DirectoryEntry
}

func New() *Repository {
	return &Repository{
		entries: make(map[models.CapabilityKey]models.DirectoryEntry, 128),
	}
}

func (r *Repository) Get(ctx context.Context, key models.CapabilityKey) (*models.DirectoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("directory entry %+v: %w", key, models.ErrNotFound)
	}
	return &e, nil
}

func (r *Repository) ListByNode(ctx context.Context, nodeID models.NodeID) ([]models.DirectoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DirectoryEntry, 0, 16)
	for key, e := range r.entries {
		if key.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Repository) List(ctx context.Context) ([]models.DirectoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DirectoryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out, nil
}

func (r *Repository) Upsert(ctx context.Context, entry models.DirectoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Key] = entry
	return nil
}

func (r *Repository) Delete(ctx context.Context, key models.CapabilityKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), nil
}

func (r *Repository) CountStale(ctx context.Context, now time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stale := 0
	for _, e := range r.entries {
		if e.Stale(now) {
			stale++
		}
	}
	return stale, nil
}
