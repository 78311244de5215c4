// Package directory defines the persistence interface for DirectoryEntry
// records. Implementations include an in-memory repository (dev/testing,
// single instance) and a postgres-backed one.
package directory

import (
	"context"
	"time"

	"github.com/oceangrid/dirsync/internal/models"
)

// Repository stores the authoritative directory. Writes are atomic per entry
// keyed by CapabilityKey, so concurrent readers see either the old or the new
// entry, never a torn intermediate state.
type Repository interface {
	Get(ctx context.Context, key models.CapabilityKey) (*models.DirectoryEntry, error)
	ListByNode(ctx context.Context, nodeID models.NodeID) ([]models.DirectoryEntry, error)
	List(ctx context.Context) ([]models.DirectoryEntry, error)
	Upsert(ctx context.Context, entry models.DirectoryEntry) error
	Delete(ctx context.Context, key models.CapabilityKey) error
	Count(ctx context.Context) (int, error)
	CountStale(ctx context.Context, now time.Time) (int, error)
}
