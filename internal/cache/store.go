// Package cache holds cached response artifacts keyed by capability and
// request-parameter fingerprint, with version-tag freshness against the
// directory.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oceangrid/dirsync/internal/directory"
	"github.com/oceangrid/dirsync/internal/models"
)

type Store struct {
	mu      sync.RWMutex
	entries map[models.CacheKey]models.CacheEntry

	repo directory.Repository
	log  zerolog.Logger
}

func NewStore(repo directory.Repository, logger zerolog.Logger) *Store {
	return &Store{
		entries: make(map[models.CacheKey]models.CacheEntry, 256),
		repo:    repo,
		log:     logger.With().Str("component", "cache").Logger(),
	}
}

// Get returns the entry for key, treating it as a miss when it has expired by
// time or when its version tag no longer matches the current directory
// fingerprint for its capability. Stale content is never served as fresh,
// even before physical eviction.
func (s *Store) Get(ctx context.Context, key models.CacheKey) (*models.CacheEntry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	current, err := s.repo.Get(ctx, key.Capability)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.log.Warn().Err(err).Msgf("freshness check failed for %+v", key.Capability)
		}
		return nil, false
	}
	if current.Fingerprint != entry.VersionTag {
		s.log.Debug().Msgf("logically invalidated entry for %+v: version %s != %s",
			key.Capability, entry.VersionTag, current.Fingerprint)
		return nil, false
	}
	return &entry, true
}

func (s *Store) Put(ctx context.Context, key models.CacheKey, payload []byte, versionTag models.Fingerprint, ttl time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = models.CacheEntry{
		Key:        key,
		Payload:    payload,
		VersionTag: versionTag,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

func (s *Store) Evict(key models.CacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// EvictWhere removes every entry matching the given filters. At least one
// filter must be set: manual invalidation is always scoped, an unscoped call
// is rejected before any eviction.
func (s *Store) EvictWhere(ctx context.Context, nodeID *models.NodeID, productType *models.ProductType) (int, error) {
	if nodeID == nil && productType == nil {
		return 0, models.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key := range s.entries {
		if nodeID != nil && key.Capability.NodeID != *nodeID {
			continue
		}
		if productType != nil && key.Capability.ProductType != *productType {
			continue
		}
		delete(s.entries, key)
		evicted++
	}
	if evicted > 0 {
		s.log.Info().Msgf("evicted %d cache entries (node=%v, product=%v)", evicted, nodeID, productType)
	}
	return evicted, nil
}

// Len returns the number of physically present entries, fresh or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
