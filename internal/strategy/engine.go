// Package strategy decides how invalidated cache entries are repopulated:
// eagerly, lazily on next read, or on a coalesced schedule.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oceangrid/dirsync/internal/directory"
	"github.com/oceangrid/dirsync/internal/models"
)

// Repopulator is the external content-generation collaborator that produces
// the payload for a capability.
type Repopulator interface {
	Repopulate(ctx context.Context, key models.CapabilityKey) ([]byte, error)
}

type CacheWriter interface {
	Put(ctx context.Context, key models.CacheKey, payload []byte, versionTag models.Fingerprint, ttl time.Duration)
}

// StrategyUpdate is a partial-field update; nil fields are left unchanged.
type StrategyUpdate struct {
	NodePattern    *string              `json:"node_pattern,omitempty"`
	ProductPattern *string              `json:"product_pattern,omitempty"`
	Policy         *models.UpdatePolicy `json:"policy,omitempty"`
	Interval       *time.Duration       `json:"interval,omitempty"`
}

type Engine struct {
	mu         sync.RWMutex
	strategies []models.UpdateStrategy

	repop    Repopulator
	repo     directory.Repository
	cache    CacheWriter
	cacheTTL time.Duration
	queue    *refreshQueue

	log zerolog.Logger
}

func NewEngine(
	repop Repopulator,
	repo directory.Repository,
	cache CacheWriter,
	cacheTTL time.Duration,
	logger zerolog.Logger,
) *Engine {
	e := &Engine{
		repop:    repop,
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		log:      logger.With().Str("component", "strategy-engine").Logger(),
	}
	e.queue = newRefreshQueue(e.refreshScope)
	return e
}

// AddStrategy registers a strategy; registration order breaks specificity
// ties.
func (e *Engine) AddStrategy(s models.UpdateStrategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.strategies {
		if existing.ID == s.ID {
			return fmt.Errorf("strategy %q already exists", s.ID)
		}
	}
	e.strategies = append(e.strategies, s)
	return nil
}

// UpdateStrategy applies a partial field update to an existing strategy.
func (e *Engine) UpdateStrategy(id models.StrategyID, update StrategyUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.strategies {
		if e.strategies[i].ID != id {
			continue
		}
		if update.NodePattern != nil {
			e.strategies[i].NodePattern = *update.NodePattern
		}
		if update.ProductPattern != nil {
			e.strategies[i].ProductPattern = *update.ProductPattern
		}
		if update.Policy != nil {
			e.strategies[i].Policy = *update.Policy
		}
		if update.Interval != nil {
			e.strategies[i].Interval = *update.Interval
		}
		return nil
	}
	return fmt.Errorf("strategy %q: %w", id, models.ErrNotFound)
}

// RunScheduledRefreshes drives the SCHEDULED_REFRESH queue until ctx is
// cancelled.
func (e *Engine) RunScheduledRefreshes(ctx context.Context) {
	e.queue.run(ctx)
}

// OnInvalidate applies the most specific matching strategy to the invalidated
// scope. No matching strategy means lazy repopulation by default.
func (e *Engine) OnInvalidate(ctx context.Context, nodeID models.NodeID, productType models.ProductType) error {
	chosen, ok := e.lookup(nodeID, productType)
	if !ok {
		return nil
	}
	switch chosen.Policy {
	case models.PolicyEagerRefresh:
		return e.refreshScope(ctx, refreshScope{NodeID: nodeID, ProductType: productType})
	case models.PolicyLazyOnDemand:
		// Next cache miss triggers regeneration by the caller.
		return nil
	case models.PolicyScheduledRefresh:
		e.queue.schedule(refreshScope{NodeID: nodeID, ProductType: productType}, chosen.Interval)
		return nil
	}
	return fmt.Errorf("strategy %s has unknown policy %q", chosen.ID, chosen.Policy)
}

// lookup picks the most specific matching strategy: exact scope fields beat
// prefix patterns beat wildcards, earlier registration wins ties.
func (e *Engine) lookup(nodeID models.NodeID, productType models.ProductType) (models.UpdateStrategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		best      models.UpdateStrategy
		bestScore = -1
	)
	for _, s := range e.strategies {
		if !models.MatchScope(s.NodePattern, s.ProductPattern, nodeID, productType) {
			continue
		}
		score := patternScore(s.NodePattern) + patternScore(s.ProductPattern)
		if score > bestScore {
			best = s
			bestScore = score
		}
	}
	return best, bestScore >= 0
}

func patternScore(pattern string) int {
	switch {
	case pattern == "" || pattern == "*":
		return 0
	case strings.HasSuffix(pattern, "*"):
		return 1
	default:
		return 2
	}
}

// refreshScope regenerates every directory entry in scope and writes the
// result back tagged with the entry's current fingerprint.
func (e *Engine) refreshScope(ctx context.Context, scope refreshScope) error {
	var (
		entries []models.DirectoryEntry
		err     error
	)
	if scope.NodeID != "" {
		entries, err = e.repo.ListByNode(ctx, scope.NodeID)
	} else {
		entries, err = e.repo.List(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to list entries for refresh: %w", err)
	}

	for _, entry := range entries {
		if scope.ProductType != "" && entry.Key.ProductType != scope.ProductType {
			continue
		}
		payload, err := e.repop.Repopulate(ctx, entry.Key)
		if err != nil {
			e.log.Error().Err(err).Msgf("failed to repopulate %+v, left for lazy regeneration", entry.Key)
			continue
		}
		e.cache.Put(ctx, models.CacheKey{Capability: entry.Key, Params: "0"}, payload, entry.Fingerprint, e.cacheTTL)
		e.log.Debug().Msgf("repopulated %+v with version %s", entry.Key, entry.Fingerprint)
	}
	return nil
}
