// Package rules evaluates configured invalidation rules against directory
// change events, TTL expiries and manual triggers, and applies their actions
// to the cache store.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oceangrid/dirsync/internal/models"
)

type CacheEvictor interface {
	EvictWhere(ctx context.Context, nodeID *models.NodeID, productType *models.ProductType) (int, error)
}

type StrategyInvoker interface {
	OnInvalidate(ctx context.Context, nodeID models.NodeID, productType models.ProductType) error
}

// Event is the normalized input to rule evaluation.
type Event struct {
	Trigger     models.RuleTrigger
	NodeID      models.NodeID
	ProductType models.ProductType
}

// FromChange maps a reconciliation change event to a rule-engine event.
// Only entry-changed and entry-removed participate in rule evaluation.
func FromChange(event models.ChangeEvent) (Event, bool) {
	switch event.Type {
	case models.EventEntryChanged, models.EventEntryRemoved:
		return Event{
			Trigger:     models.TriggerDirectoryChange,
			NodeID:      event.Key.NodeID,
			ProductType: event.Key.ProductType,
		}, true
	}
	return Event{}, false
}

// RuleUpdate is a partial-field update; nil fields are left unchanged.
type RuleUpdate struct {
	NodePattern    *string             `json:"node_pattern,omitempty"`
	ProductPattern *string             `json:"product_pattern,omitempty"`
	Trigger        *models.RuleTrigger `json:"trigger,omitempty"`
	Action         *models.RuleAction  `json:"action,omitempty"`
}

type Engine struct {
	mu    sync.RWMutex
	rules []models.InvalidationRule

	cache      CacheEvictor
	strategies StrategyInvoker
	log        zerolog.Logger
}

func NewEngine(cache CacheEvictor, strategies StrategyInvoker, logger zerolog.Logger) *Engine {
	return &Engine{
		cache:      cache,
		strategies: strategies,
		log:        logger.With().Str("component", "rule-engine").Logger(),
	}
}

// AddRule registers a rule. Rules keep insertion order: later matching rules
// may re-evict an already-evicted key, which is idempotent.
func (e *Engine) AddRule(rule models.InvalidationRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.ID == rule.ID {
			return fmt.Errorf("rule %q already exists", rule.ID)
		}
	}
	e.rules = append(e.rules, rule)
	return nil
}

// UpdateRule applies a partial field update to an existing rule.
func (e *Engine) UpdateRule(id models.RuleID, update RuleUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID != id {
			continue
		}
		if update.NodePattern != nil {
			e.rules[i].NodePattern = *update.NodePattern
		}
		if update.ProductPattern != nil {
			e.rules[i].ProductPattern = *update.ProductPattern
		}
		if update.Trigger != nil {
			e.rules[i].Trigger = *update.Trigger
		}
		if update.Action != nil {
			e.rules[i].Action = *update.Action
		}
		return nil
	}
	return fmt.Errorf("rule %q: %w", id, models.ErrNotFound)
}

// Rules returns a snapshot of the registered rules in evaluation order.
func (e *Engine) Rules() []models.InvalidationRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.InvalidationRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate applies every matching rule to the event in insertion order.
func (e *Engine) Evaluate(ctx context.Context, event Event) error {
	e.mu.RLock()
	matched := make([]models.InvalidationRule, 0, len(e.rules))
	for _, rule := range e.rules {
		if rule.Trigger != event.Trigger {
			continue
		}
		if !models.MatchScope(rule.NodePattern, rule.ProductPattern, event.NodeID, event.ProductType) {
			continue
		}
		matched = append(matched, rule)
	}
	e.mu.RUnlock()

	for _, rule := range matched {
		var (
			nodeFilter    *models.NodeID
			productFilter *models.ProductType
		)
		if event.NodeID != "" {
			nodeFilter = &event.NodeID
		}
		if event.ProductType != "" {
			productFilter = &event.ProductType
		}
		evicted, err := e.cache.EvictWhere(ctx, nodeFilter, productFilter)
		if err != nil {
			return fmt.Errorf("rule %s eviction failed: %w", rule.ID, err)
		}
		e.log.Debug().Msgf("rule %s evicted %d entries for %s", rule.ID, evicted, event.Trigger)

		if rule.Action == models.ActionEvictAndRefresh {
			if err := e.strategies.OnInvalidate(ctx, event.NodeID, event.ProductType); err != nil {
				return fmt.Errorf("rule %s refresh failed: %w", rule.ID, err)
			}
		}
	}
	return nil
}

// ChangeSink adapts the engine to the event dispatcher.
type ChangeSink struct {
	engine *Engine
}

func NewChangeSink(engine *Engine) *ChangeSink {
	return &ChangeSink{engine: engine}
}

func (s *ChangeSink) HandleChange(event models.ChangeEvent) {
	ruleEvent, ok := FromChange(event)
	if !ok {
		return
	}
	if err := s.engine.Evaluate(context.Background(), ruleEvent); err != nil {
		s.engine.log.Error().Err(err).Msgf("failed to evaluate rules for %s", event)
	}
}
