package scheduler

import (
	"context"
	"time"

	"github.com/oceangrid/dirsync/internal/models"
	"github.com/oceangrid/dirsync/internal/rules"
)

type RuleEvaluator interface {
	Evaluate(ctx context.Context, event rules.Event) error
}

// RunTTLMonitor periodically scans for newly stale directory entries and
// fires an ON_TTL_EXPIRY rule event per (node, product) scope, once per
// expiry generation.
func (s *Scheduler) RunTTLMonitor(ctx context.Context, interval time.Duration, evaluator RuleEvaluator) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	notified := make(map[models.CapabilityKey]time.Time)
	s.log.Info().Msgf("ttl monitor started with interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("ttl monitor stopped")
			return
		case <-ticker.C:
			s.tickTTL(ctx, evaluator, notified)
		}
	}
}

func (s *Scheduler) tickTTL(ctx context.Context, evaluator RuleEvaluator, notified map[models.CapabilityKey]time.Time) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("ttl monitor: failed to list entries")
		return
	}
	now := time.Now()
	seen := make(map[models.CapabilityKey]struct{}, len(entries))
	fired := make(map[rules.Event]struct{})
	for _, e := range entries {
		seen[e.Key] = struct{}{}
		if !e.Stale(now) {
			continue
		}
		if notified[e.Key].Equal(e.ExpiresAt) {
			continue
		}
		notified[e.Key] = e.ExpiresAt
		event := rules.Event{
			Trigger:     models.TriggerTTLExpiry,
			NodeID:      e.Key.NodeID,
			ProductType: e.Key.ProductType,
		}
		if _, done := fired[event]; done {
			continue
		}
		fired[event] = struct{}{}
		if err := evaluator.Evaluate(ctx, event); err != nil {
			s.log.Error().Err(err).Msgf("ttl monitor: rule evaluation failed for %+v", e.Key)
		}
	}
	for key := range notified {
		if _, ok := seen[key]; !ok {
			delete(notified, key)
		}
	}
}
