package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceangrid/dirsync/internal/models"
	"github.com/oceangrid/dirsync/internal/rules"
)

type recordingEvaluator struct {
	mu     sync.Mutex
	events []rules.Event
}

func (r *recordingEvaluator) Evaluate(ctx context.Context, event rules.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvaluator) snapshot() []rules.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rules.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestTTLMonitor_FiresOncePerExpiryGeneration(t *testing.T) {
	s, repo := newScheduler(t, sixNodeTree(t), newFakeRec())
	ctx := context.Background()
	now := time.Now()

	stale := models.DirectoryEntry{
		Key:       models.CapabilityKey{NodeID: "leaf-b1", ProductType: "S-101", ServiceType: "WMS"},
		ExpiresAt: now.Add(-time.Minute),
	}
	fresh := models.DirectoryEntry{
		Key:       models.CapabilityKey{NodeID: "leaf-b1", ProductType: "S-102", ServiceType: "WCS"},
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, repo.Upsert(ctx, stale))
	require.NoError(t, repo.Upsert(ctx, fresh))

	evaluator := &recordingEvaluator{}
	notified := make(map[models.CapabilityKey]time.Time)

	s.tickTTL(ctx, evaluator, notified)
	events := evaluator.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, models.TriggerTTLExpiry, events[0].Trigger)
	assert.Equal(t, models.NodeID("leaf-b1"), events[0].NodeID)
	assert.Equal(t, models.ProductType("S-101"), events[0].ProductType)

	// Same expiry generation: no re-fire.
	s.tickTTL(ctx, evaluator, notified)
	assert.Len(t, evaluator.snapshot(), 1)

	// Refreshed and expired again: fires again.
	stale.ExpiresAt = now.Add(-30 * time.Second)
	require.NoError(t, repo.Upsert(ctx, stale))
	s.tickTTL(ctx, evaluator, notified)
	assert.Len(t, evaluator.snapshot(), 2)
}

func TestTTLMonitor_ForgetsDeletedEntries(t *testing.T) {
	s, repo := newScheduler(t, sixNodeTree(t), newFakeRec())
	ctx := context.Background()

	entry := models.DirectoryEntry{
		Key:       models.CapabilityKey{NodeID: "leaf-b1", ProductType: "S-101", ServiceType: "WMS"},
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, repo.Upsert(ctx, entry))

	evaluator := &recordingEvaluator{}
	notified := make(map[models.CapabilityKey]time.Time)
	s.tickTTL(ctx, evaluator, notified)
	require.Len(t, notified, 1)

	require.NoError(t, repo.Delete(ctx, entry.Key))
	s.tickTTL(ctx, evaluator, notified)
	assert.Empty(t, notified)
}
