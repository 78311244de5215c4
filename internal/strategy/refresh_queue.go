package strategy

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oceangrid/dirsync/internal/models"
)

const emptyQueueLoopInterval = 1 * time.Second

type refreshScope struct {
	NodeID      models.NodeID
	ProductType models.ProductType
}

type scheduledRefresh struct {
	scope   refreshScope
	applyAt time.Time
}

// refreshQueue is a min-time heap of pending scheduled refreshes. Multiple
// invalidations of the same scope within its interval coalesce into a single
// queued refresh.
type refreshQueue struct {
	guard   sync.Mutex
	pending timeBasedHeap
	wake    chan struct{}
	execute func(ctx context.Context, scope refreshScope) error
}

func newRefreshQueue(execute func(ctx context.Context, scope refreshScope) error) *refreshQueue {
	q := &refreshQueue{
		wake:    make(chan struct{}, 1),
		execute: execute,
	}
	heap.Init(&q.pending)
	return q
}

func (q *refreshQueue) schedule(scope refreshScope, interval time.Duration) {
	q.guard.Lock()
	defer q.guard.Unlock()

	index := slices.IndexFunc(q.pending, func(r scheduledRefresh) bool {
		return r.scope == scope
	})
	if index >= 0 {
		// Already queued: coalesce.
		return
	}
	heap.Push(&q.pending, scheduledRefresh{
		scope:   scope,
		applyAt: time.Now().Add(interval),
	})
	// The run loop may be sleeping until a later deadline; nudge it so the
	// new head is picked up without waiting that sleep out.
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *refreshQueue) next() *scheduledRefresh {
	q.guard.Lock()
	defer q.guard.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return &q.pending[0]
}

func (q *refreshQueue) popDue(now time.Time) (refreshScope, bool) {
	q.guard.Lock()
	defer q.guard.Unlock()
	if len(q.pending) == 0 || q.pending[0].applyAt.After(now) {
		return refreshScope{}, false
	}
	due := heap.Pop(&q.pending).(scheduledRefresh)
	return due.scope, true
}

func (q *refreshQueue) run(ctx context.Context) {
	for {
		wakeAt := time.Now().Add(emptyQueueLoopInterval)
		if next := q.next(); next != nil {
			wakeAt = next.applyAt
		}
		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			// Deadline may have moved; recompute from the heap top.
			timer.Stop()
			continue
		case <-timer.C:
		}
		for {
			scope, ok := q.popDue(time.Now())
			if !ok {
				break
			}
			if err := q.execute(ctx, scope); err != nil {
				log.Error().Err(err).Msgf("scheduled refresh failed for %+v", scope)
			}
		}
	}
}

type timeBasedHeap []scheduledRefresh

func (t timeBasedHeap) Len() int { return len(t) }

func (t timeBasedHeap) Less(i int, j int) bool {
	return t[i].applyAt.Before(t[j].applyAt)
}

func (t timeBasedHeap) Swap(i int, j int) {
	t[i], t[j] = t[j], t[i]
}

func (t *timeBasedHeap) Push(x any) {
	*t = append(*t, x.(scheduledRefresh))
}

func (t *timeBasedHeap) Pop() any {
	if t.Len() == 0 {
		return nil
	}
	topVal := (*t)[t.Len()-1]
	*t = (*t)[:t.Len()-1]
	return topVal
}
