// Package scheduler owns the sync task queue: it enforces scope locking,
// drives the reconciler over the hierarchy, retries transient fetch failures
// and tracks task status and history.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/oceangrid/dirsync/internal/directory"
	"github.com/oceangrid/dirsync/internal/hierarchy"
	"github.com/oceangrid/dirsync/internal/metrics"
	"github.com/oceangrid/dirsync/internal/models"
	"github.com/oceangrid/dirsync/internal/reconciler"
)

const defaultFetchAttempts = 3

type NodeReconciler interface {
	ReconcileNode(ctx context.Context, nodeID models.NodeID, taskID models.TaskID) (reconciler.Result, error)
	RecordFetchFailure(nodeID models.NodeID)
}

type Notifier interface {
	Notify(event models.ChangeEvent)
}

type Scheduler struct {
	baseCtx   context.Context
	hierarchy *hierarchy.Store
	rec       NodeReconciler
	repo      directory.Repository
	notifier  Notifier

	locks   *scopeLocks
	tasks   *taskStore
	limiter *rate.Limiter
	met     metrics.Metrics

	fetchAttempts uint

	mu           sync.Mutex
	lastFullSync time.Time

	log zerolog.Logger
}

// New creates a Scheduler. baseCtx bounds the lifetime of background task
// goroutines: cancelling it cancels in-flight tasks at their next per-node
// checkpoint.
func New(
	baseCtx context.Context,
	hier *hierarchy.Store,
	rec NodeReconciler,
	repo directory.Repository,
	notifier Notifier,
	met metrics.Metrics,
	logger zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		baseCtx:       baseCtx,
		hierarchy:     hier,
		rec:           rec,
		repo:          repo,
		notifier:      notifier,
		locks:         newScopeLocks(),
		tasks:         newTaskStore(defaultHistoryLimit),
		limiter:       rate.NewLimiter(rate.Every(50*time.Millisecond), 10),
		met:           met,
		fetchAttempts: defaultFetchAttempts,
		log:           logger.With().Str("component", "scheduler").Logger(),
	}
}

// Submit validates and enqueues a sync task, returning promptly; the caller
// polls Status for completion. NODE scope fails with NotFound for unknown
// node ids before any task is created.
func (s *Scheduler) Submit(ctx context.Context, scope models.SyncScope) (models.SyncTask, error) {
	if scope.Kind == models.ScopeNode {
		if _, err := s.hierarchy.Get(scope.NodeID); err != nil {
			return models.SyncTask{}, err
		}
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return models.SyncTask{}, &models.SchedulerFault{Err: fmt.Errorf("failed to generate task id: %w", err)}
	}
	task := models.SyncTask{
		ID:     models.TaskID(id),
		Scope:  scope,
		Status: models.TaskPending,
	}
	s.tasks.add(task)
	s.met.Increment("scheduler.task.submitted")
	s.log.Info().Msgf("submitted task %s with scope %s", task.ID, scope)

	go s.runTask(task.ID, scope)
	return task, nil
}

// Status returns the task with the given id, or the most recent task when id
// is empty.
func (s *Scheduler) Status(id models.TaskID) (models.SyncTask, error) {
	if id == "" {
		return s.tasks.latest()
	}
	return s.tasks.get(id)
}

// Stats returns the directory observability snapshot.
func (s *Scheduler) Stats(ctx context.Context) (models.DirectoryStats, error) {
	entryCount, err := s.repo.Count(ctx)
	if err != nil {
		return models.DirectoryStats{}, &models.SchedulerFault{Err: err}
	}
	staleCount, err := s.repo.CountStale(ctx, time.Now())
	if err != nil {
		return models.DirectoryStats{}, &models.SchedulerFault{Err: err}
	}
	s.mu.Lock()
	lastFull := s.lastFullSync
	s.mu.Unlock()
	return models.DirectoryStats{
		EntryCount:      entryCount,
		NodeCount:       s.hierarchy.Count(),
		LastFullSyncAt:  lastFull,
		StaleEntryCount: staleCount,
	}, nil
}

// CleanupExpired removes entries that have aged past their TTL and whose
// owning node is confirmed reachable yet no longer advertising the
// capability. TTL age alone never deletes: unreachable nodes keep their
// last-known-good entries.
func (s *Scheduler) CleanupExpired(ctx context.Context) (int, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return 0, &models.SchedulerFault{Err: err}
	}
	var (
		now     = time.Now()
		removed = 0
	)
	for _, e := range entries {
		if !e.Stale(now) || e.MissedPasses == 0 {
			continue
		}
		node, err := s.hierarchy.Get(e.Key.NodeID)
		if err != nil {
			// Node record gone: the capability owner no longer exists.
			node = models.Node{Health: models.HealthHealthy}
		}
		if node.Health == models.HealthOffline || node.ConsecutiveFailures > 0 {
			continue
		}
		if err := s.repo.Delete(ctx, e.Key); err != nil {
			return removed, &models.SchedulerFault{Err: err}
		}
		removed++
		s.notifier.Notify(models.ChangeEvent{
			Type:           models.EventEntryRemoved,
			Key:            e.Key,
			OldFingerprint: e.Fingerprint,
			Time:           now,
		})
	}
	if removed > 0 {
		s.met.Gauge("directory.cleanup.removed", removed)
		s.log.Info().Msgf("cleanup removed %d expired confirmed-absent entries", removed)
	}
	return removed, nil
}

func (s *Scheduler) runTask(id models.TaskID, scope models.SyncScope) {
	var release func()
	if scope.Kind == models.ScopeFull {
		release = s.locks.lockFull()
	} else {
		release = s.locks.lockNode(scope.NodeID)
	}
	defer release()

	s.tasks.update(id, func(t *models.SyncTask) {
		t.Status = models.TaskRunning
		t.StartedAt = time.Now()
	})

	started := time.Now()
	var err error
	if scope.Kind == models.ScopeFull {
		err = s.runFull(s.baseCtx, id)
	} else {
		err = s.runNode(s.baseCtx, id, scope.NodeID)
	}
	s.met.Duration("scheduler.task.duration", time.Since(started))

	s.tasks.update(id, func(t *models.SyncTask) {
		t.CompletedAt = time.Now()
		if err != nil {
			t.Status = models.TaskFailed
			t.Error = err.Error()
			return
		}
		t.Status = models.TaskSucceeded
	})
	if err != nil {
		s.met.Increment("scheduler.task.failed")
		s.log.Error().Err(err).Msgf("task %s failed", id)
		return
	}
	s.log.Info().Msgf("task %s completed in %s", id, time.Since(started))
}

// runFull reconciles every active node in pre-order. Per-node fetch failures
// are absorbed into the failed-node counter (partial success); only scheduler
// faults or cancellation fail the task. Cancellation is honored at the
// checkpoint between nodes, never mid-fetch.
func (s *Scheduler) runFull(ctx context.Context, taskID models.TaskID) error {
	nodes := s.hierarchy.AllActive()
	for _, node := range nodes {
		if ctx.Err() != nil {
			return fmt.Errorf("task cancelled: %w", ctx.Err())
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("task cancelled: %w", err)
		}
		result, err := s.reconcileWithRetry(ctx, node.ID, taskID)
		if err != nil {
			if models.IsSchedulerFault(err) {
				return err
			}
			s.met.Increment("scheduler.node.failed")
			s.tasks.update(taskID, func(t *models.SyncTask) {
				t.Counters.FailedNodes++
			})
			continue
		}
		s.applyResult(taskID, result)
	}
	s.mu.Lock()
	s.lastFullSync = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) runNode(ctx context.Context, taskID models.TaskID, nodeID models.NodeID) error {
	result, err := s.reconcileWithRetry(ctx, nodeID, taskID)
	if err != nil {
		s.tasks.update(taskID, func(t *models.SyncTask) {
			t.Counters.FailedNodes++
		})
		return err
	}
	s.applyResult(taskID, result)
	return nil
}

// reconcileWithRetry retries transient fetch failures with exponential
// backoff. Scheduler faults and missing nodes are surfaced immediately. The
// node failure counter moves once per exhausted pass, not once per attempt,
// so the offline threshold counts distinct passes.
func (s *Scheduler) reconcileWithRetry(ctx context.Context, nodeID models.NodeID, taskID models.TaskID) (reconciler.Result, error) {
	var result reconciler.Result
	err := retry.Do(
		func() error {
			var err error
			result, err = s.rec.ReconcileNode(ctx, nodeID, taskID)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.fetchAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(models.IsFetchError),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			s.log.Warn().Err(err).Msgf("failed to reconcile node %s, attempt: %d", nodeID, attempt)
		}),
	)
	if err != nil && models.IsFetchError(err) {
		s.rec.RecordFetchFailure(nodeID)
	}
	return result, err
}

func (s *Scheduler) applyResult(taskID models.TaskID, result reconciler.Result) {
	s.tasks.update(taskID, func(t *models.SyncTask) {
		t.Counters.EntriesCreated += result.Created
		t.Counters.EntriesUpdated += result.Updated
		t.Counters.EntriesRemoved += result.Removed
	})
}
