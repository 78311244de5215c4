package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceangrid/dirsync/internal/directory/inmemory"
	"github.com/oceangrid/dirsync/internal/hierarchy"
	"github.com/oceangrid/dirsync/internal/metrics"
	"github.com/oceangrid/dirsync/internal/models"
	"github.com/oceangrid/dirsync/internal/reconciler"
)

func ptr(id models.NodeID) *models.NodeID { return &id }

func sixNodeTree(t *testing.T) *hierarchy.Store {
	t.Helper()
	tree := hierarchy.NewStore()
	require.NoError(t, tree.Load([]models.Node{
		{ID: "root", Level: 0, Type: models.NodeTypeRoot, Active: true, Health: models.HealthHealthy},
		{ID: "nat-a", ParentID: ptr("root"), Level: 1, Type: models.NodeTypeNational, Active: true, Health: models.HealthHealthy},
		{ID: "nat-b", ParentID: ptr("root"), Level: 1, Type: models.NodeTypeNational, Active: true, Health: models.HealthHealthy},
		{ID: "reg-a1", ParentID: ptr("nat-a"), Level: 2, Type: models.NodeTypeRegional, Active: true, Health: models.HealthHealthy},
		{ID: "leaf-a1x", ParentID: ptr("reg-a1"), Level: 3, Type: models.NodeTypeLeaf, Active: true, Health: models.HealthHealthy},
		{ID: "leaf-b1", ParentID: ptr("nat-b"), Level: 2, Type: models.NodeTypeLeaf, Active: true, Health: models.HealthHealthy},
	}))
	return tree
}

// fakeRec is a programmable NodeReconciler that records per-node call counts
// and tracks which tasks reconcile concurrently.
type fakeRec struct {
	mu       sync.Mutex
	fail     map[models.NodeID]error
	calls    map[models.NodeID]int
	results  map[models.NodeID]reconciler.Result
	recorded map[models.NodeID]int
	active   map[models.TaskID]int

	delay       time.Duration
	inFlight    atomic.Int32
	maxFlight   atomic.Int32
	watchedTask atomic.Value // models.TaskID
	overlap     atomic.Bool
}

func newFakeRec() *fakeRec {
	return &fakeRec{
		fail:     make(map[models.NodeID]error),
		calls:    make(map[models.NodeID]int),
		results:  make(map[models.NodeID]reconciler.Result),
		recorded: make(map[models.NodeID]int),
		active:   make(map[models.TaskID]int),
	}
}

func (f *fakeRec) RecordFetchFailure(nodeID models.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[nodeID]++
}

func (f *fakeRec) ReconcileNode(ctx context.Context, nodeID models.NodeID, taskID models.TaskID) (reconciler.Result, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxFlight.Load()
		if cur <= max || f.maxFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	f.mu.Lock()
	f.active[taskID]++
	f.checkOverlapLocked()
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[taskID]--
		if f.active[taskID] == 0 {
			delete(f.active, taskID)
		}
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[nodeID]++
	if err, ok := f.fail[nodeID]; ok {
		return reconciler.Result{}, err
	}
	return f.results[nodeID], nil
}

// checkOverlapLocked flags any reconciliation running while the watched task
// also has one in flight.
func (f *fakeRec) checkOverlapLocked() {
	watched, ok := f.watchedTask.Load().(models.TaskID)
	if !ok {
		return
	}
	if f.active[watched] > 0 && len(f.active) > 1 {
		f.overlap.Store(true)
	}
}

func newScheduler(t *testing.T, tree *hierarchy.Store, rec NodeReconciler) (*Scheduler, *inmemory.Repository) {
	t.Helper()
	repo := inmemory.New()
	s := New(context.Background(), tree, rec, repo, &nopNotifier{}, metrics.Noop{}, zerolog.Nop())
	return s, repo
}

type nopNotifier struct{}

func (nopNotifier) Notify(models.ChangeEvent) {}

func waitTerminal(t *testing.T, s *Scheduler, id models.TaskID) models.SyncTask {
	t.Helper()
	var task models.SyncTask
	require.Eventually(t, func() bool {
		var err error
		task, err = s.Status(id)
		require.NoError(t, err)
		return task.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

func TestSubmit_UnknownNode(t *testing.T) {
	s, _ := newScheduler(t, sixNodeTree(t), newFakeRec())

	_, err := s.Submit(context.Background(), models.SyncScope{Kind: models.ScopeNode, NodeID: "ghost"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.Status("")
	assert.ErrorIs(t, err, models.ErrNotFound, "no task may be recorded for a rejected submission")
}

func TestFullSync_PartialSuccess(t *testing.T) {
	rec := newFakeRec()
	rec.fail["leaf-a1x"] = &models.FetchError{Kind: models.FetchUnreachable, Node: "leaf-a1x", Err: errors.New("refused")}
	rec.results["root"] = reconciler.Result{Created: 2}
	rec.results["nat-a"] = reconciler.Result{Created: 1, Updated: 1}
	s, _ := newScheduler(t, sixNodeTree(t), rec)

	task, err := s.Submit(context.Background(), models.SyncScope{Kind: models.ScopeFull})
	require.NoError(t, err)

	done := waitTerminal(t, s, task.ID)
	assert.Equal(t, models.TaskSucceeded, done.Status, "per-node fetch failures must not fail a FULL task")
	assert.Equal(t, 1, done.Counters.FailedNodes)
	assert.Equal(t, 3, done.Counters.EntriesCreated)
	assert.Equal(t, 1, done.Counters.EntriesUpdated)

	// The failing node was retried, the healthy ones were not.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 3, rec.calls["leaf-a1x"])
	assert.Equal(t, 1, rec.calls["root"])
}

func TestFullSync_RetryRecovers(t *testing.T) {
	rec := newFakeRec()
	failuresLeft := 2
	flaky := &flakyRec{inner: rec, failuresLeft: &failuresLeft}
	s, _ := newScheduler(t, sixNodeTree(t), flaky)

	task, err := s.Submit(context.Background(), models.SyncScope{Kind: models.ScopeNode, NodeID: "leaf-b1"})
	require.NoError(t, err)

	done := waitTerminal(t, s, task.ID)
	assert.Equal(t, models.TaskSucceeded, done.Status)
	assert.Zero(t, done.Counters.FailedNodes)

	// A pass that eventually succeeds records no failure.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Zero(t, rec.recorded["leaf-b1"])
}

type flakyRec struct {
	inner        *fakeRec
	mu           sync.Mutex
	failuresLeft *int
}

func (f *flakyRec) ReconcileNode(ctx context.Context, nodeID models.NodeID, taskID models.TaskID) (reconciler.Result, error) {
	f.mu.Lock()
	if *f.failuresLeft > 0 {
		*f.failuresLeft--
		f.mu.Unlock()
		return reconciler.Result{}, &models.FetchError{Kind: models.FetchTimeout, Node: nodeID, Err: errors.New("deadline")}
	}
	f.mu.Unlock()
	return f.inner.ReconcileNode(ctx, nodeID, taskID)
}

func (f *flakyRec) RecordFetchFailure(nodeID models.NodeID) {
	f.inner.RecordFetchFailure(nodeID)
}

func TestNodeSync_FailureFailsTask(t *testing.T) {
	rec := newFakeRec()
	rec.fail["leaf-b1"] = &models.FetchError{Kind: models.FetchTimeout, Node: "leaf-b1", Err: errors.New("deadline")}
	s, _ := newScheduler(t, sixNodeTree(t), rec)

	task, err := s.Submit(context.Background(), models.SyncScope{Kind: models.ScopeNode, NodeID: "leaf-b1"})
	require.NoError(t, err)

	done := waitTerminal(t, s, task.ID)
	assert.Equal(t, models.TaskFailed, done.Status)
	assert.Equal(t, 1, done.Counters.FailedNodes)
	assert.NotEmpty(t, done.Error)

	// Three fetch attempts, one failed pass, one recorded failure.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 3, rec.calls["leaf-b1"])
	assert.Equal(t, 1, rec.recorded["leaf-b1"])
}

type downFetcher struct{}

func (downFetcher) Fetch(ctx context.Context, node models.Node) ([]models.Capability, error) {
	return nil, &models.FetchError{Kind: models.FetchUnreachable, Node: node.ID, Err: errors.New("refused")}
}

// A single failed sync pass must advance the node failure counter by exactly
// one regardless of how many fetch attempts the retry policy spends, so the
// offline threshold measures distinct passes.
func TestNodeSync_FailedPassBumpsFailureOnce(t *testing.T) {
	tree := sixNodeTree(t)
	repo := inmemory.New()
	rec := reconciler.New(tree, downFetcher{}, repo, &nopNotifier{}, time.Hour, 3, zerolog.Nop())
	s := New(context.Background(), tree, rec, repo, &nopNotifier{}, metrics.Noop{}, zerolog.Nop())

	task, err := s.Submit(context.Background(), models.SyncScope{Kind: models.ScopeNode, NodeID: "leaf-b1"})
	require.NoError(t, err)
	done := waitTerminal(t, s, task.ID)
	assert.Equal(t, models.TaskFailed, done.Status)

	node, err := tree.Get("leaf-b1")
	require.NoError(t, err)
	assert.Equal(t, 1, node.ConsecutiveFailures)
	assert.Equal(t, models.HealthHealthy, node.Health)
}

func TestFullSync_SchedulerFaultFailsTask(t *testing.T) {
	rec := newFakeRec()
	rec.fail["nat-a"] = &models.SchedulerFault{Err: errors.New("store down")}
	s, _ := newScheduler(t, sixNodeTree(t), rec)

	task, err := s.Submit(context.Background(), models.SyncScope{Kind: models.ScopeFull})
	require.NoError(t, err)

	done := waitTerminal(t, s, task.ID)
	assert.Equal(t, models.TaskFailed, done.Status)
}

func TestScopeExclusion_FullBlocksNode(t *testing.T) {
	rec := newFakeRec()
	rec.delay = 20 * time.Millisecond
	s, _ := newScheduler(t, sixNodeTree(t), rec)
	ctx := context.Background()

	var tasks []models.TaskID
	full, err := s.Submit(ctx, models.SyncScope{Kind: models.ScopeFull})
	require.NoError(t, err)
	rec.watchedTask.Store(full.ID)
	tasks = append(tasks, full.ID)
	for _, id := range []models.NodeID{"leaf-a1x", "leaf-b1", "reg-a1"} {
		task, err := s.Submit(ctx, models.SyncScope{Kind: models.ScopeNode, NodeID: id})
		require.NoError(t, err)
		tasks = append(tasks, task.ID)
	}

	for _, id := range tasks {
		done := waitTerminal(t, s, id)
		assert.Equal(t, models.TaskSucceeded, done.Status)
	}
	assert.False(t, rec.overlap.Load(), "no NODE reconciliation may run while the FULL pass holds the scope")
}

func TestScopeExclusion_DisjointNodesRunConcurrently(t *testing.T) {
	rec := newFakeRec()
	rec.delay = 50 * time.Millisecond
	s, _ := newScheduler(t, sixNodeTree(t), rec)
	ctx := context.Background()

	var tasks []models.TaskID
	for _, id := range []models.NodeID{"leaf-a1x", "leaf-b1", "reg-a1", "nat-a"} {
		task, err := s.Submit(ctx, models.SyncScope{Kind: models.ScopeNode, NodeID: id})
		require.NoError(t, err)
		tasks = append(tasks, task.ID)
	}
	for _, id := range tasks {
		waitTerminal(t, s, id)
	}
	assert.Greater(t, rec.maxFlight.Load(), int32(1), "disjoint NODE tasks should overlap")
}

func TestStatus_LatestWhenIDEmpty(t *testing.T) {
	rec := newFakeRec()
	s, _ := newScheduler(t, sixNodeTree(t), rec)

	task, err := s.Submit(context.Background(), models.SyncScope{Kind: models.ScopeNode, NodeID: "leaf-b1"})
	require.NoError(t, err)
	waitTerminal(t, s, task.ID)

	latest, err := s.Status("")
	require.NoError(t, err)
	assert.Equal(t, task.ID, latest.ID)

	_, err = s.Status("ghost-task")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStats(t *testing.T) {
	rec := newFakeRec()
	s, repo := newScheduler(t, sixNodeTree(t), rec)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, repo.Upsert(ctx, models.DirectoryEntry{
		Key:       models.CapabilityKey{NodeID: "leaf-b1", ProductType: "S-101", ServiceType: "WMS"},
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, repo.Upsert(ctx, models.DirectoryEntry{
		Key:       models.CapabilityKey{NodeID: "leaf-b1", ProductType: "S-102", ServiceType: "WCS"},
		ExpiresAt: now.Add(time.Hour),
	}))

	task, err := s.Submit(ctx, models.SyncScope{Kind: models.ScopeFull})
	require.NoError(t, err)
	waitTerminal(t, s, task.ID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntryCount)
	assert.Equal(t, 6, stats.NodeCount)
	assert.Equal(t, 1, stats.StaleEntryCount)
	assert.False(t, stats.LastFullSyncAt.IsZero())
}

func TestCleanupExpired(t *testing.T) {
	rec := newFakeRec()
	tree := sixNodeTree(t)
	s, repo := newScheduler(t, tree, rec)
	ctx := context.Background()
	now := time.Now()

	// Expired and confirmed absent on a reachable node: removable.
	removable := models.CapabilityKey{NodeID: "leaf-b1", ProductType: "S-101", ServiceType: "WMS"}
	require.NoError(t, repo.Upsert(ctx, models.DirectoryEntry{
		Key: removable, ExpiresAt: now.Add(-time.Minute), MissedPasses: 1,
	}))
	// Expired but never missed: not confirmed absent.
	require.NoError(t, repo.Upsert(ctx, models.DirectoryEntry{
		Key:       models.CapabilityKey{NodeID: "leaf-b1", ProductType: "S-102", ServiceType: "WCS"},
		ExpiresAt: now.Add(-time.Minute),
	}))
	// Expired with misses but node unreachable: keep last-known-good.
	require.NoError(t, tree.SetHealth("leaf-a1x", models.HealthOffline))
	require.NoError(t, repo.Upsert(ctx, models.DirectoryEntry{
		Key:       models.CapabilityKey{NodeID: "leaf-a1x", ProductType: "S-101", ServiceType: "WMS"},
		ExpiresAt: now.Add(-time.Minute), MissedPasses: 1,
	}))
	// Fresh entry: untouched.
	require.NoError(t, repo.Upsert(ctx, models.DirectoryEntry{
		Key:       models.CapabilityKey{NodeID: "root", ProductType: "S-101", ServiceType: "WMS"},
		ExpiresAt: now.Add(time.Hour), MissedPasses: 1,
	}))

	removed, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, removable)
	assert.ErrorIs(t, err, models.ErrNotFound)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
