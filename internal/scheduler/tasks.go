package scheduler

import (
	"fmt"
	"sync"

	"github.com/oceangrid/dirsync/internal/models"
)

const defaultHistoryLimit = 100

// taskStore retains sync tasks for a bounded history window. Status
// transitions are monotonic: terminal tasks are never mutated again.
type taskStore struct {
	mu    sync.RWMutex
	tasks map[models.TaskID]*models.SyncTask
	order []models.TaskID
	limit int
}

func newTaskStore(limit int) *taskStore {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &taskStore{
		tasks: make(map[models.TaskID]*models.SyncTask),
		limit: limit,
	}
}

func (s *taskStore) add(task models.SyncTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = &task
	s.order = append(s.order, task.ID)
	for len(s.order) > s.limit {
		delete(s.tasks, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *taskStore) get(id models.TaskID) (models.SyncTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.SyncTask{}, fmt.Errorf("task %q: %w", id, models.ErrNotFound)
	}
	return *t, nil
}

func (s *taskStore) latest() (models.SyncTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return models.SyncTask{}, fmt.Errorf("no sync tasks recorded yet: %w", models.ErrNotFound)
	}
	return *s.tasks[s.order[len(s.order)-1]], nil
}

// update mutates a task under the store lock. Mutations of terminal tasks are
// ignored to keep transitions monotonic.
func (s *taskStore) update(id models.TaskID, mutate func(*models.SyncTask)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		return
	}
	mutate(t)
}
