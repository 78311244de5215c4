package scheduler

import (
	"sync"

	"github.com/oceangrid/dirsync/internal/models"
)

// scopeLocks serializes sync passes: a FULL task excludes every NODE task and
// vice versa, while NODE tasks for disjoint nodes run concurrently. Callers
// must release via the returned function on all exit paths.
type scopeLocks struct {
	scope sync.RWMutex

	mu    sync.Mutex
	nodes map[models.NodeID]*sync.Mutex
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{
		nodes: make(map[models.NodeID]*sync.Mutex),
	}
}

// lockFull acquires exclusive ownership over the whole hierarchy.
func (l *scopeLocks) lockFull() (release func()) {
	l.scope.Lock()
	return l.scope.Unlock
}

// lockNode acquires ownership of a single node. It holds the scope lock
// shared, so NODE tasks block FULL tasks but not each other.
func (l *scopeLocks) lockNode(id models.NodeID) (release func()) {
	l.scope.RLock()
	nm := l.nodeMutex(id)
	nm.Lock()
	return func() {
		nm.Unlock()
		l.scope.RUnlock()
	}
}

func (l *scopeLocks) nodeMutex(id models.NodeID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	nm, ok := l.nodes[id]
	if !ok {
		nm = &sync.Mutex{}
		l.nodes[id] = nm
	}
	return nm
}
