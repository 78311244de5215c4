// Package hierarchy holds the in-memory view over node records. The tree is
// owned by the node-management collaborator (mirrored from the registry); the
// engine reads it for traversal and writes back only health and sync
// bookkeeping.
package hierarchy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oceangrid/dirsync/internal/models"
)

type Store struct {
	mu       sync.RWMutex
	nodes    map[models.NodeID]models.Node
	children map[models.NodeID][]models.NodeID
}

func NewStore() *Store {
	return &Store{
		nodes:    make(map[models.NodeID]models.Node),
		children: make(map[models.NodeID][]models.NodeID),
	}
}

// Load replaces the whole tree, validating the hierarchy invariants: every
// non-root node has exactly one parent already present, level = parent level
// + 1, and no cycles (guaranteed by the level check).
func (s *Store) Load(nodes []models.Node) error {
	byID := make(map[models.NodeID]models.Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("duplicate node %q", n.ID)
		}
		byID[n.ID] = n
	}
	children := make(map[models.NodeID][]models.NodeID, len(nodes))
	for _, n := range nodes {
		if n.ParentID == nil {
			if n.Level != 0 {
				return fmt.Errorf("root node %q has level %d, want 0", n.ID, n.Level)
			}
			continue
		}
		parent, ok := byID[*n.ParentID]
		if !ok {
			return fmt.Errorf("node %q references missing parent %q", n.ID, *n.ParentID)
		}
		if n.Level != parent.Level+1 {
			return fmt.Errorf("node %q has level %d, want parent level + 1 = %d",
				n.ID, n.Level, parent.Level+1)
		}
		children[*n.ParentID] = append(children[*n.ParentID], n.ID)
	}
	for id := range children {
		sortIDs(children[id])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = byID
	s.children = children
	return nil
}

// Upsert inserts or replaces a single node record, keeping the child index in
// sync. Used by the registry watcher.
func (s *Store) Upsert(node models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.ParentID != nil {
		parent, ok := s.nodes[*node.ParentID]
		if !ok {
			return fmt.Errorf("node %q references missing parent %q", node.ID, *node.ParentID)
		}
		if node.Level != parent.Level+1 {
			return fmt.Errorf("node %q has level %d, want parent level + 1 = %d",
				node.ID, node.Level, parent.Level+1)
		}
	} else if node.Level != 0 {
		return fmt.Errorf("root node %q has level %d, want 0", node.ID, node.Level)
	}

	old, existed := s.nodes[node.ID]
	if existed {
		s.unlink(old)
	}
	s.nodes[node.ID] = node
	if node.ParentID != nil {
		s.children[*node.ParentID] = append(s.children[*node.ParentID], node.ID)
		sortIDs(s.children[*node.ParentID])
	}
	return nil
}

// Remove drops a node record. Descendants of a removed node keep their records
// but become unreachable from the root until re-parented by the collaborator.
func (s *Store) Remove(id models.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	s.unlink(n)
	delete(s.nodes, id)
	delete(s.children, id)
}

func (s *Store) unlink(n models.Node) {
	if n.ParentID == nil {
		return
	}
	siblings := s.children[*n.ParentID]
	for i, sib := range siblings {
		if sib == n.ID {
			s.children[*n.ParentID] = append(siblings[:i], siblings[i+1:]...)
			return
		}
	}
}

func (s *Store) Get(id models.NodeID) (models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return models.Node{}, fmt.Errorf("node %q: %w", id, models.ErrNotFound)
	}
	return n, nil
}

// Subtree returns the subtree rooted at id in pre-order, root first. A leaf
// yields a singleton of the node itself.
func (s *Store) Subtree(id models.NodeID) ([]models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[id]; !ok {
		return nil, fmt.Errorf("node %q: %w", id, models.ErrNotFound)
	}
	var out []models.Node
	s.collect(id, &out)
	return out, nil
}

func (s *Store) collect(id models.NodeID, out *[]models.Node) {
	*out = append(*out, s.nodes[id])
	for _, child := range s.children[id] {
		s.collect(child, out)
	}
}

// AllActive returns every active node in pre-order starting from the roots.
func (s *Store) AllActive() []models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var roots []models.NodeID
	for id, n := range s.nodes {
		if n.ParentID == nil {
			roots = append(roots, id)
		}
	}
	sortIDs(roots)

	var all []models.Node
	for _, root := range roots {
		s.collect(root, &all)
	}
	out := all[:0]
	for _, n := range all {
		if n.Active {
			out = append(out, n)
		}
	}
	return out
}

// Count returns the number of known nodes.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// SetHealth writes back a node health status.
func (s *Store) SetHealth(id models.NodeID, health models.HealthStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, models.ErrNotFound)
	}
	n.Health = health
	s.nodes[id] = n
	return nil
}

// MarkSynced records a successful sync pass: updates the last-synced timestamp
// and resets the consecutive-failure counter.
func (s *Store) MarkSynced(id models.NodeID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %q: %w", id, models.ErrNotFound)
	}
	n.LastSyncedAt = at
	n.ConsecutiveFailures = 0
	s.nodes[id] = n
	return nil
}

// BumpFailures increments the consecutive fetch-failure counter and returns
// the new value.
func (s *Store) BumpFailures(id models.NodeID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return 0, fmt.Errorf("node %q: %w", id, models.ErrNotFound)
	}
	n.ConsecutiveFailures++
	s.nodes[id] = n
	return n.ConsecutiveFailures, nil
}

func sortIDs(ids []models.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
