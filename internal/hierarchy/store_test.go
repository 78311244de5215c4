package hierarchy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceangrid/dirsync/internal/models"
)

func ptr(id models.NodeID) *models.NodeID { return &id }

func testTree() []models.Node {
	return []models.Node{
		{ID: "root", Level: 0, Type: models.NodeTypeRoot, Active: true, Health: models.HealthHealthy},
		{ID: "nat-a", ParentID: ptr("root"), Level: 1, Type: models.NodeTypeNational, Active: true, Health: models.HealthHealthy},
		{ID: "nat-b", ParentID: ptr("root"), Level: 1, Type: models.NodeTypeNational, Active: true, Health: models.HealthHealthy},
		{ID: "reg-a1", ParentID: ptr("nat-a"), Level: 2, Type: models.NodeTypeRegional, Active: true, Health: models.HealthHealthy},
		{ID: "leaf-a1x", ParentID: ptr("reg-a1"), Level: 3, Type: models.NodeTypeLeaf, Active: true, Health: models.HealthHealthy},
		{ID: "leaf-b1", ParentID: ptr("nat-b"), Level: 2, Type: models.NodeTypeLeaf, Active: false, Health: models.HealthHealthy},
	}
}

func TestLoad_RejectsMissingParent(t *testing.T) {
	s := NewStore()
	err := s.Load([]models.Node{
		{ID: "orphan", ParentID: ptr("nowhere"), Level: 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing parent")
}

func TestLoad_RejectsWrongLevel(t *testing.T) {
	s := NewStore()
	err := s.Load([]models.Node{
		{ID: "root", Level: 0},
		{ID: "skipper", ParentID: ptr("root"), Level: 5},
	})
	require.Error(t, err)
}

func TestLoad_RejectsNonZeroRootLevel(t *testing.T) {
	s := NewStore()
	err := s.Load([]models.Node{{ID: "root", Level: 2}})
	require.Error(t, err)
}

func TestLoad_RejectsDuplicates(t *testing.T) {
	s := NewStore()
	err := s.Load([]models.Node{
		{ID: "root", Level: 0},
		{ID: "root", Level: 0},
	})
	require.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(testTree()))

	_, err := s.Get("ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSubtree_PreOrder(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(testTree()))

	nodes, err := s.Subtree("nat-a")
	require.NoError(t, err)

	ids := make([]models.NodeID, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []models.NodeID{"nat-a", "reg-a1", "leaf-a1x"}, ids)
}

func TestSubtree_LeafIsSingleton(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(testTree()))

	nodes, err := s.Subtree("leaf-a1x")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, models.NodeID("leaf-a1x"), nodes[0].ID)
}

func TestAllActive_SkipsInactive(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(testTree()))

	nodes := s.AllActive()
	for _, n := range nodes {
		assert.True(t, n.Active)
		assert.NotEqual(t, models.NodeID("leaf-b1"), n.ID)
	}
	assert.Len(t, nodes, 5)
	// Pre-order: root first.
	assert.Equal(t, models.NodeID("root"), nodes[0].ID)
}

func TestMarkSynced_ResetsFailureCounter(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(testTree()))

	for range 3 {
		_, err := s.BumpFailures("leaf-a1x")
		require.NoError(t, err)
	}
	n, err := s.Get("leaf-a1x")
	require.NoError(t, err)
	require.Equal(t, 3, n.ConsecutiveFailures)

	now := time.Now()
	require.NoError(t, s.MarkSynced("leaf-a1x", now))

	n, err = s.Get("leaf-a1x")
	require.NoError(t, err)
	assert.Zero(t, n.ConsecutiveFailures)
	assert.Equal(t, now, n.LastSyncedAt)
}

func TestUpsertAndRemove(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(testTree()))

	err := s.Upsert(models.Node{
		ID:       "leaf-a1y",
		ParentID: ptr("reg-a1"),
		Level:    3,
		Type:     models.NodeTypeLeaf,
		Active:   true,
	})
	require.NoError(t, err)

	nodes, err := s.Subtree("reg-a1")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	s.Remove("leaf-a1y")
	nodes, err = s.Subtree("reg-a1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestUpsert_RejectsMissingParent(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(testTree()))

	err := s.Upsert(models.Node{ID: "stray", ParentID: ptr("nowhere"), Level: 1})
	require.Error(t, err)
}
