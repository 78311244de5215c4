package models

import (
	"fmt"
	"time"
)

type TaskID string

type ScopeKind string

const (
	ScopeFull ScopeKind = "FULL"
	ScopeNode ScopeKind = "NODE"
)

// SyncScope is what a sync task covers: the whole active hierarchy or a single
// node. NODE scope deliberately does not cascade to descendants; subtree syncs
// are requested by the caller as a batch of NODE tasks.
type SyncScope struct {
	Kind   ScopeKind `json:"kind"`
	NodeID NodeID    `json:"node_id,omitempty"`
}

func (s SyncScope) String() string {
	if s.Kind == ScopeNode {
		return fmt.Sprintf("%s(%s)", s.Kind, s.NodeID)
	}
	return string(s.Kind)
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether no further status transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

type TaskCounters struct {
	EntriesCreated int `json:"entries_created"`
	EntriesUpdated int `json:"entries_updated"`
	EntriesRemoved int `json:"entries_removed"`
	FailedNodes    int `json:"failed_nodes"`
}

// SyncTask tracks one reconciliation run. Status transitions are monotonic:
// PENDING -> RUNNING -> SUCCEEDED | FAILED.
type SyncTask struct {
	ID          TaskID       `json:"id"`
	Scope       SyncScope    `json:"scope"`
	Status      TaskStatus   `json:"status"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
	Counters    TaskCounters `json:"counters"`
	Error       string       `json:"error,omitempty"`
}

// DirectoryStats is the observability snapshot returned by the scheduler.
type DirectoryStats struct {
	EntryCount      int       `json:"entry_count"`
	NodeCount       int       `json:"node_count"`
	LastFullSyncAt  time.Time `json:"last_full_sync_at"`
	StaleEntryCount int       `json:"stale_entry_count"`
}
