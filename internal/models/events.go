package models

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventEntryCreated    EventType = "entry-created"
	EventEntryChanged    EventType = "entry-changed"
	EventEntryRemoved    EventType = "entry-removed"
	EventNodeUnreachable EventType = "node-unreachable"
)

// ChangeEvent is emitted by the reconciler for every observable directory
// change and consumed by the invalidation rule engine and external
// observability collaborators.
type ChangeEvent struct {
	Type           EventType     `json:"type"`
	Key            CapabilityKey `json:"key"`
	OldFingerprint Fingerprint   `json:"old_fingerprint,omitempty"`
	NewFingerprint Fingerprint   `json:"new_fingerprint,omitempty"`
	TaskID         TaskID        `json:"task_id,omitempty"`
	Time           time.Time     `json:"time"`
}

func (e ChangeEvent) String() string {
	if e.Type == EventNodeUnreachable {
		return fmt.Sprintf("{type=%s, node=%s}", e.Type, e.Key.NodeID)
	}
	return fmt.Sprintf("{type=%s, node=%s, product=%s, service=%s}",
		e.Type, e.Key.NodeID, e.Key.ProductType, e.Key.ServiceType)
}
