package models

import "time"

type NodeID string

type NodeType string

const (
	NodeTypeRoot     NodeType = "ROOT"
	NodeTypeNational NodeType = "NATIONAL"
	NodeTypeRegional NodeType = "REGIONAL"
	NodeTypeLeaf     NodeType = "LEAF"
)

type HealthStatus string

const (
	HealthHealthy HealthStatus = "HEALTHY"
	HealthWarning HealthStatus = "WARNING"
	HealthError   HealthStatus = "ERROR"
	HealthOffline HealthStatus = "OFFLINE"
)

// Node is one member of the service-provider hierarchy tree. The engine treats
// node records as read-mostly input owned by the node-management collaborator;
// the only write-backs are health status, last-synced timestamps and the
// consecutive fetch-failure counter.
type Node struct {
	ID       NodeID  `json:"id"`
	ParentID *NodeID `json:"parent_id,omitempty"`
	// Level is the depth in the hierarchy, root = 0. Must equal parent level + 1.
	Level    int          `json:"level"`
	Type     NodeType     `json:"type"`
	Active   bool         `json:"active"`
	Health   HealthStatus `json:"health"`
	Endpoint string       `json:"endpoint"`

	LastSyncedAt        time.Time `json:"last_synced_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}
