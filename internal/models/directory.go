package models

import "time"

// Fingerprint is a content hash of capability attributes, used to detect
// changes without deep comparison.
type Fingerprint string

// DirectoryEntry is the engine's authoritative record of a capability as last
// observed. Created and mutated only by the reconciler. At most one entry
// exists per CapabilityKey.
type DirectoryEntry struct {
	Key          CapabilityKey `json:"key"`
	Fingerprint  Fingerprint   `json:"fingerprint"`
	LastSyncedAt time.Time     `json:"last_synced_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	SourceTaskID TaskID        `json:"source_task_id"`

	// MissedPasses counts consecutive successful sync passes that did not
	// observe this capability upstream. The entry is deleted once it reaches
	// two, tolerating a single transient omission.
	MissedPasses int `json:"missed_passes"`
}

// Stale reports whether the entry has aged past its TTL and must not be served
// as authoritative until refreshed or explicitly expired.
func (e DirectoryEntry) Stale(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}
