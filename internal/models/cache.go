package models

import "time"

// CacheKey identifies one cached response artifact: a capability plus the
// fingerprint of the request parameters that produced it.
type CacheKey struct {
	Capability CapabilityKey `json:"capability"`
	Params     string        `json:"params"`
}

// CacheEntry holds a cached response artifact. It is fresh only while its
// VersionTag matches the current DirectoryEntry fingerprint for its key; a
// mismatch means it is logically invalidated even before time-based expiry.
type CacheEntry struct {
	Key        CacheKey    `json:"key"`
	Payload    []byte      `json:"payload"`
	VersionTag Fingerprint `json:"version_tag"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}
