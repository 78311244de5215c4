package models

import (
	"strings"
	"time"
)

type RuleID string

type RuleTrigger string

const (
	TriggerDirectoryChange RuleTrigger = "ON_DIRECTORY_CHANGE"
	TriggerTTLExpiry       RuleTrigger = "ON_TTL_EXPIRY"
	TriggerManual          RuleTrigger = "MANUAL"
)

type RuleAction string

const (
	ActionEvict           RuleAction = "EVICT"
	ActionEvictAndRefresh RuleAction = "EVICT_AND_REFRESH"
)

// InvalidationRule decides which cache entries are evicted when a matching
// trigger fires. Patterns are matched with MatchPattern.
type InvalidationRule struct {
	ID             RuleID      `json:"id"`
	NodePattern    string      `json:"node_pattern"`
	ProductPattern string      `json:"product_pattern"`
	Trigger        RuleTrigger `json:"trigger"`
	Action         RuleAction  `json:"action"`
}

type StrategyID string

type UpdatePolicy string

const (
	PolicyEagerRefresh     UpdatePolicy = "EAGER_REFRESH"
	PolicyLazyOnDemand     UpdatePolicy = "LAZY_ON_DEMAND"
	PolicyScheduledRefresh UpdatePolicy = "SCHEDULED_REFRESH"
)

// UpdateStrategy decides whether an invalidated entry is repopulated eagerly,
// lazily on next read, or on a coalesced schedule.
type UpdateStrategy struct {
	ID             StrategyID   `json:"id"`
	NodePattern    string       `json:"node_pattern"`
	ProductPattern string       `json:"product_pattern"`
	Policy         UpdatePolicy `json:"policy"`
	// Interval applies to SCHEDULED_REFRESH only.
	Interval time.Duration `json:"interval,omitempty"`
}

// MatchPattern matches a scope pattern against a value. Empty pattern and "*"
// match everything, a trailing "*" is a prefix match, anything else is exact.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// MatchScope matches a (node, product) pair against a rule or strategy scope.
func MatchScope(nodePattern, productPattern string, nodeID NodeID, product ProductType) bool {
	return MatchPattern(nodePattern, string(nodeID)) &&
		MatchPattern(productPattern, string(product))
}
