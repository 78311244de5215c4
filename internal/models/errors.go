package models

import (
	"errors"
	"fmt"
)

// ErrNotFound covers unknown node, task, rule and strategy ids. Surfaced to
// the caller, never retried.
var ErrNotFound = errors.New("not found")

// ErrInvalidRequest covers requests rejected synchronously before any state
// change, e.g. an unscoped manual invalidation.
var ErrInvalidRequest = errors.New("invalid request")

type FetchErrorKind string

const (
	FetchTimeout     FetchErrorKind = "timeout"
	FetchUnreachable FetchErrorKind = "unreachable"
	FetchMalformed   FetchErrorKind = "malformed-response"
)

// FetchError classifies a failed capability fetch against a node endpoint.
// Recorded per node and retried by the scheduler; never aborts a FULL task.
type FetchError struct {
	Kind FetchErrorKind
	Node NodeID
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from node %s failed (%s): %v", e.Node, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err wraps a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// SchedulerFault marks an infrastructure failure (task store or directory
// store unavailable). It fails the whole task and is not retried
// automatically.
type SchedulerFault struct {
	Err error
}

func (e *SchedulerFault) Error() string {
	return fmt.Sprintf("scheduler fault: %v", e.Err)
}

func (e *SchedulerFault) Unwrap() error { return e.Err }

// IsSchedulerFault reports whether err wraps a SchedulerFault.
func IsSchedulerFault(err error) bool {
	var sf *SchedulerFault
	return errors.As(err, &sf)
}
