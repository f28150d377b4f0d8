package domain

import (
	"errors"
	"fmt"
)

// ErrSendRetriesExhausted is reported when a queued send passes the retry
// ceiling and is marked terminally failed.
var ErrSendRetriesExhausted = errors.New("send retries exhausted")

// ValidationError reports input rejected locally before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError reports a delete attempted by someone other than the
// entity's creator. It is resolved locally and never sent to the gateway.
type AuthorizationError struct {
	Action    string
	Requester string
	Owner     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s denied: requester %s is not owner %s", e.Action, e.Requester, e.Owner)
}

// SyncFailure reports a gateway request that failed after an optimistic local
// change was already applied. It is surfaced asynchronously as a non-fatal
// notification once the rollback policy has run.
type SyncFailure struct {
	Op       string
	EntityID string
	Err      error
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *SyncFailure) Unwrap() error { return e.Err }

// ChannelUnavailable reports that the push connection is down. It is a
// degraded mode, not a hard failure: sends still persist through the gateway.
type ChannelUnavailable struct {
	Err error
}

func (e *ChannelUnavailable) Error() string {
	return fmt.Sprintf("push channel unavailable: %v", e.Err)
}

func (e *ChannelUnavailable) Unwrap() error { return e.Err }
