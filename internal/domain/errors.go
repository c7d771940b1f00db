package domain

import (
	"errors"
	"fmt"
)

// Kind is a behavior-scoped error classification. Callers branch on Kind
// (via errors.As on *Error) rather than on concrete error types, so a new
// failure mode never requires touching every call site that already
// switches on the existing ones.
type Kind string

const (
	// KindBrokerUnavailable means the broker could not be reached
	// (connection refused, timeout, DNS failure) or answered with a 5xx
	// status.
	KindBrokerUnavailable Kind = "broker_unavailable"
	// KindBrokerAuth means the broker rejected the credentials. Not
	// retryable.
	KindBrokerAuth Kind = "broker_auth"
	// KindBrokerRateLimited means the broker returned a rate-limit
	// response (e.g. HTTP 429). Retryable with backoff.
	KindBrokerRateLimited Kind = "broker_rate_limited"
	// KindBrokerBadRequest means the request itself was malformed. Not
	// retryable without changing the request.
	KindBrokerBadRequest Kind = "broker_bad_request"
	// KindBrokerParse means the broker's response body could not be
	// decoded into the expected shape.
	KindBrokerParse Kind = "broker_parse"

	// KindStoreUnavailable means the persistence layer could not be
	// reached (connection, disk, lock-timeout failures).
	KindStoreUnavailable Kind = "store_unavailable"
	// KindStoreInvariant means a write would violate a store-level
	// invariant (the store checks pair1 < pair2 on correlation rows).
	KindStoreInvariant Kind = "store_invariant"

	// KindCacheUnavailable means the cache/bus backend could not be
	// reached. Jobs log it and carry on; the fan-out server stops if its
	// bus subscription fails.
	KindCacheUnavailable Kind = "cache_unavailable"

	// KindInsufficientData means a computation needs more samples than
	// are currently available (e.g. fewer than window+1 candles).
	KindInsufficientData Kind = "insufficient_data"

	// KindCapacityReached means the fan-out server is at its configured
	// subscriber cap and is rejecting a new connection.
	KindCapacityReached Kind = "capacity_reached"
	// KindSlowConsumer means a fan-out subscriber's outbound buffer
	// filled and its session was dropped.
	KindSlowConsumer Kind = "slow_consumer"

	// KindConfigInvalid means configuration failed validation at
	// startup.
	KindConfigInvalid Kind = "config_invalid"
)

// Error wraps an underlying cause with a behavior Kind and an optional
// instrument/resource tag for logging.
type Error struct {
	Kind     Kind
	Resource string
	Err      error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Resource, e.Err)
		}
		return fmt.Sprintf("%s [%s]", e.Kind, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, &Error{Kind: KindX}) comparisons by Kind
// alone, ignoring Resource/Err.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs an *Error for the given kind, wrapping cause.
func NewError(kind Kind, resource string, cause error) *Error {
	return &Error{Kind: kind, Resource: resource, Err: cause}
}

// IsKind reports whether err (or any error it wraps) carries the given
// Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether a broker error kind should be retried with
// backoff by internal/broker. Auth and bad-request failures are never
// retryable since retrying without changing the request just repeats the
// same rejection.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindBrokerUnavailable, KindBrokerRateLimited:
		return true
	default:
		return false
	}
}
