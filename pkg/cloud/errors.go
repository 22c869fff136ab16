package cloud

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider operations.
var (
	// ErrClusterNotFound indicates the provider has no cluster with the
	// requested jobflow ID. Freshly-started clusters may be absent from
	// list/describe results for a poll cycle; callers tolerate this.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrTransient indicates a provider failure that may succeed later.
	// Callers retry with full-jittered exponential backoff.
	ErrTransient = errors.New("transient provider failure")

	// ErrPermanent indicates a definitive provider failure, e.g. invalid
	// launch parameters. Callers record the failure and do not retry.
	ErrPermanent = errors.New("permanent provider failure")

	// ErrThrottled indicates the provider rate limited the request.
	// Treated as transient.
	ErrThrottled = errors.New("request throttled")
)

// Error wraps a provider failure with the operation and jobflow context.
type Error struct {
	// Op is the port operation that failed (e.g. "Start", "Describe").
	Op string

	// JobflowID is the cluster handle, if applicable.
	JobflowID string

	// Err is the underlying error, wrapping one of the sentinels above.
	Err error
}

func (e *Error) Error() string {
	if e.JobflowID != "" {
		return fmt.Sprintf("cloud %s %s: %v", e.Op, e.JobflowID, e.Err)
	}
	return fmt.Sprintf("cloud %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a missing cluster.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClusterNotFound)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrThrottled)
}

// IsPermanent reports whether err is definitive and must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
