package lifecycle

import "errors"

// Precondition errors. The task runner treats them as non-retriable and
// drops them silently: the world changed under the task, and the next
// periodic pass re-evaluates from scratch.
var (
	ErrJobNotFound      = errors.New("spark job not found")
	ErrJobNotEnabled    = errors.New("spark job not enabled")
	ErrClusterNotFound  = errors.New("cluster not found")
	ErrClusterNotActive = errors.New("cluster not active")
)

// IsPrecondition reports whether err is a missing-row or
// precondition-not-met failure that should be swallowed rather than
// retried or surfaced.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrJobNotEnabled) ||
		errors.Is(err, ErrClusterNotFound) ||
		errors.Is(err, ErrClusterNotActive)
}
