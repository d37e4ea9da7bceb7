package queue

import (
	"errors"
	"fmt"

	"tessera/internal/services"
)

var (
	// ErrDuplicateSubmission is returned by Enqueue when the dataset already has a
	// pending or processing entry.
	ErrDuplicateSubmission = fmt.Errorf("queue: %w", services.ErrDuplicateSubmission)

	// ErrClaimLost is returned by Complete and Fail when the entry is no longer
	// processing under the caller's claim token.
	ErrClaimLost = errors.New("queue: claim lost")

	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("queue: entry not found")
)

// ErrorClassifier allows errors to declare their classification for status mapping.
type ErrorClassifier interface {
	// ErrorKind returns a string classification of the error.
	// "permanent" sends the entry straight to dead_letter; every other kind
	// is retried until the attempt limit.
	ErrorKind() string
}

// IsPermanentFailure reports whether err declares itself permanent.
func IsPermanentFailure(err error) bool {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind() == "permanent"
	}
	return false
}

// FailureStatus maps a stage error and the attempt count to the status Fail
// will persist.
func FailureStatus(err error, attempts, maxAttempts int) Status {
	if IsPermanentFailure(err) {
		return StatusDeadLetter
	}
	if maxAttempts > 0 && attempts >= maxAttempts {
		return StatusDeadLetter
	}
	return StatusPending
}
