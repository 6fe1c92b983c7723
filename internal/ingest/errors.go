package ingest

import (
	"errors"
	"fmt"
)

// ErrPersistent is matched by artifacts that failed every attempt.
var ErrPersistent = errors.New("persistent failure")

// PersistentFailure is recorded in the error ledger; the run carries on.
type PersistentFailure struct {
	Path     string
	Attempts int
	Err      error
}

func (e *PersistentFailure) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *PersistentFailure) Unwrap() []error {
	return []error{ErrPersistent, e.Err}
}

// ErrBucketMissing is returned when the bucket does not exist and may not be created.
var ErrBucketMissing = errors.New("bucket does not exist")
