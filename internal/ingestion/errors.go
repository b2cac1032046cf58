package ingestion

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned when another run of the same source holds the
	// lock or commits first
	ErrRunInProgress = errors.New("ingestion run already in progress")

	// ErrCheckpointMoved is returned when the checkpoint cursor changed between fetch and commit
	ErrCheckpointMoved = errors.New("checkpoint moved during run")
)

// FetchError wraps a provider failure that aborts the run
type FetchError struct {
	Source string
	Cursor int64
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s at cursor %d: %v", e.Source, e.Cursor, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a storage failure that aborts the run
type PersistenceError struct {
	Source string
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Source, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
