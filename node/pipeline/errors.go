package pipeline

import (
	"errors"
	"fmt"
)

// ErrKind classifies a stage failure for the pipeline driver.
type ErrKind int

const (
	// KindFatal failures surface to the driver and stop the run.
	KindFatal ErrKind = iota
	// KindTransient failures are retried with backoff.
	KindTransient
	// KindInvalid failures reject the offending range and trigger an
	// unwind to the last valid checkpoint.
	KindInvalid
)

func (k ErrKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInvalid:
		return "invalid"
	default:
		return "fatal"
	}
}

// StageError is a classified failure from a named stage. Every stage
// classifies its own failures before returning to the driver.
type StageError struct {
	Stage  StageID
	Height uint64
	Kind   ErrKind
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s at height %d (%s): %v", e.Stage, e.Height, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func invalidErr(stage StageID, height uint64, err error) *StageError {
	return &StageError{Stage: stage, Height: height, Kind: KindInvalid, Err: err}
}

func transientErr(stage StageID, height uint64, err error) *StageError {
	return &StageError{Stage: stage, Height: height, Kind: KindTransient, Err: err}
}

func fatalErr(stage StageID, height uint64, err error) *StageError {
	return &StageError{Stage: stage, Height: height, Kind: KindFatal, Err: err}
}

// Classify returns the kind of a stage error, treating unclassified
// errors as fatal.
func Classify(err error) ErrKind {
	var serr *StageError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return KindFatal
}

// ErrAlreadyRunning is returned when a second sync job is started
// while one is active. Batches never overlap.
var ErrAlreadyRunning = errors.New("pipeline run already in progress")
