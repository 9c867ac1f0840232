package core

import (
	"errors"
	"fmt"
)

// Severity classifies a pipeline failure. Fatal errors abort the job;
// skippable errors drop the current stage or item and continue.
type Severity int

const (
	SeverityFatal Severity = iota
	SeveritySkippable
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeveritySkippable:
		return "skippable"
	default:
		return "unknown"
	}
}

// PipelineError tags an error with a failure severity so callers can apply
// the job-fatal vs skip-and-continue policy without matching on messages.
type PipelineError struct {
	Severity Severity
	Stage    string
	Err      error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return e.Err.Error()
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Fatal wraps err as a job-fatal failure of the named stage.
func Fatal(stage string, err error) error {
	return &PipelineError{Severity: SeverityFatal, Stage: stage, Err: err}
}

// Skippable wraps err as a non-fatal failure of the named stage or item.
func Skippable(stage string, err error) error {
	return &PipelineError{Severity: SeveritySkippable, Stage: stage, Err: err}
}

// IsFatal reports whether err carries a job-fatal tag. Untagged errors are
// treated as fatal: an unclassified failure must not be silently skipped.
func IsFatal(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Severity == SeverityFatal
	}
	return err != nil
}

// IsSkippable reports whether err is explicitly tagged skippable.
func IsSkippable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Severity == SeveritySkippable
	}
	return false
}
