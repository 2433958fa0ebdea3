package detect

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCancelledByUser is returned when the run was stopped from the live view
// or by a cancelled context.  It is a graceful shutdown, not a failure
var ErrCancelledByUser = errors.New("cancelled by user")

// ModelLoadError is returned when a model file could not be opened, parsed or
// warmed up.  It is always fatal to a run
type ModelLoadError struct {
	// Path is the model file or directory
	Path string
	// Kind is the backend the model was being loaded with
	Kind Kind
	// Err is the underlying cause
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load %s model %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// BackendError is returned by Infer when a single inference call failed.  The
// frame it was raised for is skipped and processing continues
type BackendError struct {
	// Kind is the backend that failed
	Kind Kind
	// Op describes the step that failed, eg: "invoke" or "output shape"
	Op string
	// Err is the underlying cause
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Kind, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError wraps err as a BackendError
func NewBackendError(kind Kind, op string, err error) *BackendError {
	return &BackendError{Kind: kind, Op: op, Err: err}
}

// IsBackendError reports whether err is or wraps a BackendError
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
