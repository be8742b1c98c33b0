package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is the only failure reported by the gate for a refused request.
	// It deliberately carries no detail about the stage that refused it.
	ErrPermissionDenied = errors.New("permission denied")

	ErrSourceNotLoaded = errors.New("checker source not loaded")
)

// CheckerLoadError wraps a failure of a checker's extractor. It indicates a caller bug.
type CheckerLoadError struct {
	Checker string
	Err     error
}

func (e *CheckerLoadError) Error() string {
	return fmt.Sprintf("failed to load source of %s: %v", e.Checker, e.Err)
}

func (e *CheckerLoadError) Unwrap() error {
	return e.Err
}
