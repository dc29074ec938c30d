package boards

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing item or parent.
	ErrNotFound = errors.New("boards: not found")
	// ErrInvalidTarget reports a cross-board transfer, a stale source, or a malformed index or identifier.
	ErrInvalidTarget = errors.New("boards: invalid target")
	// ErrInvalidInput reports malformed attributes such as an empty title.
	ErrInvalidInput = errors.New("boards: invalid input")
	// ErrForbidden reports an actor without edit permission on the parent.
	ErrForbidden = errors.New("boards: forbidden")
	// ErrPositionConflict reports a write that collided with a sibling's position.
	// The Store retries it internally and never returns it.
	ErrPositionConflict = errors.New("boards: position conflict")
	// ErrOrderingExhausted reports that no conflict-free position could be established
	// within the retry budget. Callers may retry the whole request.
	ErrOrderingExhausted = errors.New("boards: ordering exhausted")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingAuthorizer = errors.New("authorizer is required")
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
