package service

import (
	"errors"
	"fmt"
	"net/http"

	"qms/token-service/internal/queue"
	"qms/token-service/internal/store"
)

// Kind is the category of a service error. It decides the HTTP status and
// whether a client may retry.
type Kind int

const (
	KindInvalidInput Kind = iota
	KindNotFound
	KindGuardViolation
	KindAllocationExhausted
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindGuardViolation:
		return "guard_violation"
	case KindAllocationExhausted:
		return "allocation_exhausted"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the same request may succeed if sent again.
func (e *Error) Retryable() bool {
	return e.Kind == KindAllocationExhausted || e.Kind == KindStoreUnavailable
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGuardViolation:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, treating anything unclassified as a store
// failure.
func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindStoreUnavailable
}

// mapStoreError classifies errors coming back from the store.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return &Error{Kind: KindNotFound, Message: "ticket not found", Cause: err}
	case errors.Is(err, store.ErrDepartmentNotFound):
		return &Error{Kind: KindNotFound, Message: "department not found", Cause: err}
	case errors.Is(err, store.ErrInvalidState):
		return &Error{Kind: KindGuardViolation, Message: "invalid status transition", Cause: err}
	case errors.Is(err, queue.ErrAllocationExhausted):
		return &Error{Kind: KindAllocationExhausted, Message: "could not allocate a ticket number, try again", Cause: err}
	default:
		return &Error{Kind: KindStoreUnavailable, Message: "store unavailable", Cause: err}
	}
}
