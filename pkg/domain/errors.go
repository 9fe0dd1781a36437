package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is a transport failure or a non-2xx reply from the remote data
// API. Err carries the cause; for 400/404/409 replies it is the matching typed
// error so errors.As works for either kind.
type NetworkError struct {
	Status  int
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote %d: %s", e.Status, e.Message)
	}
	return "network: " + e.Message
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" && e.Field != "" {
		return e.Field + " required"
	}
	return e.Message
}

// NotFoundError reports a referenced id that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
	Message  string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Resource string
	Message  string
}

func (e *ConflictError) Error() string { return e.Message }

// Required builds a ValidationError for a missing field.
func Required(field string) error {
	return &ValidationError{Field: field, Message: field + " required"}
}

// Invalid builds a ValidationError with a free-form message.
func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// ErrorFromStatus maps an HTTP error reply onto the typed error set.
func ErrorFromStatus(status int, msg string) *NetworkError {
	ne := &NetworkError{Status: status, Message: msg}
	switch status {
	case http.StatusBadRequest:
		ne.Err = &ValidationError{Message: msg}
	case http.StatusNotFound:
		ne.Err = &NotFoundError{Message: msg}
	case http.StatusConflict:
		ne.Err = &ConflictError{Message: msg}
	}
	return ne
}

// HTTPStatus picks the reply status for a typed error.
func HTTPStatus(err error) int {
	var ne *NetworkError
	switch {
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case errors.As(err, &ne):
		if ne.Status >= 400 && ne.Status < 500 {
			return ne.Status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
