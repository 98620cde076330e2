package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"eos/api/internal/auth"
	"eos/api/internal/authpw"
	"eos/api/internal/session"
	"eos/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden    = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errNotFound     = domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
)

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid input", fields
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrUnknownField), errors.Is(err, store.ErrInvalidValue):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrMissingEmail):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrCycle):
		return http.StatusConflict, "CYCLE", "Reporting line would create a cycle", nil
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, store.ErrTransient):
		return http.StatusServiceUnavailable, "DATABASE_BUSY", "Database busy, try again", map[string]any{"retry": true}
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
