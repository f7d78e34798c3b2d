package app

import (
	"fmt"
	"net/http"
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

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Not authorized", nil)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errBadRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

// errStorageNotFound marks the dangling state where the document row exists
// but its object is gone from storage.
func errStorageNotFound() *DomainError {
	return domainError(http.StatusNotFound, "STORAGE_NOT_FOUND", "File not found in storage", nil)
}
