package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"docflow/api/internal/auth"
	"docflow/api/internal/content"
	"docflow/api/internal/document"
	"docflow/api/internal/lock"
	"docflow/api/internal/workflow"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, content.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, workflow.ErrNotPermitted) {
		return http.StatusForbidden, "NOT_PERMITTED", "Operation not permitted", nil
	}
	if errors.Is(err, lock.ErrHeld) || errors.Is(err, content.ErrNotHeld) {
		return http.StatusConflict, "DRAFT_LOCKED", "Draft is locked by another user", nil
	}
	if errors.Is(err, content.ErrNotEditable) {
		return http.StatusConflict, "NOT_EDITABLE", err.Error(), nil
	}
	if errors.Is(err, content.ErrInvalidBranch) || errors.Is(err, content.ErrMasterBranch) || errors.Is(err, workflow.ErrUnknownBranch) {
		return http.StatusUnprocessableEntity, "INVALID_BRANCH", err.Error(), nil
	}
	if kind, ok := document.KindOf(err); ok {
		switch kind {
		case document.KindValidation:
			return http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil
		case document.KindInconsistent:
			return http.StatusConflict, "INCONSISTENT_DOCUMENT", err.Error(), nil
		case document.KindWorkflow:
			return http.StatusConflict, "WORKFLOW_FAILED", err.Error(), nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
