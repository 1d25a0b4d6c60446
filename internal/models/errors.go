package models

import "errors"

// Structural errors. They abort the current unit of work and are logged at its boundary.
var (
	ErrFlowNotFound         = errors.New("flow not found")
	ErrDuplicateFlowURI     = errors.New("duplicate flow uri")
	ErrUnknownActionType    = errors.New("unknown action type")
	ErrUnknownPromptType    = errors.New("unknown prompt type")
	ErrNoPromptText         = errors.New("no prompt text variant matched")
	ErrNoPromptOptions      = errors.New("all prompt options were filtered out")
	ErrUnknownWebview       = errors.New("unknown webview")
	ErrHookNotFound         = errors.New("hook not registered")
	ErrSchedulerUnavailable = errors.New("scheduler not configured")
	ErrInvalidTask          = errors.New("invalid task")
	ErrInvalidConditional   = errors.New("invalid conditional")
	ErrChannelNotFound      = errors.New("channel not registered")
)

// ValidationError is a recoverable error whose message is meant for the end-user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return "validation failed for " + e.Field + ": " + e.Message
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err wraps a ValidationError and returns it.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
