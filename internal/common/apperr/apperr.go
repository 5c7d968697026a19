// Package apperr defines the error kinds shared by the coordination
// services, the sandbox orchestrator, and the REST layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the failure classes the system distinguishes.
var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrSandboxCreation     = errors.New("sandbox creation failed")
	ErrSandboxNotFound     = errors.New("sandbox not found")
	ErrCommandExecution    = errors.New("command execution failed")
	ErrCommandTimeout      = errors.New("command timed out")
	ErrLLMFailure          = errors.New("llm request failed")
	ErrAgentAlreadyRunning = errors.New("agent already running")
	ErrTransitionViolation = errors.New("invalid task status transition")
)

// NotFound wraps ErrNotFound with a description of the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Validation wraps ErrValidation with the violated constraint.
func Validation(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Code returns the short machine-readable error code for an error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSandboxNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrTransitionViolation):
		return "transition_violation"
	case errors.Is(err, ErrAgentAlreadyRunning):
		return "agent_already_running"
	case errors.Is(err, ErrCommandTimeout):
		return "command_timeout"
	case errors.Is(err, ErrCommandExecution):
		return "command_execution_failed"
	case errors.Is(err, ErrSandboxCreation):
		return "sandbox_creation_failed"
	case errors.Is(err, ErrLLMFailure):
		return "llm_failure"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error to the status code the REST layer responds with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSandboxNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrTransitionViolation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAgentAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrLLMFailure),
		errors.Is(err, ErrSandboxCreation), errors.Is(err, ErrCommandExecution):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
