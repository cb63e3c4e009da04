package orchestrator

import (
	"errors"
	"fmt"

	"github.com/moolen/loom/internal/connector"
	"github.com/moolen/loom/internal/graph"
	"github.com/moolen/loom/internal/run"
	"github.com/moolen/loom/internal/schema"
)

// ErrorCode represents error codes used in API responses
type ErrorCode string

const (
	// ErrorCodeInvalidRequest represents invalid request parameters
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrorCodeSchemaInvalid represents a schema that failed validation
	ErrorCodeSchemaInvalid ErrorCode = "SCHEMA_INVALID"

	// ErrorCodeNotFound represents an unknown knowledge base, source, run or mapping
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrorCodeConflict represents an ingest colliding with an active run
	ErrorCodeConflict ErrorCode = "CONFLICT"

	// ErrorCodeSourceError represents a connector that could not be pulled
	ErrorCodeSourceError ErrorCode = "SOURCE_ERROR"

	// ErrorCodeWriteForbidden represents a graph query with write clauses
	ErrorCodeWriteForbidden ErrorCode = "WRITE_FORBIDDEN"

	// ErrorCodeDimensionMismatch represents a re-registration changing the
	// embedding vector dimension
	ErrorCodeDimensionMismatch ErrorCode = "DIMENSION_MISMATCH"

	// ErrorCodeInternalError represents an internal error
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// APIError represents an operation error with a stable code and message
type APIError struct {
	Code    ErrorCode
	Message string
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, message string, args ...interface{}) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(message, args...)}
}

// Error returns the error message
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Classify maps internal errors onto the public error taxonomy. Errors that
// are already APIErrors pass through; anything unrecognized becomes an
// internal error.
func Classify(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var invalid *schema.InvalidError
	if errors.As(err, &invalid) {
		return NewAPIError(ErrorCodeSchemaInvalid, "%s", invalid.Error())
	}
	var dim *schema.DimensionError
	if errors.As(err, &dim) {
		return NewAPIError(ErrorCodeDimensionMismatch, "%s", dim.Error())
	}
	var conflict *run.ConflictError
	if errors.As(err, &conflict) {
		return NewAPIError(ErrorCodeConflict, "%s", conflict.Error())
	}
	var forbidden *graph.WriteForbiddenError
	if errors.As(err, &forbidden) {
		return NewAPIError(ErrorCodeWriteForbidden, "%s", forbidden.Error())
	}
	var source *connector.SourceError
	if errors.As(err, &source) {
		return NewAPIError(ErrorCodeSourceError, "%s", source.Error())
	}

	switch {
	case errors.Is(err, schema.ErrUnknownKB),
		errors.Is(err, schema.ErrUnknownSource),
		errors.Is(err, schema.ErrUnknownMapping),
		errors.Is(err, run.ErrUnknownRun):
		return NewAPIError(ErrorCodeNotFound, "%s", err.Error())
	}

	return NewAPIError(ErrorCodeInternalError, "%s", err.Error())
}
