// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// These codes give clients (Telegram ignores them; operators and dashboards do
// not) a stable, machine-readable error taxonomy that supplements the
// human-readable message.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes mirror HTTP status semantics.
//   - Domain codes name the step that failed.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "flow_failed",
//	  "message": "update could not be processed"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeFlowFailed       = "flow_failed"
	ErrCodeStatsFailed      = "stats_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
