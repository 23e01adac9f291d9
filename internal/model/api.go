package model

import (
	"fmt"
	"time"
)

// Field length limits for ingested records. They keep a single oversized
// payload from filling TEXT columns with caller-controlled garbage.
const (
	MaxAppIDLen   = 256
	MaxMainIOLen  = 256 * 1024 // 256 KB per serialized main input/output
	MaxRecordCall = 10_000
)

// ValidateRecord checks the fields of an ingested record that flow into
// TEXT columns and the selector view.
func ValidateRecord(r Record) error {
	if r.AppID == "" {
		return fmt.Errorf("app_id is required")
	}
	if len(r.AppID) > MaxAppIDLen {
		return fmt.Errorf("app_id exceeds maximum length of %d characters", MaxAppIDLen)
	}
	if s, ok := r.MainInput.(string); ok && len(s) > MaxMainIOLen {
		return fmt.Errorf("main_input exceeds maximum length of %d bytes", MaxMainIOLen)
	}
	if s, ok := r.MainOutput.(string); ok && len(s) > MaxMainIOLen {
		return fmt.Errorf("main_output exceeds maximum length of %d bytes", MaxMainIOLen)
	}
	if len(r.Calls) > MaxRecordCall {
		return fmt.Errorf("calls exceeds maximum of %d entries", MaxRecordCall)
	}
	for i, c := range r.Calls {
		if c.Method == "" {
			return fmt.Errorf("calls[%d].method is required", i)
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// IngestRecordRequest is the request body for POST /v1/records.
type IngestRecordRequest struct {
	App                   *App         `json:"app,omitempty"`
	Record                Record       `json:"record"`
	FeedbackDefinitionIDs []string     `json:"feedback_definition_ids,omitempty"`
	Mode                  FeedbackMode `json:"mode,omitempty"`
}

// IngestRecordResponse reports the stored record id and the feedback
// results created (or computed) for it.
type IngestRecordResponse struct {
	RecordID string           `json:"record_id"`
	Feedback []FeedbackResult `json:"feedback,omitempty"`
}

// DefineFeedbackRequest is the request body for POST /v1/feedback-definitions.
type DefineFeedbackRequest struct {
	SuppliedName   string            `json:"supplied_name,omitempty"`
	Implementation Implementation    `json:"implementation"`
	Aggregator     string            `json:"aggregator,omitempty"`
	Selectors      map[string]string `json:"selectors"`
	Combinations   Combinations      `json:"combinations,omitempty"`
	HigherIsBetter *bool             `json:"higher_is_better,omitempty"`
	RunLocation    RunLocation       `json:"run_location,omitempty"`
}

// RecordsAndFeedback is the response body for GET /v1/records.
type RecordsAndFeedback struct {
	Rows    []RecordRow      `json:"rows"`
	Columns []FeedbackColumn `json:"columns"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Database  string `json:"database"`
	Evaluator string `json:"evaluator"`
	Remote    string `json:"remote,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

// RemoteState reports the remote scheduler state for operator endpoints.
type RemoteState struct {
	Suspended bool      `json:"suspended"`
	LastRun   time.Time `json:"last_run"`
	Processed int64     `json:"processed"`
}
