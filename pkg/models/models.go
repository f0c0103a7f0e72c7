// Package models defines the domain models for the process dispatcher
package models

import (
	"encoding/json"
	"time"
)

// ErrorKind classifies a failed dispatch
type ErrorKind string

const (
	KindManifestNotFound      ErrorKind = "ManifestNotFound"
	KindManifestInvalid       ErrorKind = "ManifestInvalid"
	KindValidation            ErrorKind = "ValidationError"
	KindMissingBucketingKey   ErrorKind = "MissingBucketingKeyError"
	KindStrategyResolution    ErrorKind = "StrategyResolutionError"
	KindInvocation            ErrorKind = "InvocationError"
	KindInvocationTimeout     ErrorKind = "InvocationTimeoutError"
	KindInvocationUnavailable ErrorKind = "InvocationUnavailable"
	KindInternal              ErrorKind = "InternalError"
)

// Retryable reports whether a caller may retry the same request unchanged.
// ValidationError is retryable only after the caller corrects its input.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindInvocationTimeout, KindInvocationUnavailable:
		return true
	}
	return false
}

// Stage is a step of the per-call dispatch state machine
type Stage string

const (
	StageReceived        Stage = "RECEIVED"
	StageManifestLoaded  Stage = "MANIFEST_LOADED"
	StageValidated       Stage = "VALIDATED"
	StageVariantSelected Stage = "VARIANT_SELECTED"
	StageInvoked         Stage = "INVOKED"
	StageCompleted       Stage = "COMPLETED"
	StageFailed          Stage = "FAILED"
)

// DispatchRequest names a process and carries the caller's arguments
type DispatchRequest struct {
	ProcessName string            `json:"process_name"`
	Arguments   json.RawMessage   `json:"arguments,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
	Timeout     time.Duration     `json:"-"`
}

// DispatchResult is returned for every dispatch, successful or not
type DispatchResult struct {
	Success           bool         `json:"success"`
	TraceID           string       `json:"traceId"`
	SelectedVariantID *string      `json:"selectedVariantId"`
	Data              interface{}  `json:"data"`
	Error             *ErrorDetail `json:"error"`
	Stage             Stage        `json:"stage"`
	ManifestVersion   int          `json:"manifestVersion,omitempty"`
}

// VariantID returns the selected variant id or "" when none was selected
func (r DispatchResult) VariantID() string {
	if r.SelectedVariantID == nil {
		return ""
	}
	return *r.SelectedVariantID
}

// ErrorDetail is the structured error attached to a failed DispatchResult
type ErrorDetail struct {
	Kind    ErrorKind   `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

// DispatchOutcome is one row of the dispatch outcome log
type DispatchOutcome struct {
	TraceID     string        `json:"trace_id" db:"trace_id"`
	ProcessName string        `json:"process_name" db:"process_name"`
	VariantID   string        `json:"variant_id" db:"variant_id"`
	Success     bool          `json:"success" db:"success"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty" db:"error_kind"`
	Duration    time.Duration `json:"duration" db:"duration_ms"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// VariantStats aggregates outcomes for one variant over a window
type VariantStats struct {
	VariantID string  `json:"variant_id"`
	Total     int     `json:"total"`
	Successes int     `json:"successes"`
	MeanMs    float64 `json:"mean_ms"`
}

// SuccessRate returns Successes/Total, or 0 when there are no samples
func (s VariantStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Total)
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	TraceID  string   `json:"trace_id,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}
