// Package apperror provides a structured way to handle application errors
// with specific codes, severity levels, and additional details. It also
// includes utilities for converting to and from gRPC status errors for the
// office-facing gateways that consume this service.
package apperror

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents a specific application error code.
type ErrorCode string

const (
	// Validation
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeOutOfRange         ErrorCode = "OUT_OF_RANGE"
	CodeNilInput           ErrorCode = "NIL_INPUT"
	CodeInvalidNetwork     ErrorCode = "INVALID_NETWORK"
	CodeInvalidCalibration ErrorCode = "INVALID_CALIBRATION"
	CodeUnknownGate        ErrorCode = "UNKNOWN_GATE"
	CodeUnknownZone        ErrorCode = "UNKNOWN_ZONE"
	CodeUnknownSection     ErrorCode = "UNKNOWN_SECTION"
	CodeModeConflict       ErrorCode = "MODE_CONFLICT"
	CodeInvalidWeek        ErrorCode = "INVALID_WEEK"

	// Infeasibility
	CodeElevationInfeasible ErrorCode = "ELEVATION_INFEASIBLE"
	CodeCapacityExceeded    ErrorCode = "CAPACITY_EXCEEDED"
	CodeNoFeasibleSplit     ErrorCode = "NO_FEASIBLE_SPLIT"
	CodeNoPath              ErrorCode = "NO_PATH"

	// Non-convergence
	CodeSolverDiverged   ErrorCode = "SOLVER_DIVERGED"
	CodeOptimizerStalled ErrorCode = "OPTIMIZER_STALLED"
	CodeIterationLimit   ErrorCode = "ITERATION_LIMIT"
	CodeTimeout          ErrorCode = "TIMEOUT"

	// External integrations
	CodeScadaUnavailable    ErrorCode = "SCADA_UNAVAILABLE"
	CodeFieldOpsUnavailable ErrorCode = "FIELDOPS_UNAVAILABLE"
	CodeSensorUnavailable   ErrorCode = "SENSOR_UNAVAILABLE"
	CodeWeatherUnavailable  ErrorCode = "WEATHER_UNAVAILABLE"
	CodeGISUnavailable      ErrorCode = "GIS_UNAVAILABLE"
	CodeDiscoveryFailed     ErrorCode = "DISCOVERY_FAILED"
	CodeBreakerOpen         ErrorCode = "BREAKER_OPEN"
	CodeCommTimeout         ErrorCode = "COMM_TIMEOUT"
	CodeQueueFull           ErrorCode = "QUEUE_FULL"

	// Safety
	CodeVelocityExceeded ErrorCode = "VELOCITY_EXCEEDED"
	CodeDepthViolation   ErrorCode = "DEPTH_VIOLATION"
	CodeEmergencyActive  ErrorCode = "EMERGENCY_ACTIVE"
	CodeSafetyInterlock  ErrorCode = "SAFETY_INTERLOCK"

	// Consistency
	CodeDisputedWeek     ErrorCode = "DISPUTED_WEEK"
	CodeChecksumMismatch ErrorCode = "CHECKSUM_MISMATCH"
	CodeTraceInvalid     ErrorCode = "TRACE_INVALID"
	CodeStateConflict    ErrorCode = "STATE_CONFLICT"

	// Fatal (boot-time)
	CodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// General
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
)

// Kind groups error codes into the families the rest of the system reasons
// about: retry policy, severity defaults, and operator-facing classification.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindInfeasible    Kind = "infeasible"
	KindNoConvergence Kind = "no_convergence"
	KindExternal      Kind = "external"
	KindSafety        Kind = "safety"
	KindConsistency   Kind = "consistency"
	KindFatal         Kind = "fatal"
	KindInternal      Kind = "internal"
)

// KindOf returns the family for an error code.
func KindOf(code ErrorCode) Kind {
	switch code {
	case CodeInvalidInput, CodeOutOfRange, CodeNilInput, CodeInvalidNetwork,
		CodeInvalidCalibration, CodeUnknownGate, CodeUnknownZone, CodeUnknownSection,
		CodeModeConflict, CodeInvalidWeek:
		return KindValidation

	case CodeElevationInfeasible, CodeCapacityExceeded, CodeNoFeasibleSplit, CodeNoPath:
		return KindInfeasible

	case CodeSolverDiverged, CodeOptimizerStalled, CodeIterationLimit, CodeTimeout:
		return KindNoConvergence

	case CodeScadaUnavailable, CodeFieldOpsUnavailable, CodeSensorUnavailable,
		CodeWeatherUnavailable, CodeGISUnavailable, CodeDiscoveryFailed,
		CodeBreakerOpen, CodeCommTimeout, CodeQueueFull:
		return KindExternal

	case CodeVelocityExceeded, CodeDepthViolation, CodeEmergencyActive, CodeSafetyInterlock:
		return KindSafety

	case CodeDisputedWeek, CodeChecksumMismatch, CodeTraceInvalid, CodeStateConflict:
		return KindConsistency

	case CodeConfigInvalid, CodeStoreUnavailable:
		return KindFatal

	default:
		return KindInternal
	}
}

// Retryable reports whether an error of this code may succeed on retry.
// Only transient external failures qualify; validation, infeasibility and
// safety rejections are deterministic.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeScadaUnavailable, CodeFieldOpsUnavailable, CodeSensorUnavailable,
		CodeWeatherUnavailable, CodeGISUnavailable, CodeDiscoveryFailed,
		CodeCommTimeout:
		return true
	}
	return false
}

// Severity defines the criticality level of an error.
type Severity int

const (
	// SeverityWarning indicates a non-critical issue that can be ignored or automatically resolved.
	SeverityWarning Severity = iota
	// SeverityError indicates a standard error that requires attention.
	SeverityError
	// SeverityCritical indicates a severe error that might require immediate human intervention.
	SeverityCritical
	// SeverityFatal indicates an unrecoverable error; the process cannot continue.
	SeverityFatal
)

// String returns the string representation of the Severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a custom error type that includes an ErrorCode, message,
// an optional field, additional details, an underlying cause, and a severity level.
type Error struct {
	Code     ErrorCode      // Code is a unique identifier for the type of error.
	Message  string         // Message is a human-readable description of the error.
	Field    string         // Field indicates which input field caused the error, if applicable.
	Details  map[string]any // Details provides additional structured information about the error.
	Cause    error          // Cause is the underlying error that triggered this application error.
	Severity Severity       // Severity indicates the criticality level of the error.
}

// Error implements the error interface, returning a string representation of the error.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, allowing for error chain introspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the family of the error.
func (e *Error) Kind() Kind {
	return KindOf(e.Code)
}

// GRPCStatus converts the application error into a gRPC status.Status.
func (e *Error) GRPCStatus() *status.Status {
	code := e.grpcCode()
	return status.New(code, e.Message)
}

// grpcCode maps an ErrorCode to an appropriate gRPC codes.Code.
func (e *Error) grpcCode() codes.Code {
	switch KindOf(e.Code) {
	case KindValidation:
		return codes.InvalidArgument

	case KindInfeasible, KindSafety:
		return codes.FailedPrecondition

	case KindExternal:
		if e.Code == CodeQueueFull {
			return codes.ResourceExhausted
		}
		return codes.Unavailable

	case KindNoConvergence:
		if e.Code == CodeTimeout {
			return codes.DeadlineExceeded
		}
		return codes.Aborted

	case KindConsistency:
		return codes.DataLoss
	}

	switch e.Code {
	case CodeNotFound:
		return codes.NotFound
	case CodeRateLimited:
		return codes.ResourceExhausted
	case CodePermissionDenied:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// New creates a new application error with the given code and message.
// The default severity is SeverityError.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// NewWithField creates a new application error with the given code, message, and field.
// The default severity is SeverityError.
func NewWithField(code ErrorCode, message, field string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Field:    field,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// NewWarning creates a new application error with SeverityWarning.
func NewWarning(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityWarning,
	}
}

// NewCritical creates a new application error with SeverityCritical.
func NewCritical(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityCritical,
	}
}

// NewFatal creates a new application error with SeverityFatal.
// Reserved for boot-time failures: invalid configuration, unreachable stores.
func NewFatal(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Details:  make(map[string]any),
		Severity: SeverityFatal,
	}
}

// Wrap creates a new application error that wraps an existing error,
// providing additional context with a code and message.
// The default severity is SeverityError.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Cause:    cause,
		Details:  make(map[string]any),
		Severity: SeverityError,
	}
}

// WithDetails adds a key-value pair to the error's details map and returns the modified error.
func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// WithField sets the field associated with the error and returns the modified error.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithSeverity sets the severity level of the error and returns the modified error.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// Is checks if the given error is an application error with a matching ErrorCode.
// It uses errors.As to unwrap the error chain.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsKind checks if the given error belongs to an error family.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind() == kind
	}
	return false
}

// Code extracts the ErrorCode from an error. If the error is not an *Error,
// it returns CodeInternal.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// ToGRPC converts an application error or any other error into a gRPC error status.
// If the error is an *Error, it uses its GRPCStatus method.
// If it's already a gRPC status error, it's returned as is.
// Otherwise, it's wrapped as an internal gRPC error.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.GRPCStatus().Err()
	}

	// If it's already a gRPC error
	if _, ok := status.FromError(err); ok {
		return err
	}

	// Wrap as an Internal error
	return status.Error(codes.Internal, err.Error())
}

// FromGRPC converts a gRPC error into an *Error.
// If the input error is nil, it returns nil.
// If the gRPC status code cannot be mapped to a specific ErrorCode,
// it defaults to CodeInternal.
func FromGRPC(err error) *Error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return New(CodeInternal, err.Error())
	}

	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = CodeInvalidInput
	case codes.NotFound:
		code = CodeNotFound
	case codes.DeadlineExceeded:
		code = CodeTimeout
	case codes.Unavailable:
		code = CodeScadaUnavailable
	case codes.ResourceExhausted:
		code = CodeRateLimited
	case codes.PermissionDenied:
		code = CodePermissionDenied
	case codes.FailedPrecondition:
		code = CodeElevationInfeasible
	default:
		code = CodeInternal
	}

	return New(code, st.Message())
}

// IsWarning checks if the given error is an application error with SeverityWarning.
func IsWarning(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityWarning
	}
	return false
}

// IsCritical checks if the given error is an application error with SeverityCritical or SeverityFatal.
func IsCritical(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity >= SeverityCritical
	}
	return false
}

// IsRetryable checks if the given error may succeed on retry.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code.Retryable()
	}
	return false
}

// Predefined errors for common scenarios.
var (
	ErrNilNetwork      = New(CodeNilInput, "network is nil")
	ErrTimeout         = New(CodeTimeout, "operation timed out")
	ErrIterationLimit  = New(CodeIterationLimit, "iteration limit exceeded")
	ErrNoPath          = New(CodeNoPath, "no downstream path to delivery node")
	ErrQueueFull       = New(CodeQueueFull, "gate command queue is full")
	ErrEmergencyActive = NewCritical(CodeEmergencyActive, "emergency stop is active")
	ErrBreakerOpen     = New(CodeBreakerOpen, "circuit breaker is open")
)

// ValidationErrors is a collection of application errors and warnings,
// typically used for aggregating results of multiple validation checks.
type ValidationErrors struct {
	Errors   []*Error // Errors contains all collected errors (SeverityError and above).
	Warnings []*Error // Warnings contains all collected warnings (SeverityWarning).
}

// NewValidationErrors creates and returns a new empty ValidationErrors collection.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors:   make([]*Error, 0),
		Warnings: make([]*Error, 0),
	}
}

// Add appends an *Error to the appropriate slice (Errors or Warnings)
// based on its Severity.
func (v *ValidationErrors) Add(err *Error) {
	if err.Severity == SeverityWarning {
		v.Warnings = append(v.Warnings, err)
	} else {
		v.Errors = append(v.Errors, err)
	}
}

// AddError creates and adds a new application error with SeverityError.
func (v *ValidationErrors) AddError(code ErrorCode, message string) {
	v.Errors = append(v.Errors, New(code, message))
}

// AddWarning creates and adds a new application error with SeverityWarning.
func (v *ValidationErrors) AddWarning(code ErrorCode, message string) {
	v.Warnings = append(v.Warnings, NewWarning(code, message))
}

// AddErrorWithField creates and adds a new application error with a specific field.
func (v *ValidationErrors) AddErrorWithField(code ErrorCode, message, field string) {
	v.Errors = append(v.Errors, NewWithField(code, message, field))
}

// HasErrors returns true if the collection contains any errors (non-warning severity).
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// HasWarnings returns true if the collection contains any warnings.
func (v *ValidationErrors) HasWarnings() bool {
	return len(v.Warnings) > 0
}

// IsValid returns true if the collection contains no errors (warnings do not affect validity).
func (v *ValidationErrors) IsValid() bool {
	return !v.HasErrors()
}

// Merge combines the current ValidationErrors collection with another one.
// All errors and warnings from the 'other' collection are appended to the current one.
func (v *ValidationErrors) Merge(other *ValidationErrors) {
	if other == nil {
		return
	}
	v.Errors = append(v.Errors, other.Errors...)
	v.Warnings = append(v.Warnings, other.Warnings...)
}

// ErrorMessages returns a slice of string messages for all collected errors.
func (v *ValidationErrors) ErrorMessages() []string {
	messages := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		messages[i] = err.Error()
	}
	return messages
}

// WarningMessages returns a slice of string messages for all collected warnings.
func (v *ValidationErrors) WarningMessages() []string {
	messages := make([]string, len(v.Warnings))
	for i, warn := range v.Warnings {
		messages[i] = warn.Message
	}
	return messages
}
