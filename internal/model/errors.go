package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a machine-stable error code. Callers branch on codes, never on
// message text.
type Code string

const (
	CodeUnsupportedMethod         Code = "unsupported_method"
	CodeUnsupportedVariant        Code = "unsupported_variant"
	CodeInvalidProfile            Code = "invalid_profile"
	CodeMissingRequiredParameters Code = "missing_required_parameters"
	CodeUnknownParameterKeys      Code = "unknown_parameter_keys"
	CodeInvalidParameterType      Code = "invalid_parameter_type"
	CodeParameterOutOfRange       Code = "parameter_out_of_range"
	CodeInvalidParameterChoice    Code = "invalid_parameter_choice"
	CodeInvalidSuggestedParams    Code = "invalid_suggested_params"
	CodeNotFound                  Code = "not_found"
	CodeAlreadyApplied            Code = "already_applied"
	CodeContextMismatch           Code = "context_mismatch"
	CodeInvalidScore              Code = "invalid_score"
	CodeTrialNotFound             Code = "trial_not_found"
	CodeObservationInUse          Code = "observation_in_use"
	CodeTrialAlreadyFinished      Code = "trial_already_finished"
)

// Category is the coarse class of a Code, suitable for mapping onto
// transport status codes.
type Category string

const (
	CategoryInvalidInput Category = "invalid_input"
	CategoryNotFound     Category = "not_found"
	CategoryConflict     Category = "conflict"
	CategoryInternal     Category = "internal"
)

// Category groups c for callers that only need the coarse class.
func (c Code) Category() Category {
	switch c {
	case CodeUnsupportedMethod, CodeUnsupportedVariant,
		CodeMissingRequiredParameters, CodeUnknownParameterKeys,
		CodeInvalidParameterType, CodeParameterOutOfRange,
		CodeInvalidParameterChoice, CodeInvalidSuggestedParams,
		CodeInvalidScore:
		return CategoryInvalidInput
	case CodeNotFound, CodeTrialNotFound:
		return CategoryNotFound
	case CodeAlreadyApplied, CodeContextMismatch,
		CodeObservationInUse, CodeTrialAlreadyFinished:
		return CategoryConflict
	default:
		// invalid_profile is a server-side data bug.
		return CategoryInternal
	}
}

// Error is a domain failure with a stable code and an optional
// field -> reason map.
type Error struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + ": " + e.Fields[k]
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
}

// Is matches any *Error carrying the same code, so sentinels below work
// with errors.Is regardless of message or fields.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrUnsupportedMethod         = &Error{Code: CodeUnsupportedMethod}
	ErrUnsupportedVariant        = &Error{Code: CodeUnsupportedVariant}
	ErrInvalidProfile            = &Error{Code: CodeInvalidProfile}
	ErrMissingRequiredParameters = &Error{Code: CodeMissingRequiredParameters}
	ErrUnknownParameterKeys      = &Error{Code: CodeUnknownParameterKeys}
	ErrInvalidParameterType      = &Error{Code: CodeInvalidParameterType}
	ErrParameterOutOfRange       = &Error{Code: CodeParameterOutOfRange}
	ErrInvalidParameterChoice    = &Error{Code: CodeInvalidParameterChoice}
	ErrInvalidSuggestedParams    = &Error{Code: CodeInvalidSuggestedParams}
	ErrNotFound                  = &Error{Code: CodeNotFound}
	ErrAlreadyApplied            = &Error{Code: CodeAlreadyApplied}
	ErrContextMismatch           = &Error{Code: CodeContextMismatch}
	ErrInvalidScore              = &Error{Code: CodeInvalidScore}
	ErrTrialNotFound             = &Error{Code: CodeTrialNotFound}
	ErrObservationInUse          = &Error{Code: CodeObservationInUse}
	ErrTrialAlreadyFinished      = &Error{Code: CodeTrialAlreadyFinished}
)

// NewError builds an *Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithFields attaches a field -> reason map and returns e.
func (e *Error) WithFields(fields map[string]string) *Error {
	e.Fields = fields
	return e
}

// CodeOf extracts the code of a domain error, or "" for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
