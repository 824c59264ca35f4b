package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// Process exit codes.
const (
	exitOK           = 0
	exitInternal     = 1
	exitInvalidInput = 2
	exitNotFound     = 3
	exitConflict     = 4
)

// usageError is a malformed flag or argument, reported before any operation runs.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderError maps err onto its JSON body and process exit code. Domain
// errors keep their stable code; everything else is reported as internal.
func renderError(err error) (errorBody, int) {
	var de *model.Error
	if errors.As(err, &de) {
		body := errorBody{Code: string(de.Code), Message: de.Message, Fields: de.Fields}
		switch de.Code.Category() {
		case model.CategoryInvalidInput:
			return body, exitInvalidInput
		case model.CategoryNotFound:
			return body, exitNotFound
		case model.CategoryConflict:
			return body, exitConflict
		default:
			return body, exitInternal
		}
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return errorBody{Code: "usage", Message: ue.msg}, exitInvalidInput
	}
	return errorBody{Code: "internal", Message: err.Error()}, exitInternal
}

func writeError(w io.Writer, err error) int {
	body, code := renderError(err)
	_ = printJSON(w, map[string]errorBody{"error": body})
	return code
}
