package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures surfaced by the write pipeline and the read path.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindPolicyRejected      Kind = "policy_rejected"
	KindSchemaEnsureFailed  Kind = "schema_ensure_failed"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	// KindPartialWriteFailure carries the store's status when it is an error
	// status and 500 otherwise.
	KindPartialWriteFailure Kind = "partial_write_failure"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindNotFound            Kind = "not_found"
)

var (
	// ErrConflict is returned by a RecordStore when a conditional or create-only
	// write does not match the current record state.
	ErrConflict = errors.New("version conflict")
	// ErrMapping is returned by a RecordStore when the document does not fit the
	// index mapping.
	ErrMapping = errors.New("document does not match index mapping")
)

// Error is the typed failure returned to callers. Status is the HTTP-equivalent
// code and Diagnostic, when set, is echoed to the caller verbatim.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	Diagnostic json.RawMessage
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the failure kind from err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the HTTP-equivalent status carried by err.
func StatusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) && pe.Status != 0 {
		return pe.Status
	}
	return http.StatusInternalServerError
}

func invalidRequest(msg string, err error) *Error {
	return &Error{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: msg, Err: err}
}

func rejected(names []string) *Error {
	quoted, _ := json.Marshal(names)
	return &Error{
		Kind:    KindPolicyRejected,
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("You have actions that are not allowed in your policy %s", quoted),
	}
}

func notFound(id string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf("policy %q not found", id)}
}

func storeUnavailable(msg string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Status: http.StatusServiceUnavailable, Message: msg, Err: err}
}
