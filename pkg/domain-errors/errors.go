// Package domainerrors carries a machine-readable Code alongside an error so
// services can translate failures without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeValidation   Code = "validation_error"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeUnauthorized Code = "unauthorized"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal_error"

	// Registry client failures.
	CodeSetup        Code = "setup_error"
	CodeAuth         Code = "auth_error"
	CodeFetch        Code = "fetch_error"
	CodeSubscription Code = "subscription_error"

	// Reconciliation failures. Each one ends the event in ERROR without
	// affecting later events.
	CodeUnresolvedParent  Code = "unresolved_parent"
	CodeUnresolvedVillage Code = "unresolved_village"
	CodeUnknownType       Code = "unknown_type"
	CodeDuplicate         Code = "duplicate"
	CodeDuplicateName     Code = "duplicate_name"
	CodeLevelMismatch     Code = "level_mismatch"
	CodeHierarchyMove     Code = "hierarchy_move"
	CodeParse             Code = "parse_error"
	CodeStructural        Code = "structural_error"
)

// domainCodes are the failures a reconciliation is expected to produce.
var domainCodes = map[Code]struct{}{
	CodeNotFound:          {},
	CodeValidation:        {},
	CodeAuth:              {},
	CodeFetch:             {},
	CodeSubscription:      {},
	CodeUnresolvedParent:  {},
	CodeUnresolvedVillage: {},
	CodeUnknownType:       {},
	CodeDuplicate:         {},
	CodeDuplicateName:     {},
	CodeLevelMismatch:     {},
	CodeHierarchyMove:     {},
	CodeParse:             {},
	CodeStructural:        {},
}

// Error is a coded error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether the outermost coded error in err's chain carries code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Is is an alias of HasCode kept for call-site readability.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the code of the outermost coded error, or CodeInternal when
// err carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsDomain reports whether err is a known, expected reconciliation failure as
// opposed to a bug or an infrastructure fault.
func IsDomain(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	_, ok := domainCodes[de.Code]
	return ok
}
