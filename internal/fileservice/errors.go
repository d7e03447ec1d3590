package fileservice

import (
	"errors"
	"fmt"
)

// Code is the closed set of error codes carried by [Error].
type Code string

const (
	CodeNotEnabled       Code = "not-enabled"
	CodeNoConnection     Code = "no-connection"
	CodeInvalidRequest   Code = "invalid-request"
	CodeNotFound         Code = "not-found"
	CodePermissionDenied Code = "permission-denied"
	CodeAlreadyExists    Code = "already-exists"
	CodeNotADirectory    Code = "not-a-directory"
	CodeIsADirectory     Code = "is-a-directory"
	CodeNotEmpty         Code = "directory-not-empty"
	CodeChunkOutOfOrder  Code = "chunk-out-of-order"
	CodeSizeMismatch     Code = "size-mismatch"
	CodeTooManyTransfers Code = "too-many-transfers"
	CodeCommandFailed    Code = "command-failed"
	CodeParseFailed      Code = "parse-failed"
	CodeSFTPError        Code = "sftp-error"
	CodeTransferFailed   Code = "transfer-failed"

	// CodeOwnershipMismatch never leaves the process: the adapter answers it
	// with CodeNotFound so callers cannot probe for other sessions' transfers.
	CodeOwnershipMismatch Code = "ownership-mismatch"
)

// publicMessages are the only messages ever sent to a client.
var publicMessages = map[Code]string{
	CodeNotEnabled:       "File transfer is not enabled",
	CodeNoConnection:     "No active SSH connection",
	CodeInvalidRequest:   "Invalid request",
	CodeNotFound:         "Not found",
	CodePermissionDenied: "Permission denied",
	CodeAlreadyExists:    "File already exists",
	CodeNotADirectory:    "Not a directory",
	CodeIsADirectory:     "Is a directory",
	CodeNotEmpty:         "Directory not empty",
	CodeChunkOutOfOrder:  "Chunk out of order",
	CodeSizeMismatch:     "Transferred size does not match declared size",
	CodeTooManyTransfers: "Too many concurrent transfers",
	CodeCommandFailed:    "Remote command failed",
	CodeParseFailed:      "Could not parse remote output",
	CodeSFTPError:        "SFTP operation failed",
	CodeTransferFailed:   "Transfer failed",
}

// PublicMessage returns the fixed client-facing text for a code.
func PublicMessage(c Code) string {
	if m, ok := publicMessages[c]; ok {
		return m
	}
	return publicMessages[CodeTransferFailed]
}

// Error is the tagged error returned across the FileService boundary.
type Error struct {
	Code       Code
	Message    string
	Path       string
	TransferID string
	// Err is the backend cause. It is logged, never sent to a client.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = PublicMessage(e.Code)
	}
	s := string(e.Code) + ": " + msg
	if e.Path != "" {
		s += " (path " + e.Path + ")"
	}
	if e.TransferID != "" {
		s += " (transfer " + e.TransferID + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Path == "" && t.TransferID == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrOwnershipMismatch = &Error{Code: CodeOwnershipMismatch}
	ErrNoConnection      = &Error{Code: CodeNoConnection}
	ErrAlreadyExists     = &Error{Code: CodeAlreadyExists}
	ErrPermissionDenied  = &Error{Code: CodePermissionDenied}
	ErrParseFailed       = &Error{Code: CodeParseFailed}
)

// Errorf builds an *Error with a formatted server-side message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPath returns a copy of e carrying path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

// WithTransfer returns a copy of e carrying transferID.
func (e *Error) WithTransfer(transferID string) *Error {
	c := *e
	c.TransferID = transferID
	return &c
}

// Wrap builds an *Error around a backend cause.
func Wrap(code Code, err error, path string) *Error {
	return &Error{Code: code, Err: err, Path: path}
}

// AsError converts any error into an *Error. Unknown errors become
// CodeTransferFailed with the original kept as the cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Code: CodeTransferFailed, Err: err}
}

// CodeOf returns the code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}
