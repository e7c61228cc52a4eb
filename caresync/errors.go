// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"errors"
	"fmt"
	"net"
)

// ErrorCode classifies engine failures per the error taxonomy.
type ErrorCode string

const (
	// CodeLocalIO is a local storage failure. It is fatal to the calling
	// operation and always surfaces synchronously.
	CodeLocalIO ErrorCode = "LOCAL_IO_ERROR"
	// CodeBackendUnavailable covers network failures and 5xx responses.
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	// CodeWriteRejected covers validation/permission rejections (4xx).
	CodeWriteRejected ErrorCode = "WRITE_REJECTED"
	// CodeNotFound means the requested record does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeAuthError means the backend rejected our credentials.
	CodeAuthError ErrorCode = "AUTH_ERROR"
	// CodeUploadFailed means a document/blob upload did not complete.
	CodeUploadFailed ErrorCode = "UPLOAD_FAILED"
)

// ErrNotFound is returned by Store lookups for missing records.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned for session state changes not allowed
// by the state machine.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Error is a classified engine error. Remote failures carry the HTTP status
// (or SQLSTATE) that produced them so callers can distinguish transient from
// permanent conditions.
type Error struct {
	Code   ErrorCode
	Op     string // e.g. "create children", "fetch sessions/s12"
	Status int    // HTTP status when applicable, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the ErrorCode for err, or CodeBackendUnavailable for
// unclassified errors (the conservative default for the retry path).
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return CodeBackendUnavailable
	}
	return CodeBackendUnavailable
}

// localIOError wraps a storage failure so it is never mistaken for a
// retryable remote condition.
func localIOError(op string, err error) error {
	return &Error{Code: CodeLocalIO, Op: op, Err: err}
}

// statusError maps an HTTP response status to a classified error.
func statusError(op string, status int, err error) error {
	code := CodeBackendUnavailable
	switch {
	case status == 401 || status == 403:
		code = CodeAuthError
	case status == 404:
		code = CodeNotFound
	case status >= 400 && status < 500:
		code = CodeWriteRejected
	}
	return &Error{Code: code, Op: op, Status: status, Err: err}
}
