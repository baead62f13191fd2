// Xraycp is a control plane for XRAY (VLESS+REALITY) relays.
// Copyright (C) 2026 Xraycp Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package relay

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of error kinds surfaced by the core.
type ErrorKind string

const (
	// Transport / SSH.
	ErrAuthFailed      ErrorKind = "AUTH_FAILED"
	ErrHostUnreachable ErrorKind = "HOST_UNREACHABLE"
	ErrTimeout         ErrorKind = "TIMEOUT"
	ErrCommandFailed   ErrorKind = "COMMAND_FAILED"

	// Lookup.
	ErrServerNotFound      ErrorKind = "SERVER_NOT_FOUND"
	ErrSecretNotFound      ErrorKind = "SECRET_NOT_FOUND"
	ErrSecretDecryptFailed ErrorKind = "SECRET_DECRYPT_FAILED"

	// Workflow.
	ErrRepairFailed ErrorKind = "REPAIR_FAILED"
	ErrJobCancelled ErrorKind = "JOB_CANCELLED"
	ErrJobNotFound  ErrorKind = "JOB_NOT_FOUND"
	ErrJobFailed    ErrorKind = "JOB_FAILED"

	// Coordination.
	ErrServerBusy ErrorKind = "SERVER_BUSY"
)

// AppError is the typed error carried across the job/worker boundary.
// Details hold structured context (step label, exit code, truncated
// stderr); they must never contain secret material.
type AppError struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAppError constructs an AppError with a kind and message.
func NewAppError(kind ErrorKind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// WithDetails attaches structured context and returns the same error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// AsAppError unwraps err into an *AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the error kind of err, or ErrJobFailed for errors that
// are not AppErrors.
func KindOf(err error) ErrorKind {
	if ae, ok := AsAppError(err); ok {
		return ae.Kind
	}
	return ErrJobFailed
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ae, ok := AsAppError(err)
	return ok && ae.Kind == kind
}

// Normalize coerces err into an AppError of the given fallback kind,
// preserving an existing AppError unchanged.
func Normalize(err error, fallback ErrorKind) *AppError {
	if ae, ok := AsAppError(err); ok {
		return ae
	}
	return NewAppError(fallback, err.Error())
}
