// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apierr defines the typed error taxonomy the control-plane API
// maps to HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError signals bad input: an invalid cron expression, an
// unknown timezone, an unknown caseId, or a missing required field.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidation builds a ValidationError.
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// AdmissionError signals a caseId already running, or a scope conflict
// with another active run.
type AdmissionError struct {
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }

// NewAdmission builds an AdmissionError.
func NewAdmission(format string, args ...any) *AdmissionError {
	return &AdmissionError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError signals an unknown schedule id or missing resume state.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// NewNotFound builds a NotFoundError.
func NewNotFound(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// DrainingError signals the daemon is draining: in-flight runs are being
// allowed to finish but no new run will be admitted. Callers should retry
// later, per the Retry-After hint set alongside this error at the HTTP layer.
type DrainingError struct {
	Message string
}

func (e *DrainingError) Error() string { return e.Message }

// NewDraining builds a DrainingError.
func NewDraining(format string, args ...any) *DrainingError {
	return &DrainingError{Message: fmt.Sprintf(format, args...)}
}

// TransientExternalError signals a network failure or 5xx/429 from the
// extraction API or object store. Callers retry per §4.4.1/§4.2 of the
// run-execution contract; this type exists so retry classification and
// logging can distinguish it from a FatalRunError.
type TransientExternalError struct {
	Message    string
	StatusCode int
}

func (e *TransientExternalError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// NewTransientExternal builds a TransientExternalError.
func NewTransientExternal(statusCode int, format string, args ...any) *TransientExternalError {
	return &TransientExternalError{Message: fmt.Sprintf(format, args...), StatusCode: statusCode}
}

// FatalRunError aborts the current run: a NetworkAbort (retry limit
// exceeded) or a checkpoint-store write failure.
type FatalRunError struct {
	Message string
	Cause   error
}

func (e *FatalRunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *FatalRunError) Unwrap() error { return e.Cause }

// NewFatal builds a FatalRunError wrapping cause.
func NewFatal(message string, cause error) *FatalRunError {
	return &FatalRunError{Message: message, Cause: cause}
}

// AuditFailure marks an error that occurred while writing an audit-log
// entry. Callers must log it locally and otherwise ignore it — it must
// never abort the calling operation.
type AuditFailure struct {
	Message string
	Cause   error
}

func (e *AuditFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AuditFailure) Unwrap() error { return e.Cause }

// NewAuditFailure builds an AuditFailure wrapping cause.
func NewAuditFailure(message string, cause error) *AuditFailure {
	return &AuditFailure{Message: message, Cause: cause}
}

// HTTPStatus maps an error to the HTTP status code the control-plane API
// should return for it, per spec §7. Unrecognised errors map to 500.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		admission  *AdmissionError
		notFound   *NotFoundError
		draining   *DrainingError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &admission):
		return http.StatusConflict
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &draining):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
