// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package apperrors defines the error taxonomy shared by every store
// adapter, worker, and HTTP handler (spec §7). Every error that can cross
// a component boundary is wrapped in a *Error carrying one of the Kind
// values below, so the control surface can map it to an HTTP status
// without inspecting error strings.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the coarse error taxonomy from spec §7.
type Kind string

const (
	KindBadRequest   Kind = "BadRequest"
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindUnauthorized Kind = "Unauthorized"
	KindForbidden    Kind = "Forbidden"
	KindTimeout      Kind = "Timeout"
	KindUnavailable  Kind = "Unavailable"
	KindInternal     Kind = "Internal"
)

// HTTPStatus maps a Kind to the status code spec §7 assigns it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete error type every component returns. Message is
// human-readable and safe to put in the HTTP envelope; Cause is logged but
// never serialized to the client (no stack traces cross the boundary).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches kind/message to an underlying cause, preserving it for logs.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// that never went through this package — the synchronous ingestion path
// relies on this to never let a raw store error look like success.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether KindOf(err) equals kind: only the first *Error in
// err's chain is compared, and an err with none counts as KindInternal.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

var (
	ErrSourceMapMissing = New(KindNotFound, "source map not found")
	ErrSourceMapCorrupt = New(KindBadRequest, "source map is corrupt")
)
