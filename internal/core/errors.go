package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies upload failures.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindRateLimit  ErrorKind = "rate_limit"
	KindTransport  ErrorKind = "transport"
	KindAPI        ErrorKind = "api"
	KindAuth       ErrorKind = "auth"
	KindLock       ErrorKind = "lock"
)

// UploadError is the single error shape the engine branches on. Provider
// clients normalize every failure into one of these.
type UploadError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Signals    Signals
	Err        error
}

func (e *UploadError) Error() string {
	if e == nil {
		return "upload error"
	}

	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(" ")
	}
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UploadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *UploadError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindRateLimit || e.Kind == KindTransport
}

// AbortsBatch reports whether continuing would fail identically for every
// remaining item.
func (e *UploadError) AbortsBatch() bool {
	return e != nil && e.Kind == KindAuth
}

func NewValidationError(provider, message string) *UploadError {
	return &UploadError{Kind: KindValidation, Provider: provider, Message: message}
}

func NewRateLimitError(provider string, status int, message string, sig Signals) *UploadError {
	return &UploadError{Kind: KindRateLimit, Provider: provider, StatusCode: status, Message: message, Signals: sig}
}

func NewTransportError(provider string, err error) *UploadError {
	return &UploadError{Kind: KindTransport, Provider: provider, Err: err}
}

func NewAPIError(provider string, status int, message string) *UploadError {
	return &UploadError{Kind: KindAPI, Provider: provider, StatusCode: status, Message: message}
}

func NewAuthError(provider string, status int, message string) *UploadError {
	return &UploadError{Kind: KindAuth, Provider: provider, StatusCode: status, Message: message}
}

func NewLockError(message string, err error) *UploadError {
	return &UploadError{Kind: KindLock, Message: message, Err: err}
}

// KindOf extracts the error kind. Unclassified errors are treated as API
// errors so they are never retried blindly.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var uerr *UploadError
	if errors.As(err, &uerr) && uerr != nil {
		return uerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	return KindAPI
}

// IsRetryable reports whether err is a retryable upload failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var uerr *UploadError
	if errors.As(err, &uerr) && uerr != nil {
		return uerr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
