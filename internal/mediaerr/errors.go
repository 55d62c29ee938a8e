// Package mediaerr defines the error taxonomy shared by the upload, streaming, loader and thumbnail paths.
// Every failure surfaced to callers carries a Kind, a machine readable Code and, when retries were
// involved, the number of attempts spent.
package mediaerr

import (
	stdErrors "errors"
	"fmt"
)

type Kind string

const (
	KindTransientTransfer Kind = "transient_transfer"
	KindIntegrity         Kind = "integrity"
	KindRetryExhausted    Kind = "retry_exhausted"
	KindNotFound          Kind = "not_found"
	KindDegradedManifest  Kind = "degraded_manifest"
	KindTimeout           Kind = "timeout"
)

type Code string

const (
	CodeTransferFailed      Code = "TRANSFER_FAILED"
	CodeContentTypeMismatch Code = "CONTENT_TYPE_MISMATCH"
	CodeRetryExhausted      Code = "RETRY_EXHAUSTED"
	CodeManifestNotFound    Code = "MANIFEST_NOT_FOUND"
	CodeManifestIncomplete  Code = "MANIFEST_INCOMPLETE"
	CodeMediaNotFound       Code = "MEDIA_NOT_FOUND"
	CodeVideoNotFound       Code = "VIDEO_NOT_FOUND"
	CodeTransientNetwork    Code = "TRANSIENT_NETWORK"
	CodeURLExpired          Code = "URL_EXPIRED"
	CodeDegradedManifest    Code = "DEGRADED_MANIFEST"
	CodeThumbnailTimeout    Code = "THUMBNAIL_TIMEOUT"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrTransient      = &Error{Kind: KindTransientTransfer}
	ErrIntegrity      = &Error{Kind: KindIntegrity}
	ErrRetryExhausted = &Error{Kind: KindRetryExhausted}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrDegraded       = &Error{Kind: KindDegradedManifest}
	ErrTimeout        = &Error{Kind: KindTimeout}
)

type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Retries int
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Retries > 0 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Retries)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports a match against the Kind sentinels above.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Code == "" && t.Message == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Retryable is true only for failures a local retry can fix.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindTransientTransfer
}

func Transient(code Code, message string, cause error) *Error {
	return &Error{Kind: KindTransientTransfer, Code: code, Message: message, Cause: cause}
}

func Integrity(message string, cause error) *Error {
	return &Error{Kind: KindIntegrity, Code: CodeContentTypeMismatch, Message: message, Cause: cause}
}

func RetryExhausted(code Code, attempts int, last error) *Error {
	if code == "" {
		code = CodeRetryExhausted
	}
	return &Error{Kind: KindRetryExhausted, Code: code, Message: "retry budget exhausted", Retries: attempts, Cause: last}
}

func NotFound(code Code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Degraded(issued, total int) *Error {
	return &Error{
		Kind:    KindDegradedManifest,
		Code:    CodeDegradedManifest,
		Message: fmt.Sprintf("issued %d of %d chunk urls", issued, total),
	}
}

func Timeout(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Code: CodeThumbnailTimeout, Message: message, Cause: cause}
}

// As returns the first *Error in err's chain, or nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	if typed := As(err); typed != nil {
		return typed.Kind
	}
	return ""
}
