package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by how a caller should react to them.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindValidation     Kind = "validation"
	KindInfrastructure Kind = "infrastructure"
)

// Code is the stable, client-facing identifier of an error.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	CodeSuperAdminOnly Code = "SUPER_ADMIN_ONLY"
	CodeNotClassOwner  Code = "NOT_CLASS_OWNER"
	CodeNotEnrolled    Code = "NOT_ENROLLED"

	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeClassNotFound   Code = "CLASS_NOT_FOUND"

	CodeSessionAlreadyActive Code = "SESSION_ALREADY_ACTIVE"
	CodeSessionNotActive     Code = "SESSION_NOT_ACTIVE"
	CodeSessionWindowClosed  Code = "SESSION_WINDOW_CLOSED"

	CodeDuplicateAttempt         Code = "DUPLICATE_ATTEMPT"
	CodeStaleQR                  Code = "STALE_QR"
	CodeFaceVerificationRequired Code = "FACE_VERIFICATION_REQUIRED"
	CodeMethodNotAllowed         Code = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument          Code = "INVALID_ARGUMENT"

	CodeStoreTimeout     Code = "STORE_TIMEOUT"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

var codeKinds = map[Code]Kind{
	CodeUnauthenticated:          KindAuthentication,
	CodeSuperAdminOnly:           KindAuthorization,
	CodeNotClassOwner:            KindAuthorization,
	CodeNotEnrolled:              KindAuthorization,
	CodeSessionNotFound:          KindNotFound,
	CodeClassNotFound:            KindNotFound,
	CodeSessionAlreadyActive:     KindConflict,
	CodeSessionNotActive:         KindConflict,
	CodeSessionWindowClosed:      KindConflict,
	CodeDuplicateAttempt:         KindValidation,
	CodeStaleQR:                  KindValidation,
	CodeFaceVerificationRequired: KindValidation,
	CodeMethodNotAllowed:         KindValidation,
	CodeInvalidArgument:          KindValidation,
	CodeStoreTimeout:             KindInfrastructure,
	CodeStoreUnavailable:         KindInfrastructure,
}

// Error is the typed error returned by every engine operation.
type Error struct {
	Kind    Kind
	Code    Code
	Message string

	// ExistingSessionID is set on SESSION_ALREADY_ACTIVE so the caller can end the other session.
	ExistingSessionID string

	Err error
}

// New builds an Error for code with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindOf(code), Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error for code around a cause.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Kind: KindOf(code), Code: code, Message: msg, Err: err}
}

// KindOf returns the kind registered for code.
func KindOf(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindInfrastructure
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrDuplicateAttempt = &Error{Kind: KindValidation, Code: CodeDuplicateAttempt}
	ErrInvalidArgument  = &Error{Kind: KindValidation, Code: CodeInvalidArgument}
	ErrStoreTimeout     = &Error{Kind: KindInfrastructure, Code: CodeStoreTimeout}
)

// From returns err as an *Error, classifying unknown errors as infrastructure failures.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeStoreTimeout, err, "store call timed out")
	}
	return Wrap(CodeStoreUnavailable, err, "store call failed")
}

// HTTPStatus maps an error onto the response status used by the HTTP binding.
func HTTPStatus(err error) int {
	e := From(err)
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		if errors.Is(e, ErrInvalidArgument) {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	}
	if errors.Is(e, ErrStoreTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}
