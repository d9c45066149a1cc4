// Package apperr classifies failures of the sync core into the small set of
// kinds the rest of the system branches on: network failures are retried,
// conflicts trigger remote-wins resolution, storage failures surface to the
// caller, and everything else is reported.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

type Kind string

const (
	KindNetwork        Kind = "NETWORK_ERROR"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
	KindNotFound       Kind = "NOT_FOUND_ERROR"
	KindConflict       Kind = "CONFLICT_ERROR"
	KindValidation     Kind = "VALIDATION_ERROR"
	KindQuotaExceeded  Kind = "QUOTA_EXCEEDED"
	KindAccessDenied   Kind = "ACCESS_DENIED"
	KindUnknown        Kind = "UNKNOWN_ERROR"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrNetwork        = errors.New("network error")
	ErrAuthentication = errors.New("authentication error")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrValidation     = errors.New("validation error")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrAccessDenied   = errors.New("access denied")
)

var sentinels = map[Kind]error{
	KindNetwork:        ErrNetwork,
	KindAuthentication: ErrAuthentication,
	KindNotFound:       ErrNotFound,
	KindConflict:       ErrConflict,
	KindValidation:     ErrValidation,
	KindQuotaExceeded:  ErrQuotaExceeded,
	KindAccessDenied:   ErrAccessDenied,
}

type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Op != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d %s: %s", e.Op, e.StatusCode, e.Kind, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	case e.StatusCode != 0:
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Kind, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus maps a non-2xx HTTP response onto a kind.
func FromStatus(op string, status int, code, message string) *Error {
	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthentication
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusConflict:
		kind = KindConflict
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		kind = KindNetwork
	case status >= 400 && status <= 499:
		kind = KindValidation
	case status >= 500:
		kind = KindNetwork
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Kind: kind, Op: op, StatusCode: status, Code: code, Message: message}
}

// KindOf classifies any error, including ones that never passed through this
// package (transport failures, context expiry, filesystem permissions).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if errors.Is(err, os.ErrPermission) {
		return KindAccessDenied
	}
	return KindUnknown
}

func IsNetwork(err error) bool {
	return KindOf(err) == KindNetwork
}

func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsRetryable reports whether a later attempt of the same request can succeed
// without any change on the client side.
func IsRetryable(err error) bool {
	return IsNetwork(err)
}
