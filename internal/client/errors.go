package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"sitepress/api/internal/settings"
)

// Kind classifies a failed call the way callers need to react to it.
type Kind string

const (
	KindPermissionDenied   Kind = "permission_denied"
	KindLockConflict       Kind = "lock_conflict"
	KindValidationConflict Kind = "validation_conflict"
	KindNotFound           Kind = "not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindTransient          Kind = "transient"
	KindServer             Kind = "server"
)

var (
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrLockConflict       = &Error{Kind: KindLockConflict}
	ErrValidationConflict = &Error{Kind: KindValidationConflict}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrTransient          = &Error{Kind: KindTransient}
	ErrServer             = &Error{Kind: KindServer}
)

// Error is returned for every non-2xx response and every transport failure.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	// Lock is the current holder when Kind is KindLockConflict.
	Lock *settings.Lock
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	if message == "" {
		message = string(e.Kind)
	}
	if e.Status > 0 {
		return fmt.Sprintf("sitepress: %s (status %d)", message, e.Status)
	}
	return "sitepress: " + message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// IsKind reports whether err is a client error of the given kind.
func IsKind(err error, kind Kind) bool {
	var clientErr *Error
	return errors.As(err, &clientErr) && clientErr.Kind == kind
}

// LockHolder extracts the holder carried by a lock conflict.
func LockHolder(err error) (settings.Lock, bool) {
	var clientErr *Error
	if !errors.As(err, &clientErr) || clientErr.Lock == nil {
		return settings.Lock{}, false
	}
	return *clientErr.Lock, true
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusForbidden:
		return KindPermissionDenied
	case http.StatusLocked:
		return KindLockConflict
	case http.StatusConflict, http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidationConflict
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return KindTransient
	default:
		return KindServer
	}
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details struct {
		Lock *settings.Lock `json:"lock"`
	} `json:"details"`
}

func decodeError(status int, body []byte) *Error {
	out := &Error{Kind: kindForStatus(status), Status: status}
	var envelope errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &envelope) == nil {
		out.Code = envelope.Code
		out.Message = envelope.Error
		out.Lock = envelope.Details.Lock
	}
	if out.Message == "" {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 {
			out.Message = text
		} else {
			out.Message = http.StatusText(status)
		}
	}
	return out
}

// transportError wraps failures that never produced a response. Context
// cancellation is passed through so callers can tell it apart.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	message := "network error"
	if errors.As(err, &netErr) && netErr.Timeout() {
		message = "request timed out"
	}
	return &Error{Kind: KindTransient, Message: message, Err: err}
}
