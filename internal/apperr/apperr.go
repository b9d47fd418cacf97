// Package apperr defines the failure taxonomy shared by the remote clients, the
// record store and the sync engine, and the policy that decides whether a failed
// action is retried.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies where a failure came from.
type Kind string

const (
	KindNetwork    Kind = "NETWORK_ERROR"
	KindTimeout    Kind = "TIMEOUT_ERROR"
	KindValidation Kind = "VALIDATION_ERROR"
	KindStorage    Kind = "STORAGE_ERROR"
	KindServer     Kind = "SERVER_ERROR"
	KindUnknown    Kind = "UNKNOWN_ERROR"
)

// Error is a classified failure. Status carries the HTTP status for KindServer.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Status != 0 {
		prefix = fmt.Sprintf("%s %d", e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// HTTP builds a server error for a non-2xx response.
func HTTP(status int, message string) *Error {
	return &Error{Kind: KindServer, Status: status, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is checks whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// Classification is the retry decision for one failed attempt.
type Classification struct {
	Kind        Kind
	Retryable   bool
	UserMessage string
}

// Classify maps a raw error to the retry policy:
//
//	network, timeout             retryable
//	HTTP 429, HTTP 5xx           retryable
//	HTTP 4xx (other)             not retryable
//	validation                   not retryable
//	storage                      retryable, handled by the caller without counting an attempt
//	unknown                      retryable, bounded by the caller's max retries
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return classifyKind(appErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Kind: KindTimeout, Retryable: true, UserMessage: "The request timed out. It will be retried."}
	case isNetTimeout(err):
		return Classification{Kind: KindTimeout, Retryable: true, UserMessage: "The request timed out. It will be retried."}
	case isNetError(err):
		return Classification{Kind: KindNetwork, Retryable: true, UserMessage: "Network unavailable. It will be retried."}
	}
	return Classification{Kind: KindUnknown, Retryable: true, UserMessage: "Something went wrong: " + err.Error()}
}

func classifyKind(e *Error) Classification {
	switch e.Kind {
	case KindNetwork:
		return Classification{Kind: e.Kind, Retryable: true, UserMessage: "Network unavailable. It will be retried."}
	case KindTimeout:
		return Classification{Kind: e.Kind, Retryable: true, UserMessage: "The request timed out. It will be retried."}
	case KindValidation:
		return Classification{Kind: e.Kind, Retryable: false, UserMessage: e.Message}
	case KindStorage:
		return Classification{Kind: e.Kind, Retryable: true, UserMessage: "Could not save changes on this device."}
	case KindServer:
		switch {
		case e.Status == http.StatusTooManyRequests:
			return Classification{Kind: e.Kind, Retryable: true, UserMessage: "The service is busy. It will be retried."}
		case e.Status >= 500 || e.Status == 0:
			return Classification{Kind: e.Kind, Retryable: true, UserMessage: "The service is unavailable. It will be retried."}
		case e.Status >= 400:
			return Classification{Kind: e.Kind, Retryable: false, UserMessage: fmt.Sprintf("The request was rejected (%d): %s", e.Status, e.Message)}
		}
		return Classification{Kind: e.Kind, Retryable: true, UserMessage: e.Message}
	}
	return Classification{Kind: KindUnknown, Retryable: true, UserMessage: "Something went wrong: " + e.Error()}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
