// Package domain holds the request, frame and error types shared by the relay
// and the aggregator.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an inbound API error.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypePermission     ErrorType = "permission"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeServer         ErrorType = "server"
)

// APIError is returned by the HTTP surface for problems with the inbound call
// itself, before any upstream traffic happens.
type APIError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	StatusCode int       `json:"-"`
}

func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the status code to answer with.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WithParam records the offending request parameter.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

func ErrPermission(message string) *APIError {
	return NewAPIError(ErrorTypePermission, message)
}

func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrorKind classifies a relay failure. Every kind ends the stream with an
// Error frame; none of them is retried by the relay.
type ErrorKind string

const (
	// KindUpstreamUnreachable covers connection failures and timeouts.
	KindUpstreamUnreachable ErrorKind = "upstream_unreachable"
	// KindUpstreamBadStatus is a non-success upstream status; the body is the detail.
	KindUpstreamBadStatus ErrorKind = "upstream_bad_status"
	// KindUpstreamMalformed is an upstream body that could not be parsed.
	KindUpstreamMalformed ErrorKind = "upstream_malformed"
)

// ErrCallerCancelled marks a request the caller abandoned. It is neither a
// success nor a failure and must not trigger completion or error handling.
var ErrCallerCancelled = errors.New("request cancelled by caller")

// RelayError is a terminal upstream failure.
type RelayError struct {
	Kind ErrorKind
	// Message is the text carried by the Error frame.
	Message string
	// StatusCode is the upstream status for KindUpstreamBadStatus.
	StatusCode int
	Err        error
}

func (e *RelayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RelayError) Unwrap() error { return e.Err }

// HTTPStatusCode maps the failure to the status used for non-streaming replies.
func (e *RelayError) HTTPStatusCode() int {
	switch e.Kind {
	case KindUpstreamUnreachable:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func Unreachable(err error) *RelayError {
	return &RelayError{Kind: KindUpstreamUnreachable, Message: err.Error(), Err: err}
}

func BadStatus(code int, body string) *RelayError {
	if body == "" {
		body = http.StatusText(code)
	}
	return &RelayError{Kind: KindUpstreamBadStatus, Message: body, StatusCode: code}
}

func Malformed(err error) *RelayError {
	return &RelayError{Kind: KindUpstreamMalformed, Message: err.Error(), Err: err}
}

// AsRelayError unwraps err into a *RelayError. Errors of other types are
// reported as unreachable, since they come from the transport.
func AsRelayError(err error) *RelayError {
	var re *RelayError
	if errors.As(err, &re) {
		return re
	}
	return Unreachable(err)
}
