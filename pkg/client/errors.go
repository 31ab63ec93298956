package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrTransport is returned when the request could not be sent or the
	// response could not be read, including timeouts.
	ErrTransport = errors.New("transport failure")

	// ErrMalformedResponse is returned when a 200 body is not a JSON object.
	ErrMalformedResponse = errors.New("malformed response")
)

// ErrorClass represents a classification of call failures.
type ErrorClass string

const (
	// ErrorClassRedirect represents 3xx replies.
	ErrorClassRedirect ErrorClass = "redirect"

	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents undecodable bodies.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassAuth represents token acquisition failures.
	ErrorClassAuth ErrorClass = "auth"
)

// ClassifyStatus maps an HTTP status of 300 or above to its error class.
// Lower statuses return "".
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code >= 300 && code < 400:
		return ErrorClassRedirect
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// APIError is an HTTP reply the caller cannot use as data.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Endpoint   string

	// Payload is the response_status object or raw body sent with the error.
	Payload json.RawMessage

	// Link is the redirect target of a 3xx reply.
	Link string

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("SDP %s error (status %d)", e.ErrorClass, e.StatusCode)
	if e.Endpoint != "" {
		msg += " on " + e.Endpoint
	}
	if e.Link != "" {
		msg += ": redirected to " + e.Link
	} else if len(e.Payload) > 0 {
		msg += ": " + string(e.Payload)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err is an APIError with status 401.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 401
}
