package action

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInFlight is returned when the same kind is already being applied to the same run
	ErrInFlight = errors.New("action: request already in flight")

	// ErrReservedParam is returned when an extra param would overwrite a required field
	ErrReservedParam = errors.New("action: extra param overrides a reserved field")
)

// ConfigError reports boundary constants missing at startup
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("action: missing configuration: %s", strings.Join(e.Missing, ", "))
}

// TransportError wraps a network failure while issuing the POST
type TransportError struct {
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("action %s: transport error: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerRejection reports a non-2xx response. Message is the response body
// as sent, up to 64 KiB. Truncated is set when the body was longer.
type ServerRejection struct {
	Kind       Kind
	StatusCode int
	Message    string
	Truncated  bool
}

func (e *ServerRejection) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("action %s: rejected with status %d", e.Kind, e.StatusCode)
	}
	if e.Truncated {
		return fmt.Sprintf("action %s: rejected with status %d: %s (truncated)", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("action %s: rejected with status %d: %s", e.Kind, e.StatusCode, e.Message)
}

// ResponseError reports a response that could not be read
type ResponseError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("action %s: malformed response (status %d): %v", e.Kind, e.StatusCode, e.Err)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// outcomeOf maps an error returned by the transport step to its journal outcome
func outcomeOf(err error) Outcome {
	var transport *TransportError
	var rejection *ServerRejection
	var malformed *ResponseError

	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &rejection):
		return OutcomeRejected
	case errors.As(err, &malformed):
		return OutcomeMalformed
	case errors.As(err, &transport):
		return OutcomeTransport
	default:
		return OutcomeTransport
	}
}
