package graphql

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// StatusError wraps a non-2xx HTTP response from the upstream
type StatusError struct {
	Status int
	Body   string
	Err    error
}

// Error interface
func (e *StatusError) Error() string { return e.Err.Error() }

// Unwrap interface
func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatus interface
func (e *StatusError) HTTPStatus() int { return e.Status }

// GQLError is one entry of a GraphQL errors envelope
type GQLError struct {
	Message    string          `json:"message"`
	Path       []any           `json:"path,omitempty"`
	Extensions json.RawMessage `json:"extensions,omitempty"`
}

// EnvelopeError reports a 200 response that carried a GraphQL errors array
type EnvelopeError struct {
	Errors []GQLError
}

func (e *EnvelopeError) Error() string {
	if len(e.Errors) == 0 {
		return "graphql errors: []"
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, g := range e.Errors {
		msgs = append(msgs, g.Message)
	}
	return "graphql errors: " + strings.Join(msgs, "; ")
}

// IsEnvelope reports whether err came from a GraphQL errors envelope
func IsEnvelope(err error) bool {
	var ee *EnvelopeError
	return errors.As(err, &ee)
}

// IsRateLimited reports whether err is a StatusError with a 429 status
func IsRateLimited(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests
	}
	return false
}

// IsTransient reports whether err is a StatusError with a retried 5xx status
func IsTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return transientStatus(se.Status)
	}
	return false
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drainAndClose(rc io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 512))
	return rc.Close()
}
