// Package transport is the remote boundary of the sync core: one verb-based
// call per request, JSON in and JSON out.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/trackingdudes/offsync/pkg/models"
)

//go:generate mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks

// Transport performs remote calls.
type Transport interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
}

// Request is one remote call.
type Request struct {
	Method     models.Method
	Endpoint   string
	Body       json.RawMessage
	UseToken   bool
	IsFormData bool

	// NoRetry makes the call a single attempt. Callers that run their own
	// retry policy set it.
	NoRetry bool
}

// RequestFor builds the replay request of a queued mutation. Replays are
// single attempts; the sync engine's policy decides whether to try again.
func RequestFor(m models.QueuedMutation) Request {
	return Request{
		Method:     m.Method,
		Endpoint:   m.Endpoint,
		Body:       m.Body,
		UseToken:   m.UseToken,
		IsFormData: m.IsFormData,
		NoRetry:    true,
	}
}

// ErrTokenExpired is returned without contacting the server when the
// configured bearer token has already expired.
var ErrTokenExpired = errors.New("auth token expired")

// StatusError is a non-success answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// AsStatus checks if an error is a StatusError and returns it.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsTransient reports whether err is a failure that may succeed later
// without changing the request: network errors, timeouts, 5xx, 408 and 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenExpired) || errors.Is(err, context.Canceled) {
		return false
	}
	if se, ok := AsStatus(err); ok {
		return se.Code >= 500 || se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests
	}
	return true
}

// errorBody covers the error shapes servers send: {"status":"error",
// "message":...} and {"error":..., "code":..., "details":...}.
type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (b errorBody) text() string {
	msg := b.Message
	if msg == "" {
		msg = b.Error
	}
	if b.Details != "" {
		if msg != "" {
			msg += ": "
		}
		msg += b.Details
	}
	return msg
}
