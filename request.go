package serialkit

import (
	"bytes"
	"fmt"
)

// ResponseEvaluator reports whether data is a valid response to a request.
// It must be pure and repeatable; a panicking evaluator is treated as a
// non-match.
type ResponseEvaluator func(data []byte) bool

// Request encapsulates one command sent over the transport: the bytes to
// send, an optional evaluator deciding when a valid response has arrived,
// and an opaque userInfo value. Requests are single-use: enqueue, then wait
// for exactly one completion (success, timeout, or cancellation).
type Request struct {
	id       string
	data     []byte
	eval     ResponseEvaluator
	userInfo any
}

// NewRequest creates a request sending dataToSend. eval may be nil, in which
// case any non-empty received chunk counts as a valid response. dataToSend
// must be non-empty.
func NewRequest(dataToSend []byte, userInfo any, eval ResponseEvaluator) (*Request, error) {
	if len(dataToSend) == 0 {
		return nil, fmt.Errorf("request: %w", ErrEmptyRequestData)
	}
	return &Request{
		id:       newUUID(),
		data:     bytes.Clone(dataToSend),
		eval:     eval,
		userInfo: userInfo,
	}, nil
}

// IsValidResponse reports whether data completes the request. Without an
// evaluator any non-empty data is valid; with one, the evaluator decides,
// including for empty data.
func (r *Request) IsValidResponse(data []byte) bool {
	if r.eval == nil {
		return len(data) > 0
	}
	return safeEval(r.eval, data)
}

// UUID returns the request's unique identifier, used for cancellation and
// completion reporting.
func (r *Request) UUID() string { return r.id }

// UserInfo returns the client-owned value attached at construction.
func (r *Request) UserInfo() any { return r.userInfo }

// DataToSend returns a copy of the request payload.
func (r *Request) DataToSend() []byte { return bytes.Clone(r.data) }
