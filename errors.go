package serialkit

import "errors"

// Construction-time errors. Matching itself never returns an error: pattern
// decode failures and panicking evaluators degrade to a non-match, and a
// request timing out is a normal outcome, not an error.
var (
	// ErrInvalidDescriptor is returned when a prefix/suffix descriptor is
	// constructed with neither a prefix nor a suffix.
	ErrInvalidDescriptor = errors.New("descriptor needs a prefix, a suffix, or both")

	// ErrNilRegexp is returned when a regexp descriptor is constructed
	// without a regular expression.
	ErrNilRegexp = errors.New("nil regular expression")

	// ErrNilEvaluator is returned when an evaluator descriptor is
	// constructed without an evaluator.
	ErrNilEvaluator = errors.New("nil evaluator")

	// ErrEmptyRequestData is returned when a request is constructed with an
	// empty payload.
	ErrEmptyRequestData = errors.New("request data must not be empty")
)
