// Package nukerr is the small structured error type the control-plane
// ERROR response (spec.md section 6/7, "Control command failure ->
// ERROR response to conductor") is built on: a conductor matching a
// Result against its own retry/alerting policy needs a stable code, not
// a string it would have to pattern-match.
//
// Grounded on the teacher's api/errors.go (Error{Code, Message, Context},
// NewError, WithContext); reproduced here narrowed to the handful of
// codes internal/control actually raises, rather than the teacher's
// library-wide code list.
package nukerr

import "fmt"

// Code identifies the kind of failure a control command hit, stable
// across process restarts and log-message wording changes.
type Code int

const (
	// CodeUnknownVerb means Apply was called with a Verb it does not
	// implement.
	CodeUnknownVerb Code = iota
	// CodeMissingPredicate means an unroute command carried no
	// RemovePred to match against.
	CodeMissingPredicate
	// CodeNoMatch means an unroute command's predicate matched no route
	// in the table (spec.md section 7: "unknown route is an error").
	CodeNoMatch
)

// codeNames is indexed by Code rather than switched on, since the code
// set is a small dense enum and a table lookup reads more directly than
// a chain of case arms for three values.
var codeNames = [...]string{
	CodeUnknownVerb:      "UNKNOWN_VERB",
	CodeMissingPredicate: "MISSING_PREDICATE",
	CodeNoMatch:          "NO_MATCH",
}

func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(codeNames) {
		return "UNKNOWN"
	}
	return codeNames[c]
}

// Error is a structured control-plane error: a stable Code plus a
// human-readable Message and free-form Context, mirroring the teacher's
// api.Error shape.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
}

// Error implements the error interface, appending Context only when the
// caller actually attached some.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) > 0 {
		msg += fmt.Sprintf(" (context: %+v)", e.Context)
	}
	return msg
}

// New returns an Error with the given code and message and no context.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithContext returns e with key/value recorded in its Context, creating
// the map on first use. Mutates and returns e, so calls chain.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
