// Package errdefs defines the classified error type shared by every stage of
// the stackforge compiler.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a compile failure.
type Kind string

const (
	// KindSchemaInvalid indicates a document failed structural validation.
	KindSchemaInvalid Kind = "SchemaInvalid"

	// KindFetchError indicates a document could not be retrieved.
	KindFetchError Kind = "FetchError"

	// KindUnknownType indicates a reference to a type that is not imported
	// or a discriminator value that is not recognized.
	KindUnknownType Kind = "UnknownType"

	// KindUnresolvedReference indicates a reference to a missing subcomponent,
	// endpoint, connector, variable or volume.
	KindUnresolvedReference Kind = "UnresolvedReference"

	// KindIncompatibleProtocols indicates two wired endpoints disagree on
	// protocol or direction.
	KindIncompatibleProtocols Kind = "IncompatibleProtocols"

	// KindOrphanConnector indicates a connector with no inputs that no
	// published endpoint feeds.
	KindOrphanConnector Kind = "OrphanConnector"

	// KindDuplicateName indicates a name collision within one scope.
	KindDuplicateName Kind = "DuplicateName"

	// KindMissingAttribute indicates a required attribute is empty.
	KindMissingAttribute Kind = "MissingAttribute"

	// KindUnsupportedValue indicates an attribute outside its allowed set.
	KindUnsupportedValue Kind = "UnsupportedValue"

	// KindUnsupportedFormat indicates an attribute that does not match its
	// expected format, or an expression that cannot be evaluated.
	KindUnsupportedFormat Kind = "UnsupportedFormat"

	// KindCyclicReference indicates a cycle in variables, imports, wiring
	// or the component schedule.
	KindCyclicReference Kind = "CyclicReference"

	// KindPolicyViolation indicates a blocking policy violation.
	KindPolicyViolation Kind = "PolicyViolation"

	// KindAdapterError wraps a failure reported by a target adapter.
	KindAdapterError Kind = "AdapterError"

	// KindInternal indicates a broken compiler invariant rather than a user error.
	KindInternal Kind = "Internal"
)

// Error is a classified compile error with context.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Path is the hierarchical path of the component being processed, if any.
	Path string `json:"path,omitempty"`

	// Attribute is the attribute that failed, if any.
	Attribute string `json:"attribute,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Kind))
	sb.WriteString("] ")
	sb.WriteString(e.Message)

	var ctx []string
	if e.Path != "" {
		ctx = append(ctx, "path="+e.Path)
	}
	if e.Attribute != "" {
		ctx = append(ctx, "attribute="+e.Attribute)
	}
	if len(ctx) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(ctx, ", "))
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that errors.Is(err, errdefs.New(kind, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithPath adds the component path to an error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithAttribute adds the failing attribute to an error.
func (e *Error) WithAttribute(attribute string) *Error {
	e.Attribute = attribute
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first classified error in the chain, or
// the empty kind when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// InPath sets the path on a classified error that has none yet, so the
// innermost component that failed is reported. Unclassified errors are
// returned unchanged.
func InPath(err error, path string) error {
	var e *Error
	if errors.As(err, &e) && e.Path == "" {
		e.Path = path
	}
	return err
}

// PathOf returns the instance path recorded on err, or "".
func PathOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Path
	}
	return ""
}
