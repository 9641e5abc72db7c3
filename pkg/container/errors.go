package container

import (
	"fmt"
)

// Kind categorizes container errors for handling strategy
type Kind int

const (
	KindUnknown             Kind = iota
	KindBackendUnavailable       // Backend runtime missing on this host
	KindUnreadable               // Container file absent, corrupt or not a container
	KindUndefinedProjection      // Source layer declares no CRS and none was supplied
	KindLayerNotFound            // Named layer does not exist in the container
	KindUnsupported              // Artifact or geometry type the backend cannot handle
	KindNameConflict             // Layer name collides with a differently-cased existing layer
)

func (k Kind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindUnreadable:
		return "unreadable container"
	case KindUndefinedProjection:
		return "undefined projection"
	case KindLayerNotFound:
		return "layer not found"
	case KindUnsupported:
		return "unsupported"
	case KindNameConflict:
		return "layer name conflict"
	default:
		return "unknown"
	}
}

// Sentinel errors usable with errors.Is
var (
	ErrBackendUnavailable  = &Error{Kind: KindBackendUnavailable}
	ErrUnreadableContainer = &Error{Kind: KindUnreadable}
	ErrUndefinedProjection = &Error{Kind: KindUndefinedProjection}
	ErrLayerNotFound       = &Error{Kind: KindLayerNotFound}
	ErrUnsupported         = &Error{Kind: KindUnsupported}
	ErrNameConflict        = &Error{Kind: KindNameConflict}
)

// Error wraps container failures with the operation and location
type Error struct {
	Kind  Kind
	Op    string // "create", "open", "list", "read", "write", "import"
	Path  string
	Layer string
	Err   error
}

// Error implements error interface
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Layer != "" {
		msg += fmt.Sprintf(" (layer %q)", e.Layer)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can test against the
// sentinels regardless of the operation that produced the error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op, path, layer string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Layer: layer, Err: err}
}
