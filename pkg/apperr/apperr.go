// Package apperr defines the closed set of error kinds surfaced to API
// callers and their mapping onto HTTP and gRPC status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	NotFound
	PermissionDenied
	Unavailable
)

// RetryAfterSeconds is the hint returned alongside Unavailable responses.
const RetryAfterSeconds = 5

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case Unavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to the status code written by the API server.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PermissionDenied:
		return http.StatusForbidden
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a kind to the code used on the peer wire.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case InvalidArgument:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case PermissionDenied:
		return codes.PermissionDenied
	case Unavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Error carries a Kind together with a human readable message and an
// optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain. Errors
// that carry no kind are Internal, except gRPC statuses and context
// deadlines which keep their meaning.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Unavailable
	}
	if s, ok := status.FromError(err); ok {
		return FromGRPCCode(s.Code())
	}
	return Internal
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromGRPCCode is the inverse of Kind.GRPCCode.
func FromGRPCCode(code codes.Code) Kind {
	switch code {
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.PermissionDenied:
		return PermissionDenied
	case codes.Unavailable, codes.DeadlineExceeded:
		return Unavailable
	default:
		return Internal
	}
}

// GRPCStatus converts err into a status error suitable for returning from
// a gRPC handler.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(KindOf(err).GRPCCode(), err.Error())
}

// ParseKind is the inverse of Kind.String. Unknown text is Internal.
func ParseKind(s string) Kind {
	for _, k := range []Kind{InvalidArgument, NotFound, PermissionDenied, Unavailable} {
		if k.String() == s {
			return k
		}
	}
	return Internal
}
