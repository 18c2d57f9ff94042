package gameerr

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/status"
)

// Domain is the error domain attached to gRPC error details.
const Domain = "github.com/xtding233/dive-backend"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs)
	Metadata map[string]string // Additional context for callers
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithMetadata creates a domain error carrying caller-facing context.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinel values for errors.Is matching by code.
var (
	ErrConfigInvalid             = New(CodeConfigInvalid, "invalid configuration")
	ErrHouseLocked               = New(CodeHouseLocked, "house vault is locked")
	ErrBetOutOfRange             = New(CodeBetOutOfRange, "bet amount out of range")
	ErrInsufficientBettorFunds   = New(CodeInsufficientBettorFunds, "insufficient bettor funds")
	ErrInsufficientVaultCapacity = New(CodeInsufficientVaultCapacity, "insufficient vault capacity")
	ErrSessionNotActive          = New(CodeSessionNotActive, "session is not active")
	ErrSessionNotOwned           = New(CodeSessionNotOwned, "session is not owned by caller")
	ErrNoProfitToSettle          = New(CodeNoProfitToSettle, "no profit to settle")
	ErrMaxDepthReached           = New(CodeMaxDepthReached, "maximum depth reached")
	ErrSessionNotExpired         = New(CodeSessionNotExpired, "session has not expired")
	ErrSeedNotRevealable         = New(CodeSeedNotRevealable, "seed is revealed only after the session ends")
	ErrNotAuthorized             = New(CodeNotAuthorized, "caller is not the configured authority")
	ErrNotFound                  = New(CodeNotFound, "record not found")
	ErrInvariantViolation        = New(CodeInvariantViolation, "invariant violation")
)

// CodeOf extracts the code from err, or CodeUnknown when err carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	return CodeOf(err).Kind() == KindInvariant
}

// GRPCStatus converts err into a gRPC status error carrying ErrorInfo.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	st := status.New(code.GRPCCode(), err.Error())
	var metadata map[string]string
	var de *Error
	if errors.As(err, &de) {
		metadata = de.Metadata
	}
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(code),
		Domain:   Domain,
		Metadata: metadata,
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// FromGRPCStatus recovers the domain code from a gRPC status error.
func FromGRPCStatus(err error) Code {
	st, ok := status.FromError(err)
	if !ok {
		return CodeUnknown
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain {
			return Code(info.GetReason())
		}
	}
	return CodeUnknown
}
