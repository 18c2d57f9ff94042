// Package gameerr defines the stable, machine-readable error codes surfaced
// by the settlement core. Callers branch on Code; messages are for logs.
package gameerr

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Configuration errors
	CodeConfigInvalid Code = "CONFIG_INVALID"

	// Precondition errors
	CodeHouseLocked               Code = "HOUSE_LOCKED"
	CodeBetOutOfRange             Code = "BET_OUT_OF_RANGE"
	CodeInsufficientBettorFunds   Code = "INSUFFICIENT_BETTOR_FUNDS"
	CodeInsufficientVaultCapacity Code = "INSUFFICIENT_VAULT_CAPACITY"
	CodeSessionNotActive          Code = "SESSION_NOT_ACTIVE"
	CodeSessionNotOwned           Code = "SESSION_NOT_OWNED"
	CodeNoProfitToSettle          Code = "NO_PROFIT_TO_SETTLE"
	CodeMaxDepthReached           Code = "MAX_DEPTH_REACHED"
	CodeSessionNotExpired         Code = "SESSION_NOT_EXPIRED"
	CodeSeedNotRevealable         Code = "SEED_NOT_REVEALABLE"
	CodeNotAuthorized             Code = "NOT_AUTHORIZED"
	CodeInvalidArgument           Code = "INVALID_ARGUMENT"
	CodeNotFound                  Code = "NOT_FOUND"

	// Invariant violations
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
)

// Kind groups codes into the three failure classes.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindPrecondition
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindPrecondition:
		return "precondition"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Kind reports which failure class the code belongs to.
func (c Code) Kind() Kind {
	switch c {
	case CodeConfigInvalid:
		return KindConfiguration
	case CodeInvariantViolation:
		return KindInvariant
	case CodeHouseLocked,
		CodeBetOutOfRange,
		CodeInsufficientBettorFunds,
		CodeInsufficientVaultCapacity,
		CodeSessionNotActive,
		CodeSessionNotOwned,
		CodeNoProfitToSettle,
		CodeMaxDepthReached,
		CodeSessionNotExpired,
		CodeSeedNotRevealable,
		CodeNotAuthorized,
		CodeInvalidArgument,
		CodeNotFound:
		return KindPrecondition
	default:
		return KindUnknown
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeBetOutOfRange, CodeInvalidArgument, CodeConfigInvalid:
		return codes.InvalidArgument

	case CodeHouseLocked,
		CodeInsufficientBettorFunds,
		CodeInsufficientVaultCapacity,
		CodeSessionNotActive,
		CodeNoProfitToSettle,
		CodeMaxDepthReached,
		CodeSessionNotExpired,
		CodeSeedNotRevealable:
		return codes.FailedPrecondition

	case CodeSessionNotOwned, CodeNotAuthorized:
		return codes.PermissionDenied

	case CodeNotFound:
		return codes.NotFound

	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
