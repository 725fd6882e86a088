package ledger

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"canopy-ledger/internal/services/earnings/commission"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("earner account not found")
	ErrPayoutNotFound      = errors.New("payout request not found")
	ErrInvalidTransition   = errors.New("invalid payout status transition")
	ErrInvariantViolated   = errors.New("ledger invariant violated")
	// ErrDuplicateTransaction reports that a record with the same idempotency key exists.
	ErrDuplicateTransaction = errors.New("idempotency key already recorded")
)

// ToStatus converts ledger errors into gRPC status errors. Errors that already carry a
// status are returned unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, commission.ErrUnknownClass):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrPayoutNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Errorf(codes.Internal, "ledger: %v", err)
	}
}
