package payout

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"canopy-ledger/internal/services/earnings/ledger"
)

func requireAdmin(caller *Caller) error {
	if caller == nil || caller.UserID == "" {
		return status.Error(codes.Unauthenticated, "authentication required")
	}
	if !caller.IsAdmin() {
		return status.Error(codes.PermissionDenied, "admin role required")
	}
	return nil
}

// transition locks the request, checks it is in from, and lets apply move it on.
func (s *Service) transition(ctx context.Context, id string, from ledger.PayoutStatus, apply func(ops *ledger.Ops, p *ledger.PayoutRequest) error) (ledger.PayoutRequest, error) {
	var out ledger.PayoutRequest
	err := s.ledger.Do(ctx, func(ops *ledger.Ops) error {
		p, err := ops.Tx().LockPayout(id)
		if err != nil {
			return err
		}
		if p.Status != from {
			return status.Errorf(codes.FailedPrecondition, "payout request %s is %s, expected %s", id, p.Status, from)
		}
		if err := apply(ops, &p); err != nil {
			return err
		}
		p.UpdatedAt = s.ledger.Now()
		if err := ops.Tx().SavePayout(p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return ledger.PayoutRequest{}, ledger.ToStatus(err)
	}
	return out, nil
}

func (s *Service) StartProcessing(ctx context.Context, caller *Caller, id string) (ledger.PayoutRequest, error) {
	if err := requireAdmin(caller); err != nil {
		return ledger.PayoutRequest{}, err
	}
	return s.transition(ctx, id, ledger.PayoutPending, func(_ *ledger.Ops, p *ledger.PayoutRequest) error {
		p.Status = ledger.PayoutProcessing
		p.ProcessedBy = caller.UserID
		return nil
	})
}

// ProcessPayoutCompletion settles every allocation of a processing request. Completing an
// already completed request returns it unchanged.
func (s *Service) ProcessPayoutCompletion(ctx context.Context, caller *Caller, id, paymentReference string) (ledger.PayoutRequest, error) {
	if err := requireAdmin(caller); err != nil {
		return ledger.PayoutRequest{}, err
	}
	if paymentReference == "" {
		return ledger.PayoutRequest{}, status.Error(codes.InvalidArgument, "paymentReference is required")
	}
	return s.complete(ctx, id, paymentReference, caller.UserID)
}

func (s *Service) complete(ctx context.Context, id, paymentReference, processedBy string) (ledger.PayoutRequest, error) {
	p, err := s.transition(ctx, id, ledger.PayoutProcessing, func(ops *ledger.Ops, p *ledger.PayoutRequest) error {
		for _, a := range p.Allocations {
			if _, _, err := ops.SettlePayout(a.Account, a.Amount, p.ID, paymentReference); err != nil {
				return err
			}
		}
		now := s.ledger.Now()
		p.Status = ledger.PayoutCompleted
		p.PaymentReference = paymentReference
		p.ProcessedBy = processedBy
		p.ProcessedAt = &now
		return nil
	})
	if status.Code(err) == codes.FailedPrecondition {
		if existing, gerr := s.ledger.Store().GetPayout(ctx, id); gerr == nil && existing.Status == ledger.PayoutCompleted {
			return existing, nil
		}
	}
	if err != nil {
		return ledger.PayoutRequest{}, err
	}
	s.logger.InfoContext(ctx, "payout completed",
		"module", "earnings.payout",
		"request_id", id,
		"payment_reference", paymentReference,
		"amount", p.ReservedAmount.String(),
	)
	return p, nil
}

// Reject returns every reserved allocation of a pending request to spendable.
func (s *Service) Reject(ctx context.Context, caller *Caller, id, reason string) (ledger.PayoutRequest, error) {
	if err := requireAdmin(caller); err != nil {
		return ledger.PayoutRequest{}, err
	}
	if reason == "" {
		return ledger.PayoutRequest{}, status.Error(codes.InvalidArgument, "rejection reason is required")
	}
	return s.transition(ctx, id, ledger.PayoutPending, func(ops *ledger.Ops, p *ledger.PayoutRequest) error {
		for _, a := range p.Allocations {
			if _, _, err := ops.RejectPayout(a.Account, a.Amount, p.ID, reason); err != nil {
				return err
			}
		}
		now := s.ledger.Now()
		p.Status = ledger.PayoutRejected
		p.RejectionReason = reason
		p.ProcessedBy = caller.UserID
		p.ProcessedAt = &now
		return nil
	})
}

// ProcessPayout moves a pending request to processing and sends it through the payment
// rail. A rail timeout leaves the request processing for reconciliation.
func (s *Service) ProcessPayout(ctx context.Context, caller *Caller, id string) (ledger.PayoutRequest, error) {
	if s.rail == nil {
		return ledger.PayoutRequest{}, status.Error(codes.FailedPrecondition, "no payment rail configured")
	}
	p, err := s.StartProcessing(ctx, caller, id)
	if err != nil {
		return ledger.PayoutRequest{}, err
	}

	railCtx, cancel := context.WithTimeout(ctx, s.railTimeout)
	defer cancel()
	ref, err := s.rail.Send(railCtx, p)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.WarnContext(ctx, "payment rail timed out, request left processing",
			"module", "earnings.payout",
			"request_id", id,
		)
		return p, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "payment rail failed", "module", "earnings.payout", "request_id", id, "error", err)
		return p, status.Errorf(codes.Unavailable, "payment rail: %v", err)
	}
	return s.complete(ctx, id, ref, caller.UserID)
}
