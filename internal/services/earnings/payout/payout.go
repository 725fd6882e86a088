package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/directory"
	"canopy-ledger/internal/services/earnings/ledger"
)

const (
	RoleAdmin           = "admin"
	RoleDispensaryAdmin = "dispensary-admin"

	SourceManual      = "manual"
	SourceWeeklySweep = "weekly_sweep"
)

// Caller is the authenticated principal invoking a workflow operation.
type Caller struct {
	UserID string
	Role   string
	// DispensaryID is the dispensary a dispensary admin acts for.
	DispensaryID string
}

func (c *Caller) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// PaymentRail sends money for a processing request and returns the rail's reference.
type PaymentRail interface {
	Send(ctx context.Context, p ledger.PayoutRequest) (string, error)
}

type Dependencies struct {
	Ledger *ledger.Ledger
	Policy commission.Policy
	Users  directory.UserDirectory
	// Dispensaries confirms who a dispensary admin may include in a combined payout.
	Dispensaries directory.DispensaryDirectory
	Rail         PaymentRail
	Logger       *slog.Logger
	// RailTimeout bounds each PaymentRail call. A timed-out request stays processing.
	RailTimeout time.Duration
}

type Service struct {
	ledger      *ledger.Ledger
	policy      commission.Policy
	users       directory.UserDirectory
	dispensary  directory.DispensaryDirectory
	rail        PaymentRail
	logger      *slog.Logger
	railTimeout time.Duration
	validate    *validator.Validate
}

func NewService(deps Dependencies) *Service {
	s := &Service{
		ledger:      deps.Ledger,
		policy:      deps.Policy,
		users:       deps.Users,
		dispensary:  deps.Dispensaries,
		rail:        deps.Rail,
		logger:      deps.Logger,
		railTimeout: deps.RailTimeout,
		validate:    validator.New(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.railTimeout <= 0 {
		s.railTimeout = 30 * time.Second
	}
	return s
}

type Request struct {
	EarnerID      string             `json:"earnerId"`
	Class         commission.Class   `json:"earnerClass"`
	Amount        decimal.Decimal    `json:"amount"`
	Bank          ledger.BankDetails `json:"accountDetails"`
	Type          ledger.PayoutType  `json:"payoutType"`
	StaffIncluded []string           `json:"staffIncluded,omitempty"`
}

type Result struct {
	Success   bool   `json:"success"`
	RequestID string `json:"requestId"`
}

// ValidateBank checks that every bank field is present and well formed.
func (s *Service) ValidateBank(b ledger.BankDetails) error {
	if err := s.validate.Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return status.Errorf(codes.InvalidArgument, "invalid bank details: %s", strings.Join(fields, ", "))
		}
		return status.Errorf(codes.InvalidArgument, "invalid bank details: %v", err)
	}
	return nil
}

func (s *Service) RequestPayout(ctx context.Context, caller *Caller, req Request) (Result, error) {
	if caller == nil || caller.UserID == "" {
		return Result{}, status.Error(codes.Unauthenticated, "authentication required")
	}
	if req.EarnerID == "" {
		return Result{}, status.Error(codes.InvalidArgument, "earnerId is required")
	}
	if req.Type == "" {
		req.Type = ledger.PayoutIndividual
	}
	if req.Type == ledger.PayoutCombined {
		req.Class = commission.ClassDispensaryAdmin
	}
	if !req.Class.Valid() {
		return Result{}, status.Errorf(codes.InvalidArgument, "unknown earner class %q", req.Class)
	}
	if minimum := s.policy.MinimumFor(req.Class); req.Amount.LessThan(minimum) || !req.Amount.IsPositive() {
		return Result{}, status.Errorf(codes.InvalidArgument, "minimum payout for %s is %s", req.Class, minimum.StringFixed(2))
	}
	if err := s.ValidateBank(req.Bank); err != nil {
		return Result{}, err
	}
	if caller.UserID != req.EarnerID {
		return Result{}, status.Error(codes.PermissionDenied, "payouts can only be requested for your own account")
	}

	switch req.Type {
	case ledger.PayoutIndividual:
		return s.requestIndividual(ctx, caller, req)
	case ledger.PayoutCombined:
		if caller.Role != RoleDispensaryAdmin {
			return Result{}, status.Error(codes.PermissionDenied, "combined payouts require the dispensary admin role")
		}
		return s.requestCombined(ctx, caller, req)
	default:
		return Result{}, status.Errorf(codes.InvalidArgument, "unknown payout type %q", req.Type)
	}
}

func (s *Service) requestIndividual(ctx context.Context, caller *Caller, req Request) (Result, error) {
	key := ledger.AccountKey{EarnerID: req.EarnerID, Class: req.Class}
	now := s.ledger.Now()
	p := ledger.PayoutRequest{
		ID:              s.ledger.NewID(),
		Type:            ledger.PayoutIndividual,
		Class:           req.Class,
		RequestedBy:     caller.UserID,
		RequestedAmount: req.Amount,
		ReservedAmount:  req.Amount,
		Status:          ledger.PayoutPending,
		Bank:            req.Bank,
		Allocations:     []ledger.Allocation{{Account: key, Amount: req.Amount, DisplayName: s.displayName(ctx, req.EarnerID)}},
		Source:          SourceManual,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.ledger.Do(ctx, func(ops *ledger.Ops) error {
		acc, err := ops.Account(key, false)
		if err != nil {
			return err
		}
		if acc.Spendable.LessThan(req.Amount) {
			return status.Errorf(codes.FailedPrecondition, "insufficient balance: %s available", acc.Spendable.StringFixed(2))
		}
		return ReserveAndCreate(ops, p)
	})
	if err != nil {
		return Result{}, ledger.ToStatus(err)
	}
	s.logger.InfoContext(ctx, "payout requested",
		"module", "earnings.payout",
		"request_id", p.ID,
		"earner_id", req.EarnerID,
		"amount", req.Amount.String(),
	)
	return Result{Success: true, RequestID: p.ID}, nil
}

// SweepFullBalance is the combined payout policy: once the members' balances cover the
// requested amount, each member's whole spendable balance is reserved, so the reserved
// total may exceed the request.
func SweepFullBalance(balances []ledger.Account) []ledger.Allocation {
	out := make([]ledger.Allocation, 0, len(balances))
	for _, a := range balances {
		if a.Spendable.IsPositive() {
			out = append(out, ledger.Allocation{Account: a.AccountKey, Amount: a.Spendable})
		}
	}
	return out
}

func (s *Service) requestCombined(ctx context.Context, caller *Caller, req Request) (Result, error) {
	members := req.StaffIncluded
	if len(members) == 0 {
		members = []string{caller.UserID}
	}
	if err := s.checkStaff(ctx, caller, members); err != nil {
		return Result{}, err
	}
	keys := make([]ledger.AccountKey, 0, len(members))
	seen := map[string]bool{}
	for _, id := range members {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		class := commission.ClassDispensaryStaff
		if id == caller.UserID {
			class = commission.ClassDispensaryAdmin
		}
		keys = append(keys, ledger.AccountKey{EarnerID: id, Class: class})
	}
	ledger.SortKeys(keys)
	names := make(map[string]string, len(keys))
	for _, k := range keys {
		names[k.EarnerID] = s.displayName(ctx, k.EarnerID)
	}

	now := s.ledger.Now()
	p := ledger.PayoutRequest{
		ID:              s.ledger.NewID(),
		Type:            ledger.PayoutCombined,
		Class:           commission.ClassDispensaryAdmin,
		RequestedBy:     caller.UserID,
		RequestedAmount: req.Amount,
		Status:          ledger.PayoutPending,
		Bank:            req.Bank,
		Source:          SourceManual,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.ledger.Do(ctx, func(ops *ledger.Ops) error {
		balances := make([]ledger.Account, 0, len(keys))
		total := decimal.Zero
		for _, k := range keys {
			acc, err := ops.Account(k, false)
			if errors.Is(err, ledger.ErrAccountNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			balances = append(balances, acc)
			total = total.Add(acc.Spendable)
		}
		if total.LessThan(req.Amount) {
			return status.Errorf(codes.InvalidArgument, "combined balance %s is below the requested %s", total.StringFixed(2), req.Amount.StringFixed(2))
		}
		p.Allocations = SweepFullBalance(balances)
		for i, a := range p.Allocations {
			p.Allocations[i].DisplayName = names[a.Account.EarnerID]
			p.ReservedAmount = p.ReservedAmount.Add(a.Amount)
		}
		return ReserveAndCreate(ops, p)
	})
	if err != nil {
		return Result{}, ledger.ToStatus(err)
	}
	s.logger.InfoContext(ctx, "combined payout requested",
		"module", "earnings.payout",
		"request_id", p.ID,
		"requested_by", caller.UserID,
		"members", len(p.Allocations),
		"amount", req.Amount.String(),
	)
	return Result{Success: true, RequestID: p.ID}, nil
}

// checkStaff rejects any member who is neither the caller nor on the staff of the
// dispensary the caller owns.
func (s *Service) checkStaff(ctx context.Context, caller *Caller, members []string) error {
	if s.dispensary == nil {
		return status.Error(codes.FailedPrecondition, "dispensary directory is not configured")
	}
	if caller.DispensaryID == "" {
		return status.Error(codes.PermissionDenied, "combined payouts require a dispensary on the caller's token")
	}
	d, err := s.dispensary.Dispensary(ctx, caller.DispensaryID)
	if errors.Is(err, directory.ErrNotFound) {
		return status.Errorf(codes.PermissionDenied, "unknown dispensary %s", caller.DispensaryID)
	}
	if err != nil {
		return status.Errorf(codes.Unavailable, "dispensary lookup failed: %v", err)
	}
	if d.OwnerID != caller.UserID {
		return status.Errorf(codes.PermissionDenied, "%s does not administer dispensary %s", caller.UserID, d.ID)
	}
	staff, err := s.dispensary.StaffOf(ctx, d.ID)
	if err != nil {
		return status.Errorf(codes.Unavailable, "staff lookup failed: %v", err)
	}
	onStaff := make(map[string]bool, len(staff))
	for _, id := range staff {
		onStaff[id] = true
	}
	for _, id := range members {
		if id == "" || id == caller.UserID || onStaff[id] {
			continue
		}
		return status.Errorf(codes.PermissionDenied, "%s is not on the staff of dispensary %s", id, d.ID)
	}
	return nil
}

// ReserveAndCreate reserves every allocation and stores the pending request in the same
// transaction.
func ReserveAndCreate(ops *ledger.Ops, p ledger.PayoutRequest) error {
	for _, a := range p.Allocations {
		if _, _, err := ops.ReserveForPayout(a.Account, a.Amount, p.ID); err != nil {
			return err
		}
	}
	if err := ops.Tx().CreatePayout(p); err != nil {
		return fmt.Errorf("create payout request: %w", err)
	}
	return nil
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.users == nil {
		return ""
	}
	u, err := s.users.Lookup(ctx, userID)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			s.logger.WarnContext(ctx, "user lookup failed", "module", "earnings.payout", "user_id", userID, "error", err)
		}
		return ""
	}
	return u.DisplayName
}

// Get returns a request visible to the caller: its requester, a member, or an admin.
func (s *Service) Get(ctx context.Context, caller *Caller, id string) (ledger.PayoutRequest, error) {
	if caller == nil || caller.UserID == "" {
		return ledger.PayoutRequest{}, status.Error(codes.Unauthenticated, "authentication required")
	}
	p, err := s.ledger.Store().GetPayout(ctx, id)
	if err != nil {
		return ledger.PayoutRequest{}, ledger.ToStatus(err)
	}
	if caller.IsAdmin() || caller.UserID == p.RequestedBy {
		return p, nil
	}
	for _, id := range p.EarnerIDs() {
		if id == caller.UserID {
			return p, nil
		}
	}
	return ledger.PayoutRequest{}, status.Error(codes.PermissionDenied, "not allowed to view this payout request")
}
