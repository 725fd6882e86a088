package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"canopy-ledger/internal/services/earnings/commission"
)

type Dependencies struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
	// AfterCommit is called with the accounts a committed Do call changed.
	AfterCommit func(ctx context.Context, keys []AccountKey)
}

// Ledger owns every balance change. Callers either use the single-operation helpers or
// compose several operations in one atomic unit with Do.
type Ledger struct {
	store  Store
	logger *slog.Logger
	nowFn  func() time.Time
	newID  func() string

	afterCommit func(ctx context.Context, keys []AccountKey)
}

func New(deps Dependencies) *Ledger {
	l := &Ledger{store: deps.Store, logger: deps.Logger, nowFn: deps.Now, newID: deps.NewID, afterCommit: deps.AfterCommit}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.nowFn == nil {
		l.nowFn = func() time.Time { return time.Now().UTC() }
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	return l
}

func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) Now() time.Time { return l.nowFn() }

func (l *Ledger) NewID() string { return l.newID() }

// Do runs fn in one store transaction.
func (l *Ledger) Do(ctx context.Context, fn func(ops *Ops) error) error {
	var touched []AccountKey
	err := l.store.RunInTx(ctx, func(tx Tx) error {
		ops := &Ops{tx: tx, l: l}
		if err := fn(ops); err != nil {
			return err
		}
		touched = ops.touched
		return nil
	})
	if err == nil && len(touched) > 0 && l.afterCommit != nil {
		l.afterCommit(ctx, touched)
	}
	return err
}

// Ops exposes ledger operations bound to a running transaction.
type Ops struct {
	tx      Tx
	l       *Ledger
	touched []AccountKey
}

func (o *Ops) touch(key AccountKey) {
	for _, k := range o.touched {
		if k == key {
			return
		}
	}
	o.touched = append(o.touched, key)
}

func (o *Ops) Tx() Tx { return o.tx }

// Account locks the account for key, creating it when create is set.
func (o *Ops) Account(key AccountKey, create bool) (Account, error) {
	if !key.Class.Valid() {
		return Account{}, fmt.Errorf("%w: %q", commission.ErrUnknownClass, key.Class)
	}
	if create {
		if err := o.tx.CreateAccount(NewAccount(key, o.l.nowFn())); err != nil {
			return Account{}, fmt.Errorf("create account %s: %w", key, err)
		}
	}
	acc, found, err := o.tx.LockAccount(key)
	if err != nil {
		return Account{}, fmt.Errorf("lock account %s: %w", key, err)
	}
	if !found {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return acc, nil
}

type mutation struct {
	key            AccountKey
	create         bool
	delta          Balances
	amount         decimal.Decimal
	description    string
	idempotencyKey string
	payload        Payload
	// edit applies non-balance changes to the locked account before it is saved.
	edit func(*Account)
}

// apply is the only place balances change. It reports false when the idempotency key was
// already recorded.
func (o *Ops) apply(m mutation) (Transaction, bool, error) {
	if m.idempotencyKey == "" {
		m.idempotencyKey = o.l.newID()
	}
	seen, err := o.tx.HasIdempotencyKey(m.idempotencyKey)
	if err != nil {
		return Transaction{}, false, fmt.Errorf("check idempotency key: %w", err)
	}
	if seen {
		return Transaction{}, false, nil
	}

	acc, err := o.Account(m.key, m.create)
	if err != nil {
		return Transaction{}, false, err
	}
	next := acc.Balances.add(m.delta)
	if next.Spendable.IsNegative() || next.PendingPayout.IsNegative() {
		return Transaction{}, false, fmt.Errorf("%w: %s", ErrInsufficientBalance, m.key)
	}
	if err := next.check(); err != nil {
		o.l.logger.Error("ledger invariant violated",
			slog.String("account", m.key.String()),
			slog.String("type", string(m.payload.Type())),
			slog.String("amount", m.amount.String()))
		return Transaction{}, false, err
	}

	now := o.l.nowFn()
	rec := Transaction{
		ID:             o.l.newID(),
		Account:        m.key,
		Type:           m.payload.Type(),
		Amount:         m.amount,
		Description:    m.description,
		BalanceAfter:   next,
		IdempotencyKey: m.idempotencyKey,
		Payload:        m.payload,
		CreatedAt:      now,
	}
	// The record goes in first: a concurrent duplicate that passed the check above stops
	// here before any balance is written.
	err = o.tx.AppendTransaction(rec)
	if errors.Is(err, ErrDuplicateTransaction) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, fmt.Errorf("append transaction: %w", err)
	}

	acc.Balances = next
	acc.UpdatedAt = now
	if m.edit != nil {
		m.edit(&acc)
	}
	if err := o.tx.SaveAccount(acc); err != nil {
		return Transaction{}, false, fmt.Errorf("save account %s: %w", m.key, err)
	}
	o.touch(m.key)
	return rec, true, nil
}

type CreditInput struct {
	Account        AccountKey
	Amount         decimal.Decimal
	IdempotencyKey string
	Description    string
	Commission     OrderCommission
	// CountSale increments an influencer's monthly sales and re-evaluates the tier.
	CountSale bool
}

type TierUpgrade struct {
	Account AccountKey
	From    commission.Tier
	To      commission.Tier
	Sales   int
}

type CreditResult struct {
	Transaction Transaction
	Applied     bool
	Upgrade     *TierUpgrade
}

func (o *Ops) Credit(in CreditInput) (CreditResult, error) {
	if !in.Amount.IsPositive() {
		return CreditResult{}, ErrInvalidAmount
	}
	var upgrade *TierUpgrade
	m := mutation{
		key:            in.Account,
		create:         true,
		delta:          Balances{Spendable: in.Amount, TotalEarned: in.Amount},
		amount:         in.Amount,
		description:    in.Description,
		idempotencyKey: in.IdempotencyKey,
		payload:        in.Commission,
	}
	if in.CountSale && in.Account.Class == commission.ClassInfluencer {
		m.edit = func(a *Account) {
			a.MonthlySales++
			next, up := commission.Progress(a.Tier, a.MonthlySales)
			if up {
				upgrade = &TierUpgrade{Account: a.AccountKey, From: a.Tier, To: next, Sales: a.MonthlySales}
			}
			a.Tier = next
			a.CommissionRate = next.Rate()
		}
	}
	rec, applied, err := o.apply(m)
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{Transaction: rec, Applied: applied, Upgrade: upgrade}, nil
}

func PayoutKey(requestID string, key AccountKey, phase PayoutPhase) string {
	return fmt.Sprintf("payout:%s:%s:%s", requestID, key, phase)
}

// ReserveForPayout moves amount from spendable to pending payout.
func (o *Ops) ReserveForPayout(key AccountKey, amount decimal.Decimal, requestID string) (Transaction, bool, error) {
	if !amount.IsPositive() {
		return Transaction{}, false, ErrInvalidAmount
	}
	return o.apply(mutation{
		key:            key,
		delta:          Balances{Spendable: amount.Neg(), PendingPayout: amount},
		amount:         amount.Neg(),
		description:    fmt.Sprintf("Reserved for payout %s", requestID),
		idempotencyKey: PayoutKey(requestID, key, PhaseReserve),
		payload:        PayoutMovement{RequestID: requestID, Phase: PhaseReserve},
	})
}

// SettlePayout moves amount from pending payout to withdrawn.
func (o *Ops) SettlePayout(key AccountKey, amount decimal.Decimal, requestID, paymentReference string) (Transaction, bool, error) {
	if !amount.IsPositive() {
		return Transaction{}, false, ErrInvalidAmount
	}
	return o.apply(mutation{
		key:            key,
		delta:          Balances{PendingPayout: amount.Neg(), Withdrawn: amount},
		amount:         amount.Neg(),
		description:    fmt.Sprintf("Payout %s completed", requestID),
		idempotencyKey: PayoutKey(requestID, key, PhaseSettle),
		payload:        PayoutMovement{RequestID: requestID, Phase: PhaseSettle, PaymentReference: paymentReference},
	})
}

// RejectPayout returns amount from pending payout to spendable.
func (o *Ops) RejectPayout(key AccountKey, amount decimal.Decimal, requestID, reason string) (Transaction, bool, error) {
	if !amount.IsPositive() {
		return Transaction{}, false, ErrInvalidAmount
	}
	return o.apply(mutation{
		key:            key,
		delta:          Balances{Spendable: amount, PendingPayout: amount.Neg()},
		amount:         amount,
		description:    fmt.Sprintf("Payout %s rejected: %s", requestID, reason),
		idempotencyKey: PayoutKey(requestID, key, PhaseReject),
		payload:        PayoutMovement{RequestID: requestID, Phase: PhaseReject, Reason: reason},
	})
}

func RefundKey(orderID string, class commission.Class) string {
	return orderID + ":" + string(class) + ":refund"
}

// Refund reverses a previously credited order commission.
func (o *Ops) Refund(key AccountKey, orderID string, amount decimal.Decimal, reason string) (Transaction, bool, error) {
	if !amount.IsPositive() {
		return Transaction{}, false, ErrInvalidAmount
	}
	return o.apply(mutation{
		key:            key,
		delta:          Balances{Spendable: amount.Neg(), TotalEarned: amount.Neg()},
		amount:         amount.Neg(),
		description:    fmt.Sprintf("Refund of order %s", orderID),
		idempotencyKey: RefundKey(orderID, key.Class),
		payload:        Refund{OrderID: orderID, Reason: reason},
	})
}

// Adjust applies a signed manual correction to spendable and lifetime earnings.
func (o *Ops) Adjust(key AccountKey, amount decimal.Decimal, reason, actor, idempotencyKey string) (Transaction, bool, error) {
	if amount.IsZero() {
		return Transaction{}, false, ErrInvalidAmount
	}
	return o.apply(mutation{
		key:            key,
		create:         amount.IsPositive(),
		delta:          Balances{Spendable: amount, TotalEarned: amount},
		amount:         amount,
		description:    fmt.Sprintf("Adjustment by %s: %s", actor, reason),
		idempotencyKey: idempotencyKey,
		payload:        Adjustment{Reason: reason, Actor: actor},
	})
}

func (l *Ledger) Credit(ctx context.Context, in CreditInput) (CreditResult, error) {
	var res CreditResult
	err := l.Do(ctx, func(ops *Ops) error {
		var err error
		res, err = ops.Credit(in)
		return err
	})
	return res, err
}

func (l *Ledger) ReserveForPayout(ctx context.Context, key AccountKey, amount decimal.Decimal, requestID string) (Transaction, error) {
	var rec Transaction
	err := l.Do(ctx, func(ops *Ops) error {
		var err error
		rec, _, err = ops.ReserveForPayout(key, amount, requestID)
		return err
	})
	return rec, err
}

func (l *Ledger) SettlePayout(ctx context.Context, key AccountKey, amount decimal.Decimal, requestID, paymentReference string) (Transaction, error) {
	var rec Transaction
	err := l.Do(ctx, func(ops *Ops) error {
		var err error
		rec, _, err = ops.SettlePayout(key, amount, requestID, paymentReference)
		return err
	})
	return rec, err
}

func (l *Ledger) RejectPayout(ctx context.Context, key AccountKey, amount decimal.Decimal, requestID, reason string) (Transaction, error) {
	var rec Transaction
	err := l.Do(ctx, func(ops *Ops) error {
		var err error
		rec, _, err = ops.RejectPayout(key, amount, requestID, reason)
		return err
	})
	return rec, err
}

func (l *Ledger) Adjust(ctx context.Context, key AccountKey, amount decimal.Decimal, reason, actor, idempotencyKey string) (Transaction, bool, error) {
	var (
		rec     Transaction
		applied bool
	)
	err := l.Do(ctx, func(ops *Ops) error {
		var err error
		rec, applied, err = ops.Adjust(key, amount, reason, actor, idempotencyKey)
		return err
	})
	return rec, applied, err
}

// ResetMonthlySales zeroes monthly sales for one page of influencer accounts and returns
// the last earner id touched.
func (l *Ledger) ResetMonthlySales(ctx context.Context, cursor string, limit int) (string, int, error) {
	page, err := l.store.ListAccounts(ctx, commission.ClassInfluencer, cursor, limit)
	if err != nil {
		return cursor, 0, fmt.Errorf("list influencer accounts: %w", err)
	}
	if len(page) == 0 {
		return cursor, 0, nil
	}
	err = l.Do(ctx, func(ops *Ops) error {
		for _, a := range page {
			acc, err := ops.Account(a.AccountKey, false)
			if err != nil {
				return err
			}
			if acc.MonthlySales == 0 {
				continue
			}
			acc.MonthlySales = 0
			acc.UpdatedAt = l.nowFn()
			if err := ops.tx.SaveAccount(acc); err != nil {
				return fmt.Errorf("save account %s: %w", acc.AccountKey, err)
			}
			ops.touch(acc.AccountKey)
		}
		return nil
	})
	if err != nil {
		return cursor, 0, err
	}
	return page[len(page)-1].EarnerID, len(page), nil
}

// SaveBankDetails stores payout bank details on an existing account.
func (l *Ledger) SaveBankDetails(ctx context.Context, key AccountKey, bank BankDetails) error {
	return l.Do(ctx, func(ops *Ops) error {
		acc, err := ops.Account(key, true)
		if err != nil {
			return err
		}
		acc.Bank = &bank
		acc.UpdatedAt = l.nowFn()
		ops.touch(key)
		return ops.tx.SaveAccount(acc)
	})
}
