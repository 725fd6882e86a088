package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"canopy-ledger/internal/database/models"
	"canopy-ledger/internal/services/earnings/commission"
)

// GormStore persists the ledger in Postgres. Account and payout rows are locked with
// SELECT ... FOR UPDATE for the lifetime of the surrounding transaction.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *GormStore) GetAccount(ctx context.Context, key AccountKey) (Account, error) {
	var row models.EarnerAccount
	err := s.db.WithContext(ctx).
		Where("earner_id = ? AND earner_class = ?", key.EarnerID, string(key.Class)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return accountFromRow(row)
}

func (s *GormStore) ListAccounts(ctx context.Context, class commission.Class, cursor string, limit int) ([]Account, error) {
	q := s.db.WithContext(ctx).
		Where("earner_class = ? AND earner_id > ?", string(class), cursor).
		Order("earner_id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.EarnerAccount
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(rows))
	for _, r := range rows {
		a, err := accountFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *GormStore) ListTransactions(ctx context.Context, key AccountKey, since time.Time, limit int) ([]Transaction, error) {
	q := s.db.WithContext(ctx).
		Where("earner_id = ? AND earner_class = ?", key.EarnerID, string(key.Class)).
		Order("created_at desc, id desc")
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.LedgerTransaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return transactionsFromRows(rows)
}

func (s *GormStore) TransactionsForOrder(ctx context.Context, orderID string) ([]Transaction, error) {
	var rows []models.LedgerTransaction
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return transactionsFromRows(rows)
}

func (s *GormStore) GetPayout(ctx context.Context, id string) (PayoutRequest, error) {
	var row models.PayoutRequest
	err := s.db.WithContext(ctx).Preload("Allocations").First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PayoutRequest{}, ErrPayoutNotFound
	}
	if err != nil {
		return PayoutRequest{}, err
	}
	return payoutFromRow(row)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) CreateAccount(a Account) error {
	row, err := accountToRow(a)
	if err != nil {
		return err
	}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (t *gormTx) LockAccount(key AccountKey) (Account, bool, error) {
	var row models.EarnerAccount
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("earner_id = ? AND earner_class = ?", key.EarnerID, string(key.Class)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, err
	}
	a, err := accountFromRow(row)
	return a, err == nil, err
}

func (t *gormTx) SaveAccount(a Account) error {
	row, err := accountToRow(a)
	if err != nil {
		return err
	}
	return t.db.Save(&row).Error
}

func (t *gormTx) HasIdempotencyKey(key string) (bool, error) {
	var count int64
	err := t.db.Model(&models.LedgerTransaction{}).Where("idempotency_key = ?", key).Count(&count).Error
	return count > 0, err
}

func (t *gormTx) AppendTransaction(rec Transaction) error {
	row, err := transactionToRow(rec)
	if err != nil {
		return err
	}
	res := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

func (t *gormTx) CreatePayout(p PayoutRequest) error {
	row, err := payoutToRow(p)
	if err != nil {
		return err
	}
	return t.db.Create(&row).Error
}

func (t *gormTx) LockPayout(id string) (PayoutRequest, error) {
	var row models.PayoutRequest
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PayoutRequest{}, ErrPayoutNotFound
	}
	if err != nil {
		return PayoutRequest{}, err
	}
	if err := t.db.Where("payout_request_id = ?", id).Order("id asc").Find(&row.Allocations).Error; err != nil {
		return PayoutRequest{}, err
	}
	return payoutFromRow(row)
}

func (t *gormTx) FindPayoutByKey(idempotencyKey string) (PayoutRequest, bool, error) {
	var row models.PayoutRequest
	err := t.db.Preload("Allocations").First(&row, "idempotency_key = ?", idempotencyKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PayoutRequest{}, false, nil
	}
	if err != nil {
		return PayoutRequest{}, false, err
	}
	p, err := payoutFromRow(row)
	return p, err == nil, err
}

// SavePayout updates the request columns. Allocations are written once at creation.
func (t *gormTx) SavePayout(p PayoutRequest) error {
	row, err := payoutToRow(p)
	if err != nil {
		return err
	}
	row.Allocations = nil
	return t.db.Omit(clause.Associations).Save(&row).Error
}

func (t *gormTx) UnconfirmedCommissions(key AccountKey) ([]Transaction, error) {
	var rows []models.LedgerTransaction
	confirmed := t.db.Model(&models.CommissionConfirmation{}).Select("transaction_id")
	err := t.db.
		Where("earner_id = ? AND earner_class = ? AND type = ?", key.EarnerID, string(key.Class), string(TxOrderCommission)).
		Where("id NOT IN (?)", confirmed).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return transactionsFromRows(rows)
}

func (t *gormTx) ConfirmCommission(c Confirmation) error {
	row := models.CommissionConfirmation{
		TransactionID:   c.TransactionID,
		PayoutRequestID: c.PayoutRequestID,
		ConfirmedAt:     c.ConfirmedAt,
	}
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func accountToRow(a Account) (models.EarnerAccount, error) {
	row := models.EarnerAccount{
		EarnerID:       a.EarnerID,
		EarnerClass:    string(a.Class),
		CurrentBalance: a.Spendable,
		PendingBalance: a.PendingPayout,
		TotalWithdrawn: a.Withdrawn,
		TotalEarned:    a.TotalEarned,
		CommissionRate: a.CommissionRate,
		MonthlySales:   a.MonthlySales,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	if a.Tier != "" {
		tier := string(a.Tier)
		row.Tier = &tier
	}
	if a.Bank != nil {
		b, err := json.Marshal(a.Bank)
		if err != nil {
			return row, fmt.Errorf("encode account details: %w", err)
		}
		row.AccountDetails = b
	}
	return row, nil
}

func accountFromRow(row models.EarnerAccount) (Account, error) {
	a := Account{
		AccountKey: AccountKey{EarnerID: row.EarnerID, Class: commission.Class(row.EarnerClass)},
		Balances: Balances{
			Spendable:     row.CurrentBalance,
			PendingPayout: row.PendingBalance,
			Withdrawn:     row.TotalWithdrawn,
			TotalEarned:   row.TotalEarned,
		},
		CommissionRate: row.CommissionRate,
		MonthlySales:   row.MonthlySales,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.Tier != nil {
		a.Tier = commission.Tier(*row.Tier)
	}
	if len(row.AccountDetails) > 0 {
		var b BankDetails
		if err := json.Unmarshal(row.AccountDetails, &b); err != nil {
			return a, fmt.Errorf("decode account details: %w", err)
		}
		a.Bank = &b
	}
	return a, nil
}

func transactionToRow(t Transaction) (models.LedgerTransaction, error) {
	payload, err := EncodePayload(t.Payload)
	if err != nil {
		return models.LedgerTransaction{}, err
	}
	balance, err := json.Marshal(t.BalanceAfter)
	if err != nil {
		return models.LedgerTransaction{}, err
	}
	row := models.LedgerTransaction{
		ID:             t.ID,
		EarnerID:       t.Account.EarnerID,
		EarnerClass:    string(t.Account.Class),
		Type:           string(t.Type),
		Amount:         t.Amount,
		Description:    t.Description,
		BalanceAfter:   balance,
		IdempotencyKey: t.IdempotencyKey,
		Payload:        payload,
		CreatedAt:      t.CreatedAt,
	}
	if id := t.OrderID(); id != "" {
		row.OrderID = &id
	}
	if id := t.RequestID(); id != "" {
		row.RequestID = &id
	}
	return row, nil
}

func transactionsFromRows(rows []models.LedgerTransaction) ([]Transaction, error) {
	out := make([]Transaction, 0, len(rows))
	for _, r := range rows {
		payload, err := DecodePayload(TxType(r.Type), r.Payload)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", r.ID, err)
		}
		var balance Balances
		if err := json.Unmarshal(r.BalanceAfter, &balance); err != nil {
			return nil, fmt.Errorf("transaction %s balance: %w", r.ID, err)
		}
		out = append(out, Transaction{
			ID:             r.ID,
			Account:        AccountKey{EarnerID: r.EarnerID, Class: commission.Class(r.EarnerClass)},
			Type:           TxType(r.Type),
			Amount:         r.Amount,
			Description:    r.Description,
			BalanceAfter:   balance,
			IdempotencyKey: r.IdempotencyKey,
			Payload:        payload,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

func payoutToRow(p PayoutRequest) (models.PayoutRequest, error) {
	bank, err := json.Marshal(p.Bank)
	if err != nil {
		return models.PayoutRequest{}, fmt.Errorf("encode account details: %w", err)
	}
	row := models.PayoutRequest{
		ID:               p.ID,
		EarnerIDs:        models.StringArray(p.EarnerIDs()),
		EarnerClass:      string(p.Class),
		RequestedBy:      p.RequestedBy,
		PayoutType:       string(p.Type),
		RequestedAmount:  p.RequestedAmount,
		ReservedAmount:   p.ReservedAmount,
		Status:           string(p.Status),
		AccountDetails:   bank,
		Source:           p.Source,
		IdempotencyKey:   optional(p.IdempotencyKey),
		PaymentReference: optional(p.PaymentReference),
		RejectionReason:  optional(p.RejectionReason),
		ProcessedBy:      optional(p.ProcessedBy),
		ProcessedAt:      p.ProcessedAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	for _, a := range p.Allocations {
		row.Allocations = append(row.Allocations, models.PayoutAllocation{
			PayoutRequestID: p.ID,
			EarnerID:        a.Account.EarnerID,
			EarnerClass:     string(a.Account.Class),
			Amount:          a.Amount,
			DisplayName:     a.DisplayName,
		})
	}
	return row, nil
}

func payoutFromRow(row models.PayoutRequest) (PayoutRequest, error) {
	p := PayoutRequest{
		ID:               row.ID,
		Type:             PayoutType(row.PayoutType),
		Class:            commission.Class(row.EarnerClass),
		RequestedBy:      row.RequestedBy,
		RequestedAmount:  row.RequestedAmount,
		ReservedAmount:   row.ReservedAmount,
		Status:           PayoutStatus(row.Status),
		Source:           row.Source,
		IdempotencyKey:   deref(row.IdempotencyKey),
		PaymentReference: deref(row.PaymentReference),
		RejectionReason:  deref(row.RejectionReason),
		ProcessedBy:      deref(row.ProcessedBy),
		ProcessedAt:      row.ProcessedAt,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if len(row.AccountDetails) > 0 {
		if err := json.Unmarshal(row.AccountDetails, &p.Bank); err != nil {
			return p, fmt.Errorf("decode account details: %w", err)
		}
	}
	for _, a := range row.Allocations {
		p.Allocations = append(p.Allocations, Allocation{
			Account:     AccountKey{EarnerID: a.EarnerID, Class: commission.Class(a.EarnerClass)},
			Amount:      a.Amount,
			DisplayName: a.DisplayName,
		})
	}
	return p, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
