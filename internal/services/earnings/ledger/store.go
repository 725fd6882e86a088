package ledger

import (
	"context"
	"time"

	"canopy-ledger/internal/services/earnings/commission"
)

// Store persists accounts, transaction records and payout requests. All mutations go
// through RunInTx; fn runs atomically and a returned error discards every write.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, key AccountKey) (Account, error)
	// ListAccounts pages through a class ordered by earner id, starting after cursor.
	ListAccounts(ctx context.Context, class commission.Class, cursor string, limit int) ([]Account, error)
	// ListTransactions returns the newest records first. A zero since or limit disables
	// that bound.
	ListTransactions(ctx context.Context, key AccountKey, since time.Time, limit int) ([]Transaction, error)
	TransactionsForOrder(ctx context.Context, orderID string) ([]Transaction, error)
	GetPayout(ctx context.Context, id string) (PayoutRequest, error)
	Ping(ctx context.Context) error
}

// Tx is the view of the store inside RunInTx. Locks taken by LockAccount and LockPayout
// are held until the transaction ends.
type Tx interface {
	// CreateAccount inserts a if no account exists for its key.
	CreateAccount(a Account) error
	LockAccount(key AccountKey) (Account, bool, error)
	SaveAccount(a Account) error

	HasIdempotencyKey(key string) (bool, error)
	// AppendTransaction returns ErrDuplicateTransaction when the key is already recorded,
	// including by a concurrent transaction that committed first.
	AppendTransaction(t Transaction) error

	CreatePayout(p PayoutRequest) error
	LockPayout(id string) (PayoutRequest, error)
	FindPayoutByKey(idempotencyKey string) (PayoutRequest, bool, error)
	SavePayout(p PayoutRequest) error

	UnconfirmedCommissions(key AccountKey) ([]Transaction, error)
	ConfirmCommission(c Confirmation) error
}
