package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"canopy-ledger/internal/services/earnings/commission"
)

// AccountKey identifies an earner account. The same user may hold one account per class.
type AccountKey struct {
	EarnerID string           `json:"earnerId"`
	Class    commission.Class `json:"earnerClass"`
}

func (k AccountKey) String() string {
	return string(k.Class) + ":" + k.EarnerID
}

// SortKeys orders keys so that multi-account transactions always lock in the same order.
func SortKeys(keys []AccountKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Class != keys[j].Class {
			return keys[i].Class < keys[j].Class
		}
		return keys[i].EarnerID < keys[j].EarnerID
	})
}

// Balances holds the three buckets plus the running total. Spendable, PendingPayout and
// Withdrawn always sum to TotalEarned.
type Balances struct {
	Spendable     decimal.Decimal `json:"currentBalance"`
	PendingPayout decimal.Decimal `json:"pendingBalance"`
	Withdrawn     decimal.Decimal `json:"totalWithdrawn"`
	TotalEarned   decimal.Decimal `json:"totalEarned"`
}

func (b Balances) add(d Balances) Balances {
	return Balances{
		Spendable:     b.Spendable.Add(d.Spendable),
		PendingPayout: b.PendingPayout.Add(d.PendingPayout),
		Withdrawn:     b.Withdrawn.Add(d.Withdrawn),
		TotalEarned:   b.TotalEarned.Add(d.TotalEarned),
	}
}

var conservationTolerance = decimal.RequireFromString("0.01")

func (b Balances) check() error {
	for _, v := range []decimal.Decimal{b.Spendable, b.PendingPayout, b.Withdrawn, b.TotalEarned} {
		if v.IsNegative() {
			return ErrInvariantViolated
		}
	}
	sum := b.Spendable.Add(b.PendingPayout).Add(b.Withdrawn)
	if sum.Sub(b.TotalEarned).Abs().GreaterThan(conservationTolerance) {
		return ErrInvariantViolated
	}
	return nil
}

type BankDetails struct {
	AccountHolderName string `json:"accountHolderName" validate:"required,max=120"`
	BankName          string `json:"bankName" validate:"required,max=120"`
	AccountNumber     string `json:"accountNumber" validate:"required,numeric,min=4,max=17"`
	RoutingNumber     string `json:"routingNumber" validate:"required,numeric,len=9"`
}

type Account struct {
	AccountKey
	Balances

	// Influencer only.
	Tier           commission.Tier `json:"tier,omitempty"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
	MonthlySales   int             `json:"monthlySales"`

	Bank      *BankDetails `json:"accountDetails,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// NewAccount returns the zero-balance account created on an earner's first credit.
func NewAccount(key AccountKey, now time.Time) Account {
	a := Account{AccountKey: key, CreatedAt: now, UpdatedAt: now}
	if key.Class == commission.ClassInfluencer {
		a.Tier = commission.TierSeed
		a.CommissionRate = commission.TierSeed.Rate()
	}
	return a
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutRejected   PayoutStatus = "rejected"
)

type PayoutType string

const (
	PayoutIndividual PayoutType = "individual"
	PayoutCombined   PayoutType = "combined"
)

// Allocation is the share of a payout reserved from one account.
type Allocation struct {
	Account     AccountKey      `json:"account"`
	Amount      decimal.Decimal `json:"amount"`
	DisplayName string          `json:"displayName,omitempty"`
}

type PayoutRequest struct {
	ID               string           `json:"id"`
	Type             PayoutType       `json:"payoutType"`
	Class            commission.Class `json:"earnerClass"`
	RequestedBy      string           `json:"requestedBy"`
	RequestedAmount  decimal.Decimal  `json:"requestedAmount"`
	ReservedAmount   decimal.Decimal  `json:"reservedAmount"`
	Status           PayoutStatus     `json:"status"`
	Bank             BankDetails      `json:"accountDetails"`
	Allocations      []Allocation     `json:"staffBreakdown"`
	Source           string           `json:"source"`
	IdempotencyKey   string           `json:"-"`
	PaymentReference string           `json:"paymentReference,omitempty"`
	RejectionReason  string           `json:"rejectionReason,omitempty"`
	ProcessedBy      string           `json:"processedBy,omitempty"`
	ProcessedAt      *time.Time       `json:"processedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (p PayoutRequest) EarnerIDs() []string {
	ids := make([]string, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		ids = append(ids, a.Account.EarnerID)
	}
	return ids
}

// Confirmation marks an order commission as paid out by a sweep payout.
type Confirmation struct {
	TransactionID   string    `json:"transactionId"`
	PayoutRequestID string    `json:"payoutRequestId"`
	ConfirmedAt     time.Time `json:"confirmedAt"`
}
