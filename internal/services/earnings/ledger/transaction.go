package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TxType string

const (
	TxOrderCommission TxType = "order_commission"
	TxPayout          TxType = "payout"
	TxRefund          TxType = "refund"
	TxAdjustment      TxType = "adjustment"
)

// Payload is the type-specific part of a transaction record. The concrete types below are
// the only implementations.
type Payload interface {
	Type() TxType
}

type OrderCommission struct {
	OrderID     string          `json:"orderId"`
	Base        decimal.Decimal `json:"base"`
	Rate        decimal.Decimal `json:"rate"`
	CampaignID  string          `json:"campaignId,omitempty"`
	Precomputed bool            `json:"precomputed,omitempty"`
}

type PayoutPhase string

const (
	PhaseReserve PayoutPhase = "reserve"
	PhaseSettle  PayoutPhase = "settle"
	PhaseReject  PayoutPhase = "reject"
)

type PayoutMovement struct {
	RequestID        string      `json:"requestId"`
	Phase            PayoutPhase `json:"phase"`
	PaymentReference string      `json:"paymentReference,omitempty"`
	Reason           string      `json:"reason,omitempty"`
}

type Refund struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type Adjustment struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (OrderCommission) Type() TxType { return TxOrderCommission }
func (PayoutMovement) Type() TxType  { return TxPayout }
func (Refund) Type() TxType          { return TxRefund }
func (Adjustment) Type() TxType      { return TxAdjustment }

// Transaction is an immutable ledger record. Amount is signed from the earner's side:
// credits are positive, money leaving the spendable bucket or the ledger is negative.
type Transaction struct {
	ID             string          `json:"id"`
	Account        AccountKey      `json:"account"`
	Type           TxType          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	BalanceAfter   Balances        `json:"balanceAfter"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        Payload         `json:"payload"`
	CreatedAt      time.Time       `json:"timestamp"`
}

// OrderID returns the order a record refers to, empty for payout and adjustment records.
func (t Transaction) OrderID() string {
	switch p := t.Payload.(type) {
	case OrderCommission:
		return p.OrderID
	case Refund:
		return p.OrderID
	case PayoutMovement, Adjustment:
		return ""
	default:
		return ""
	}
}

func (t Transaction) RequestID() string {
	if p, ok := t.Payload.(PayoutMovement); ok {
		return p.RequestID
	}
	return ""
}

// CountsAsEarning reports whether the record moves lifetime earnings.
func (t Transaction) CountsAsEarning() bool {
	switch t.Payload.(type) {
	case OrderCommission, Refund, Adjustment:
		return true
	case PayoutMovement:
		return false
	default:
		return false
	}
}

func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("transaction payload is required")
	}
	return json.Marshal(p)
}

func DecodePayload(t TxType, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TxOrderCommission:
		var v OrderCommission
		err = json.Unmarshal(raw, &v)
		p = v
	case TxPayout:
		var v PayoutMovement
		err = json.Unmarshal(raw, &v)
		p = v
	case TxRefund:
		var v Refund
		err = json.Unmarshal(raw, &v)
		p = v
	case TxAdjustment:
		var v Adjustment
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown transaction type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
