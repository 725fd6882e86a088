// Package directory holds the read-mostly collaborators the ledger consults: users,
// dispensaries, influencer referrals, orders and seasonal campaigns.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"canopy-ledger/internal/services/earnings/commission"
)

var ErrNotFound = errors.New("not found")

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Active      bool   `json:"active"`
}

type Dispensary struct {
	ID      string
	Name    string
	OwnerID string
	// Rate overrides the default dispensary commission rate when set.
	Rate   *decimal.Decimal
	Active bool
}

type Influencer struct {
	UserID          string
	ReferralCode    string
	Active          bool
	VideoContent    bool
	TribeEngagement bool
}

const (
	OrderTypeMarketplace = "marketplace"
	OrderTypeTreehouse   = "treehouse"

	OrderStatusDelivered = "delivered"
	OrderStatusRefunded  = "refunded"
	OrderStatusCancelled = "cancelled"
)

type Order struct {
	ID                  string
	OrderType           string
	Status              string
	TotalAmount         decimal.Decimal
	Subtotal            decimal.Decimal
	ReferralCode        string
	DispensaryID        string
	CreatorID           string
	StaffID             string
	PrecomputedEarnings *decimal.Decimal
	EarningsRecorded    bool
}

type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

type DispensaryDirectory interface {
	Dispensary(ctx context.Context, id string) (Dispensary, error)
	// StaffOf returns the active staff user ids of a dispensary.
	StaffOf(ctx context.Context, dispensaryID string) ([]string, error)
}

type ReferralResolver interface {
	ResolveReferral(ctx context.Context, code string) (Influencer, error)
}

// OrderBook reads orders and records that their earnings were credited.
type OrderBook interface {
	Order(ctx context.Context, id string) (Order, error)
	MarkEarningsRecorded(ctx context.Context, id string, amount decimal.Decimal) error
}

type CampaignSource interface {
	// Campaigns returns campaigns active at t, highest priority first.
	Campaigns(ctx context.Context, at time.Time) ([]commission.Campaign, error)
}
