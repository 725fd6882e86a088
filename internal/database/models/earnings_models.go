package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EarnerAccount struct {
	EarnerID       string          `gorm:"primaryKey;size:64"`
	EarnerClass    string          `gorm:"primaryKey;size:32"`
	CurrentBalance decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	PendingBalance decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	TotalWithdrawn decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	TotalEarned    decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0"`
	Tier           *string         `gorm:"size:16"`
	CommissionRate decimal.Decimal `gorm:"type:decimal(5,4);not null;default:0"`
	MonthlySales   int             `gorm:"not null;default:0"`
	AccountDetails JSONB           `gorm:"type:jsonb"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime"`
}

type LedgerTransaction struct {
	ID             string          `gorm:"primaryKey;size:36"`
	EarnerID       string          `gorm:"index:idx_ledger_tx_account,priority:1;size:64;not null"`
	EarnerClass    string          `gorm:"index:idx_ledger_tx_account,priority:2;size:32;not null"`
	OrderID        *string         `gorm:"index;size:64"`
	RequestID      *string         `gorm:"index;size:36"`
	Type           string          `gorm:"size:32;not null"`
	Amount         decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	Description    string          `gorm:"type:text"`
	BalanceAfter   JSONB           `gorm:"type:jsonb;not null"`
	IdempotencyKey string          `gorm:"uniqueIndex;size:160;not null"`
	Payload        JSONB           `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time       `gorm:"index;not null"`
}

type PayoutRequest struct {
	ID               string          `gorm:"primaryKey;size:36"`
	EarnerIDs        StringArray     `gorm:"type:jsonb;not null"`
	EarnerClass      string          `gorm:"size:32;not null"`
	RequestedBy      string          `gorm:"index;size:64;not null"`
	PayoutType       string          `gorm:"size:16;not null"`
	RequestedAmount  decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	ReservedAmount   decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	Status           string          `gorm:"index;size:16;not null"`
	AccountDetails   JSONB           `gorm:"type:jsonb"`
	Source           string          `gorm:"size:32"`
	IdempotencyKey   *string         `gorm:"uniqueIndex;size:160"`
	PaymentReference *string         `gorm:"size:128"`
	RejectionReason  *string         `gorm:"type:text"`
	ProcessedBy      *string         `gorm:"size:64"`
	ProcessedAt      *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`

	Allocations []PayoutAllocation `gorm:"foreignKey:PayoutRequestID"`
}

type PayoutAllocation struct {
	ID              int64           `gorm:"primaryKey;autoIncrement"`
	PayoutRequestID string          `gorm:"index;size:36;not null"`
	EarnerID        string          `gorm:"size:64;not null"`
	EarnerClass     string          `gorm:"size:32;not null"`
	Amount          decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	DisplayName     string          `gorm:"size:160"`
}

type CommissionConfirmation struct {
	TransactionID   string    `gorm:"primaryKey;size:36"`
	PayoutRequestID string    `gorm:"index;size:36;not null"`
	ConfirmedAt     time.Time `gorm:"not null"`
}

type InfluencerProfile struct {
	UserID          string     `gorm:"primaryKey;size:64"`
	ReferralCode    string     `gorm:"uniqueIndex;size:64;not null"`
	IsActive        bool       `gorm:"default:true"`
	VideoContent    bool       `gorm:"default:false"`
	TribeEngagement bool       `gorm:"default:false"`
	CreatedAt       *time.Time `gorm:"autoCreateTime"`
	UpdatedAt       *time.Time `gorm:"autoUpdateTime"`
}

type Dispensary struct {
	ID             string           `gorm:"primaryKey;size:64"`
	Name           string           `gorm:"not null"`
	OwnerID        string           `gorm:"index;size:64;not null"`
	CommissionRate *decimal.Decimal `gorm:"type:decimal(5,4)"`
	IsActive       bool             `gorm:"default:true"`
	CreatedAt      *time.Time       `gorm:"autoCreateTime"`
	UpdatedAt      *time.Time       `gorm:"autoUpdateTime"`
}

// DispensaryStaff lists the users a dispensary admin may include in a combined payout.
type DispensaryStaff struct {
	DispensaryID string     `gorm:"primaryKey;size:64"`
	UserID       string     `gorm:"primaryKey;size:64;index"`
	IsActive     bool       `gorm:"default:true"`
	CreatedAt    *time.Time `gorm:"autoCreateTime"`
	UpdatedAt    *time.Time `gorm:"autoUpdateTime"`
}

type SeasonalCampaign struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Name      string          `gorm:"not null"`
	BonusRate decimal.Decimal `gorm:"type:decimal(5,4);not null"`
	StartsAt  time.Time       `gorm:"index;not null"`
	EndsAt    time.Time       `gorm:"index;not null"`
	Priority  int             `gorm:"not null;default:0"`
}

// Order is the subset of the order collaborator's record read and written back here.
type Order struct {
	ID                  string           `gorm:"primaryKey;size:64"`
	OrderType           string           `gorm:"size:32;not null"`
	Status              string           `gorm:"index;size:32;not null"`
	TotalAmount         decimal.Decimal  `gorm:"type:decimal(18,2);not null"`
	Subtotal            decimal.Decimal  `gorm:"type:decimal(18,2);not null"`
	ReferralCode        *string          `gorm:"size:64"`
	DispensaryID        *string          `gorm:"size:64"`
	CreatorID           *string          `gorm:"size:64"`
	StaffID             *string          `gorm:"size:64"`
	PrecomputedEarnings *decimal.Decimal `gorm:"type:decimal(18,2)"`
	EarningsRecorded    bool             `gorm:"default:false"`
	RecordedEarnings    *decimal.Decimal `gorm:"type:decimal(18,2)"`
	CreatedAt           *time.Time       `gorm:"autoCreateTime"`
	UpdatedAt           *time.Time       `gorm:"autoUpdateTime"`
}
