package directory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"canopy-ledger/internal/database/models"
	"canopy-ledger/internal/services/earnings/commission"
)

// GormDirectory reads collaborator tables from the shared Postgres database.
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	var u models.User
	err := d.db.WithContext(ctx).Preload("Role").First(&u, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return User{ID: u.ID, DisplayName: u.DisplayName(), Role: u.Role.RoleName, Active: u.IsActive}, nil
}

func (d *GormDirectory) Dispensary(ctx context.Context, id string) (Dispensary, error) {
	var row models.Dispensary
	err := d.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Dispensary{}, ErrNotFound
	}
	if err != nil {
		return Dispensary{}, err
	}
	return Dispensary{ID: row.ID, Name: row.Name, OwnerID: row.OwnerID, Rate: row.CommissionRate, Active: row.IsActive}, nil
}

func (d *GormDirectory) StaffOf(ctx context.Context, dispensaryID string) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).Model(&models.DispensaryStaff{}).
		Where("dispensary_id = ? AND is_active = ?", dispensaryID, true).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (d *GormDirectory) ResolveReferral(ctx context.Context, code string) (Influencer, error) {
	var row models.InfluencerProfile
	err := d.db.WithContext(ctx).First(&row, "referral_code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Influencer{}, ErrNotFound
	}
	if err != nil {
		return Influencer{}, err
	}
	return Influencer{
		UserID:          row.UserID,
		ReferralCode:    row.ReferralCode,
		Active:          row.IsActive,
		VideoContent:    row.VideoContent,
		TribeEngagement: row.TribeEngagement,
	}, nil
}

func (d *GormDirectory) Order(ctx context.Context, id string) (Order, error) {
	var row models.Order
	err := d.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	return Order{
		ID:                  row.ID,
		OrderType:           row.OrderType,
		Status:              row.Status,
		TotalAmount:         row.TotalAmount,
		Subtotal:            row.Subtotal,
		ReferralCode:        deref(row.ReferralCode),
		DispensaryID:        deref(row.DispensaryID),
		CreatorID:           deref(row.CreatorID),
		StaffID:             deref(row.StaffID),
		PrecomputedEarnings: row.PrecomputedEarnings,
		EarningsRecorded:    row.EarningsRecorded,
	}, nil
}

func (d *GormDirectory) MarkEarningsRecorded(ctx context.Context, id string, amount decimal.Decimal) error {
	res := d.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).
		Updates(map[string]interface{}{"earnings_recorded": true, "recorded_earnings": amount})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *GormDirectory) Campaigns(ctx context.Context, at time.Time) ([]commission.Campaign, error) {
	var rows []models.SeasonalCampaign
	err := d.db.WithContext(ctx).
		Where("starts_at <= ? AND ends_at > ?", at, at).
		Order("priority desc, starts_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]commission.Campaign, 0, len(rows))
	for _, r := range rows {
		out = append(out, commission.Campaign{ID: r.ID, Name: r.Name, BonusRate: r.BonusRate, StartsAt: r.StartsAt, EndsAt: r.EndsAt})
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
