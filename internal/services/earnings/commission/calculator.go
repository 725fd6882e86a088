package commission

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnknownClass = errors.New("unknown earner class")

// OrderAmounts carries the order figures a commission is computed from.
type OrderAmounts struct {
	TotalAmount decimal.Decimal
	Subtotal    decimal.Decimal
	// PrecomputedEarnings is the dispensary figure produced at checkout with discounts
	// and tax already applied. When set it is passed through unchanged.
	PrecomputedEarnings *decimal.Decimal
}

type InfluencerTerms struct {
	Tier            Tier
	VideoContent    bool
	TribeEngagement bool
	Campaigns       []Campaign
	At              time.Time
}

type Input struct {
	Order OrderAmounts
	Class Class
	// DispensaryRate overrides the policy rate for a specific dispensary.
	DispensaryRate *decimal.Decimal
	Influencer     InfluencerTerms
}

type Result struct {
	Amount      decimal.Decimal
	Base        decimal.Decimal
	Rate        decimal.Decimal
	CampaignID  string
	Precomputed bool
}

var hundred = decimal.NewFromInt(100)

// Round2 rounds to cents as round(x*100)/100. decimal.Round rounds half away from zero,
// which is half-up for the non-negative amounts the ledger credits.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Mul(hundred).Round(0).Div(hundred)
}

// Compute returns the commission owed to an earner of in.Class for the order.
func (p Policy) Compute(in Input) (Result, error) {
	switch in.Class {
	case ClassDispensaryAdmin, ClassDispensaryStaff:
		if pre := in.Order.PrecomputedEarnings; pre != nil {
			return Result{Amount: nonNegative(Round2(*pre)), Base: in.Order.TotalAmount, Precomputed: true}, nil
		}
		rate := p.DispensaryRate
		if in.DispensaryRate != nil {
			rate = *in.DispensaryRate
		}
		return rated(in.Order.TotalAmount, rate), nil
	case ClassCreator:
		return rated(in.Order.TotalAmount, p.CreatorRate), nil
	case ClassInfluencer:
		rate := in.Influencer.Tier.Rate()
		if in.Influencer.VideoContent {
			rate = rate.Add(p.VideoBonusRate)
		}
		if in.Influencer.TribeEngagement {
			rate = rate.Add(p.TribeBonusRate)
		}
		at := in.Influencer.At
		if at.IsZero() {
			at = time.Now()
		}
		campaign, hasCampaign := ActiveCampaign(in.Influencer.Campaigns, at)
		if hasCampaign {
			rate = rate.Add(campaign.BonusRate)
		}
		res := rated(in.Order.Subtotal, rate)
		res.CampaignID = campaign.ID
		return res, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownClass, in.Class)
	}
}

func rated(base, rate decimal.Decimal) Result {
	if !base.IsPositive() {
		return Result{Amount: decimal.Zero, Base: base, Rate: rate}
	}
	return Result{Amount: Round2(base.Mul(rate)), Base: base, Rate: rate}
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
