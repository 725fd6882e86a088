package commission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Class identifies which earner bucket a commission belongs to.
type Class string

const (
	ClassDispensaryAdmin Class = "dispensary-admin"
	ClassDispensaryStaff Class = "dispensary-staff"
	ClassCreator         Class = "creator"
	ClassInfluencer      Class = "influencer"
)

func (c Class) Valid() bool {
	switch c {
	case ClassDispensaryAdmin, ClassDispensaryStaff, ClassCreator, ClassInfluencer:
		return true
	}
	return false
}

// ParseClasses converts configured class names, rejecting unknown ones.
func ParseClasses(raw []string) ([]Class, error) {
	out := make([]Class, 0, len(raw))
	for _, r := range raw {
		c := Class(r)
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownClass, r)
		}
		out = append(out, c)
	}
	return out, nil
}

// Campaign is a seasonal influencer promotion adding BonusRate while active.
type Campaign struct {
	ID        string
	Name      string
	BonusRate decimal.Decimal
	StartsAt  time.Time
	EndsAt    time.Time
}

// ActiveAt reports whether t falls in [StartsAt, EndsAt).
func (c Campaign) ActiveAt(t time.Time) bool {
	return !t.Before(c.StartsAt) && t.Before(c.EndsAt)
}

// ActiveCampaign returns the first campaign active at t. Overlapping campaigns do not
// stack; the order of the slice decides.
func ActiveCampaign(campaigns []Campaign, at time.Time) (Campaign, bool) {
	for _, c := range campaigns {
		if c.ActiveAt(at) {
			return c, true
		}
	}
	return Campaign{}, false
}

type Policy struct {
	DispensaryRate decimal.Decimal
	CreatorRate    decimal.Decimal
	VideoBonusRate decimal.Decimal
	TribeBonusRate decimal.Decimal
	MinimumPayout  map[Class]decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		DispensaryRate: decimal.RequireFromString("0.15"),
		CreatorRate:    decimal.RequireFromString("0.25"),
		VideoBonusRate: decimal.RequireFromString("0.02"),
		TribeBonusRate: decimal.RequireFromString("0.01"),
		MinimumPayout: map[Class]decimal.Decimal{
			ClassDispensaryAdmin: decimal.NewFromInt(100),
			ClassDispensaryStaff: decimal.NewFromInt(100),
			ClassCreator:         decimal.NewFromInt(500),
			ClassInfluencer:      decimal.NewFromInt(500),
		},
	}
}

// PolicyFromStrings builds a policy from configuration values; empty strings keep the
// defaults.
func PolicyFromStrings(dispensary, creator, video, tribe string, minimums map[string]string) (Policy, error) {
	p := DefaultPolicy()
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"dispensary rate", dispensary, &p.DispensaryRate},
		{"creator rate", creator, &p.CreatorRate},
		{"video bonus rate", video, &p.VideoBonusRate},
		{"tribe bonus rate", tribe, &p.TribeBonusRate},
	} {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Policy{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		if v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
			return Policy{}, fmt.Errorf("%s must be within [0,1], got %s", f.name, f.raw)
		}
		*f.dst = v
	}
	for class, raw := range minimums {
		c := Class(class)
		if !c.Valid() {
			return Policy{}, fmt.Errorf("unknown earner class %q in minimum payouts", class)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("parse minimum payout for %s: %w", class, err)
		}
		p.MinimumPayout[c] = v
	}
	return p, nil
}

// MinimumFor returns the minimum withdrawal for class, zero when unset.
func (p Policy) MinimumFor(c Class) decimal.Decimal {
	if v, ok := p.MinimumPayout[c]; ok {
		return v
	}
	return decimal.Zero
}
