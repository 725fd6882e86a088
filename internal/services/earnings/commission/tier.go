package commission

import "github.com/shopspring/decimal"

type Tier string

const (
	TierSeed   Tier = "seed"
	TierSprout Tier = "sprout"
	TierGrowth Tier = "growth"
	TierBloom  Tier = "bloom"
	TierForest Tier = "forest"
)

type tierBand struct {
	tier     Tier
	minSales int
	rate     decimal.Decimal
}

// Ascending by minSales; a band covers [minSales, next.minSales-1].
var tierBands = []tierBand{
	{TierSeed, 0, decimal.RequireFromString("0.05")},
	{TierSprout, 11, decimal.RequireFromString("0.08")},
	{TierGrowth, 51, decimal.RequireFromString("0.12")},
	{TierBloom, 101, decimal.RequireFromString("0.15")},
	{TierForest, 251, decimal.RequireFromString("0.20")},
}

// TierFor returns the highest tier whose threshold monthlySales meets.
func TierFor(monthlySales int) Tier {
	tier := TierSeed
	for _, b := range tierBands {
		if monthlySales >= b.minSales {
			tier = b.tier
		}
	}
	return tier
}

func ParseTier(s string) (Tier, bool) {
	for _, b := range tierBands {
		if string(b.tier) == s {
			return b.tier, true
		}
	}
	return "", false
}

// Rate is the base commission rate of the tier. Unknown tiers earn the seed rate.
func (t Tier) Rate() decimal.Decimal {
	for _, b := range tierBands {
		if b.tier == t {
			return b.rate
		}
	}
	return tierBands[0].rate
}

func (t Tier) rank() int {
	for i, b := range tierBands {
		if b.tier == t {
			return i
		}
	}
	return 0
}

// Progress returns the tier an influencer holds after reaching monthlySales. Tiers only
// move up; a lower sales count keeps the current tier.
func Progress(current Tier, monthlySales int) (Tier, bool) {
	if _, ok := ParseTier(string(current)); !ok {
		current = TierSeed
	}
	candidate := TierFor(monthlySales)
	if candidate.rank() > current.rank() {
		return candidate, true
	}
	return current, false
}
