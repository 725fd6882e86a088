package commission

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTierForThresholds(t *testing.T) {
	t.Parallel()

	sales := []int{0, 10, 11, 50, 51, 100, 101, 250, 251}
	want := []Tier{TierSeed, TierSeed, TierSprout, TierSprout, TierGrowth, TierGrowth, TierBloom, TierBloom, TierForest}
	for i, s := range sales {
		if got := TierFor(s); got != want[i] {
			t.Errorf("TierFor(%d) = %s, want %s", s, got, want[i])
		}
	}
}

func TestTierRates(t *testing.T) {
	t.Parallel()

	want := map[Tier]string{
		TierSeed:   "0.05",
		TierSprout: "0.08",
		TierGrowth: "0.12",
		TierBloom:  "0.15",
		TierForest: "0.20",
	}
	for tier, rate := range want {
		if !tier.Rate().Equal(decimal.RequireFromString(rate)) {
			t.Errorf("%s rate = %s, want %s", tier, tier.Rate(), rate)
		}
	}
}

func TestProgressNeverDowngrades(t *testing.T) {
	t.Parallel()

	next, upgraded := Progress(TierBloom, 3)
	if next != TierBloom || upgraded {
		t.Fatalf("expected bloom kept without upgrade, got %s upgraded=%v", next, upgraded)
	}

	next, upgraded = Progress(TierSeed, 11)
	if next != TierSprout || !upgraded {
		t.Fatalf("expected upgrade to sprout, got %s upgraded=%v", next, upgraded)
	}

	next, upgraded = Progress("", 0)
	if next != TierSeed || upgraded {
		t.Fatalf("expected empty tier to normalise to seed, got %s upgraded=%v", next, upgraded)
	}

	next, upgraded = Progress(TierSprout, 300)
	if next != TierForest || !upgraded {
		t.Fatalf("expected jump to forest, got %s upgraded=%v", next, upgraded)
	}
}
