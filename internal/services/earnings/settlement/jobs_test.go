package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/ledger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var bank = ledger.BankDetails{
	AccountHolderName: "Indy Park",
	BankName:          "Canopy Credit Union",
	AccountNumber:     "55501234",
	RoutingNumber:     "011000015",
}

type fixture struct {
	jobs       *Jobs
	l          *ledger.Ledger
	store      *ledger.MemoryStore
	checkpoint *MemoryCheckpoint
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	l := ledger.New(ledger.Dependencies{
		Store: store,
		Now:   func() time.Time { return time.Date(2026, 2, 16, 2, 0, 0, 0, time.UTC) },
	})
	cp := NewMemoryCheckpoint()
	jobs := NewJobs(Dependencies{
		Ledger:     l,
		Policy:     commission.DefaultPolicy(),
		Checkpoint: cp,
		BatchSize:  2,
	})
	return fixture{jobs: jobs, l: l, store: store, checkpoint: cp}
}

func influencer(id string) ledger.AccountKey {
	return ledger.AccountKey{EarnerID: id, Class: commission.ClassInfluencer}
}

func (f fixture) earn(t *testing.T, id string, sales int, each string, withBank bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < sales; i++ {
		_, err := f.l.Credit(ctx, ledger.CreditInput{
			Account:        influencer(id),
			Amount:         dec(each),
			IdempotencyKey: fmt.Sprintf("%s-order-%d:influencer", id, i),
			Commission:     ledger.OrderCommission{OrderID: fmt.Sprintf("%s-order-%d", id, i)},
			CountSale:      true,
		})
		if err != nil {
			t.Fatalf("credit %s: %v", id, err)
		}
	}
	if withBank {
		if err := f.l.SaveBankDetails(ctx, influencer(id), bank); err != nil {
			t.Fatalf("save bank details: %v", err)
		}
	}
}

func (f fixture) account(t *testing.T, id string) ledger.Account {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), influencer(id))
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}
	return acc
}

func TestMonthlyResetOncePerPeriod(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"inf-a", "inf-b", "inf-c", "inf-d", "inf-e"} {
		f.earn(t, id, 3, "10", false)
	}

	rep, err := f.jobs.MonthlyReset(ctx, "2026-02")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if rep.Processed != 5 || rep.Skipped {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, id := range []string{"inf-a", "inf-e"} {
		acc := f.account(t, id)
		if acc.MonthlySales != 0 || !acc.Spendable.Equal(dec("30")) {
			t.Fatalf("expected sales reset and balance untouched for %s, got %+v", id, acc)
		}
	}

	f.earn(t, "inf-f", 2, "10", false)
	rep, err = f.jobs.MonthlyReset(ctx, "2026-02")
	if err != nil || !rep.Skipped {
		t.Fatalf("expected second run in the period to be skipped, got %+v %v", rep, err)
	}
	if f.account(t, "inf-f").MonthlySales != 2 {
		t.Fatalf("expected sales accrued after the reset to survive a rerun")
	}
}

func TestMonthlyResetResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"inf-a", "inf-b", "inf-c"} {
		f.earn(t, id, 1, "10", false)
	}
	if err := f.checkpoint.Save(ctx, "monthly-reset:2026-03", "inf-b"); err != nil {
		t.Fatalf("save: %v", err)
	}

	rep, err := f.jobs.MonthlyReset(ctx, "2026-03")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !rep.Resumed || rep.Processed != 1 {
		t.Fatalf("expected resume over one earner, got %+v", rep)
	}
	if f.account(t, "inf-a").MonthlySales != 1 || f.account(t, "inf-c").MonthlySales != 0 {
		t.Fatalf("expected only earners after the cursor to be reset")
	}
}

func TestWeeklySweepCreatesPayoutsAndConfirmsCommissions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "inf-a", 6, "100", true)  // eligible
	f.earn(t, "inf-b", 6, "100", false) // no bank details
	f.earn(t, "inf-c", 1, "100", true)  // below minimum

	rep, err := f.jobs.WeeklySweep(ctx, "2026-W08")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Processed != 3 || rep.Swept != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	a := f.account(t, "inf-a")
	if !a.Spendable.IsZero() || !a.PendingPayout.Equal(dec("600")) {
		t.Fatalf("expected inf-a swept to pending, got %+v", a.Balances)
	}
	if b := f.account(t, "inf-b"); !b.Spendable.Equal(dec("600")) {
		t.Fatalf("expected inf-b untouched, got %+v", b.Balances)
	}
	if c := f.account(t, "inf-c"); !c.Spendable.Equal(dec("100")) {
		t.Fatalf("expected inf-c untouched, got %+v", c.Balances)
	}
	if n := len(f.store.Confirmations()); n != 6 {
		t.Fatalf("expected six confirmed commissions, got %d", n)
	}

	rep, err = f.jobs.WeeklySweep(ctx, "2026-W08")
	if err != nil || !rep.Skipped || rep.Swept != 0 {
		t.Fatalf("expected finished week to be skipped, got %+v %v", rep, err)
	}
}

func TestWeeklySweepIsIdempotentPerEarner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "inf-a", 6, "100", true)

	if _, err := f.jobs.WeeklySweep(ctx, "2026-W09"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// A crashed run that never recorded progress replays the earner.
	if err := f.checkpoint.Save(ctx, "weekly-sweep:2026-W09:influencer", ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, _ = f.l.Credit(ctx, ledger.CreditInput{
		Account:        influencer("inf-a"),
		Amount:         dec("500"),
		IdempotencyKey: "late-order:influencer",
		Commission:     ledger.OrderCommission{OrderID: "late-order"},
	})

	rep, err := f.jobs.WeeklySweep(ctx, "2026-W09")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Swept != 0 {
		t.Fatalf("expected no second payout for the same week, got %+v", rep)
	}
	if a := f.account(t, "inf-a"); !a.PendingPayout.Equal(dec("600")) || !a.Spendable.Equal(dec("500")) {
		t.Fatalf("unexpected balances after replay %+v", a.Balances)
	}

	rep, err = f.jobs.WeeklySweep(ctx, "2026-W10")
	if err != nil || rep.Swept != 1 {
		t.Fatalf("expected next week to sweep the new balance, got %+v %v", rep, err)
	}
}

func TestWeeklySweepResumesAfterCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"inf-a", "inf-b", "inf-c"} {
		f.earn(t, id, 5, "100", true)
	}
	if err := f.checkpoint.Save(ctx, "weekly-sweep:2026-W11:influencer", "inf-a"); err != nil {
		t.Fatalf("save: %v", err)
	}

	rep, err := f.jobs.WeeklySweep(ctx, "2026-W11")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !rep.Resumed || rep.Swept != 2 {
		t.Fatalf("expected two earners swept after resume, got %+v", rep)
	}
	if a := f.account(t, "inf-a"); !a.PendingPayout.IsZero() {
		t.Fatalf("expected inf-a skipped as already committed")
	}
}

func TestWeekOf(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if got := f.jobs.WeekOf(); got != "2026-W08" {
		t.Fatalf("expected 2026-W08, got %s", got)
	}
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := NewScheduler(f.jobs, "not a spec", "0 2 * * 1", nil); err == nil {
		t.Fatalf("expected invalid monthly spec to fail")
	}
	s, err := NewScheduler(f.jobs, "0 0 1 * *", "0 2 * * 1", nil)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	s.Start()
	s.Stop()
}
