package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/ledger"
	"canopy-ledger/internal/services/earnings/payout"
)

// doneCursor marks a job run as finished for its period.
const doneCursor = "\x00done"

type Dependencies struct {
	Ledger       *ledger.Ledger
	Policy       commission.Policy
	Checkpoint   Checkpoint
	Logger       *slog.Logger
	BatchSize    int
	SweepClasses []commission.Class
}

type Jobs struct {
	ledger       *ledger.Ledger
	policy       commission.Policy
	checkpoint   Checkpoint
	logger       *slog.Logger
	batchSize    int
	sweepClasses []commission.Class
}

func NewJobs(deps Dependencies) *Jobs {
	j := &Jobs{
		ledger:       deps.Ledger,
		policy:       deps.Policy,
		checkpoint:   deps.Checkpoint,
		logger:       deps.Logger,
		batchSize:    deps.BatchSize,
		sweepClasses: deps.SweepClasses,
	}
	if j.checkpoint == nil {
		j.checkpoint = NewMemoryCheckpoint()
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	if j.batchSize <= 0 {
		j.batchSize = 200
	}
	if len(j.sweepClasses) == 0 {
		j.sweepClasses = []commission.Class{commission.ClassInfluencer}
	}
	return j
}

type Report struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Swept     int    `json:"swept"`
	Resumed   bool   `json:"resumed"`
	Skipped   bool   `json:"alreadyCompleted"`
}

// MonthlyReset zeroes every influencer's monthly sales once per period (YYYY-MM).
func (j *Jobs) MonthlyReset(ctx context.Context, period string) (Report, error) {
	if period == "" {
		period = j.ledger.Now().Format("2006-01")
	}
	rep := Report{Job: "monthly-reset:" + period}
	cursor, err := j.checkpoint.Load(ctx, rep.Job)
	if err != nil {
		return rep, fmt.Errorf("load checkpoint: %w", err)
	}
	if cursor == doneCursor {
		rep.Skipped = true
		return rep, nil
	}
	rep.Resumed = cursor != ""

	for {
		next, n, err := j.ledger.ResetMonthlySales(ctx, cursor, j.batchSize)
		if err != nil {
			return rep, fmt.Errorf("reset batch after %q: %w", cursor, err)
		}
		if n == 0 {
			break
		}
		rep.Processed += n
		cursor = next
		if err := j.checkpoint.Save(ctx, rep.Job, cursor); err != nil {
			return rep, fmt.Errorf("save checkpoint: %w", err)
		}
	}
	if err := j.checkpoint.Save(ctx, rep.Job, doneCursor); err != nil {
		return rep, fmt.Errorf("save checkpoint: %w", err)
	}
	j.logger.InfoContext(ctx, "monthly reset finished", "module", "earnings.settlement", "job", rep.Job, "processed", rep.Processed)
	return rep, nil
}

// WeekOf returns the ISO week label, e.g. 2026-W07.
func (j *Jobs) WeekOf() string {
	y, w := j.ledger.Now().ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

// WeeklySweep opens a payout request for every eligible earner in the configured classes
// and confirms the commissions it pays out. Each earner commits on its own; a failure stops
// the run with the checkpoint on the last committed earner.
func (j *Jobs) WeeklySweep(ctx context.Context, week string) (Report, error) {
	if week == "" {
		week = j.WeekOf()
	}
	rep := Report{Job: "weekly-sweep:" + week}
	for _, class := range j.sweepClasses {
		if err := j.sweepClass(ctx, week, class, &rep); err != nil {
			return rep, err
		}
	}
	j.logger.InfoContext(ctx, "weekly sweep finished",
		"module", "earnings.settlement",
		"job", rep.Job,
		"processed", rep.Processed,
		"swept", rep.Swept,
	)
	return rep, nil
}

func (j *Jobs) sweepClass(ctx context.Context, week string, class commission.Class, rep *Report) error {
	job := fmt.Sprintf("weekly-sweep:%s:%s", week, class)
	cursor, err := j.checkpoint.Load(ctx, job)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cursor == doneCursor {
		rep.Skipped = true
		return nil
	}
	if cursor != "" {
		rep.Resumed = true
	}
	minimum := j.policy.MinimumFor(class)

	for {
		page, err := j.ledger.Store().ListAccounts(ctx, class, cursor, j.batchSize)
		if err != nil {
			return fmt.Errorf("list %s accounts: %w", class, err)
		}
		if len(page) == 0 {
			break
		}
		for _, acc := range page {
			rep.Processed++
			if acc.Bank != nil && !acc.Spendable.LessThan(minimum) && acc.Spendable.IsPositive() {
				swept, err := j.sweepEarner(ctx, week, acc.AccountKey, minimum)
				if err != nil {
					return fmt.Errorf("sweep %s: %w", acc.AccountKey, err)
				}
				if swept {
					rep.Swept++
				}
			}
			cursor = acc.EarnerID
			if err := j.checkpoint.Save(ctx, job, cursor); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
		}
	}
	return j.checkpoint.Save(ctx, job, doneCursor)
}

// SweepKey is the idempotency key of an earner's auto-generated payout for a week.
func SweepKey(week string, key ledger.AccountKey) string {
	return fmt.Sprintf("sweep:%s:%s", week, key)
}

func (j *Jobs) sweepEarner(ctx context.Context, week string, key ledger.AccountKey, minimum decimal.Decimal) (bool, error) {
	idem := SweepKey(week, key)
	var swept bool
	err := j.ledger.Do(ctx, func(ops *ledger.Ops) error {
		if _, exists, err := ops.Tx().FindPayoutByKey(idem); err != nil || exists {
			return err
		}
		acc, err := ops.Account(key, false)
		if err != nil {
			return err
		}
		if acc.Bank == nil || acc.Spendable.LessThan(minimum) || !acc.Spendable.IsPositive() {
			return nil
		}

		now := j.ledger.Now()
		p := ledger.PayoutRequest{
			ID:              j.ledger.NewID(),
			Type:            ledger.PayoutIndividual,
			Class:           key.Class,
			RequestedBy:     key.EarnerID,
			RequestedAmount: acc.Spendable,
			ReservedAmount:  acc.Spendable,
			Status:          ledger.PayoutPending,
			Bank:            *acc.Bank,
			Allocations:     []ledger.Allocation{{Account: key, Amount: acc.Spendable}},
			Source:          payout.SourceWeeklySweep,
			IdempotencyKey:  idem,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := payout.ReserveAndCreate(ops, p); err != nil {
			return err
		}

		unconfirmed, err := ops.Tx().UnconfirmedCommissions(key)
		if err != nil {
			return fmt.Errorf("load unconfirmed commissions: %w", err)
		}
		for _, rec := range unconfirmed {
			if err := ops.Tx().ConfirmCommission(ledger.Confirmation{TransactionID: rec.ID, PayoutRequestID: p.ID, ConfirmedAt: now}); err != nil {
				return fmt.Errorf("confirm commission %s: %w", rec.ID, err)
			}
		}
		swept = true
		return nil
	})
	return swept, err
}
