package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/directory"
	"canopy-ledger/internal/services/earnings/ledger"
	"canopy-ledger/internal/services/earnings/notify"
)

type Dependencies struct {
	Ledger       *ledger.Ledger
	Policy       commission.Policy
	Dispensaries directory.DispensaryDirectory
	Referrals    directory.ReferralResolver
	Orders       directory.OrderBook
	Campaigns    directory.CampaignSource
	Achievements notify.AchievementNotifier
	DeadLetters  notify.DeadLetterSink
	Logger       *slog.Logger
	// SideEffectTimeout bounds each fire-and-forget call made after a commit.
	SideEffectTimeout time.Duration
}

// Ingestor turns order lifecycle events into ledger credits and refunds.
type Ingestor struct {
	ledger       *ledger.Ledger
	policy       commission.Policy
	dispensaries directory.DispensaryDirectory
	referrals    directory.ReferralResolver
	orders       directory.OrderBook
	campaigns    directory.CampaignSource
	achievements notify.AchievementNotifier
	deadLetters  notify.DeadLetterSink
	logger       *slog.Logger
	timeout      time.Duration

	background sync.WaitGroup
}

func NewIngestor(deps Dependencies) *Ingestor {
	i := &Ingestor{
		ledger:       deps.Ledger,
		policy:       deps.Policy,
		dispensaries: deps.Dispensaries,
		referrals:    deps.Referrals,
		orders:       deps.Orders,
		campaigns:    deps.Campaigns,
		achievements: deps.Achievements,
		deadLetters:  deps.DeadLetters,
		logger:       deps.Logger,
		timeout:      deps.SideEffectTimeout,
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	if i.timeout <= 0 {
		i.timeout = 5 * time.Second
	}
	if i.achievements == nil {
		i.achievements = notify.LogSink{Logger: i.logger}
	}
	if i.deadLetters == nil {
		i.deadLetters = notify.LogSink{Logger: i.logger}
	}
	return i
}

// Handle processes one event. Unexpected failures are dead-lettered before being returned;
// events referring to unknown orders, dispensaries or referral codes are logged and
// dropped.
func (i *Ingestor) Handle(ctx context.Context, source string, ev OrderEvent) error {
	var err error
	switch ev.EventType {
	case EventOrderCreated:
		err = i.HandleOrderCreated(ctx, ev.Created())
	case EventOrderStatusChanged:
		err = i.HandleOrderStatusChanged(ctx, ev.StatusChanged())
	default:
		err = fmt.Errorf("unsupported order event type %q", ev.EventType)
	}
	if err != nil {
		payload, _ := json.Marshal(ev)
		i.deadLetter(ctx, source, ev.EventType, ev.OrderID, payload, err)
	}
	return err
}

// HandleRaw decodes and handles a transport payload.
func (i *Ingestor) HandleRaw(ctx context.Context, source, fallbackType string, payload []byte) error {
	ev, err := DecodeEvent(payload, fallbackType)
	if err != nil {
		i.deadLetter(ctx, source, fallbackType, "", payload, err)
		return err
	}
	return i.Handle(ctx, source, ev)
}

func (i *Ingestor) HandleOrderCreated(ctx context.Context, ev OrderCreated) error {
	if ev.ReferralCode == "" {
		return nil
	}
	_, err := i.creditInfluencer(ctx, ev.OrderID, ev.ReferralCode, ev.Subtotal)
	return err
}

func (i *Ingestor) HandleOrderStatusChanged(ctx context.Context, ev OrderStatusChanged) error {
	switch {
	case ev.Before != directory.OrderStatusDelivered && ev.After == directory.OrderStatusDelivered:
		return i.onDelivered(ctx, ev.OrderID)
	case isReversal(ev.After) && !isReversal(ev.Before):
		return i.onReversed(ctx, ev.OrderID, ev.After)
	}
	return nil
}

func isReversal(status string) bool {
	return status == directory.OrderStatusRefunded || status == directory.OrderStatusCancelled
}

func (i *Ingestor) onDelivered(ctx context.Context, orderID string) error {
	order, err := i.orders.Order(ctx, orderID)
	if errors.Is(err, directory.ErrNotFound) {
		i.skip(ctx, "order not found", "order_id", orderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.EarningsRecorded {
		return nil
	}

	var (
		recorded decimal.Decimal
		credited bool
	)
	switch order.OrderType {
	case directory.OrderTypeMarketplace:
		amount, ok, err := i.creditDispensary(ctx, order)
		if err != nil {
			return err
		}
		recorded, credited = amount, ok
	case directory.OrderTypeTreehouse:
		amount, ok, err := i.creditCreator(ctx, order)
		if err != nil {
			return err
		}
		recorded, credited = amount, ok
	default:
		i.skip(ctx, "unknown order type", "order_id", orderID, "order_type", order.OrderType)
	}

	if order.ReferralCode != "" {
		if _, err := i.creditInfluencer(ctx, order.ID, order.ReferralCode, order.Subtotal); err != nil {
			return err
		}
	}

	if credited {
		if err := i.orders.MarkEarningsRecorded(ctx, order.ID, recorded); err != nil {
			i.logger.WarnContext(ctx, "earnings write-back failed",
				"module", "earnings.ingest",
				"order_id", order.ID,
				"error", err,
			)
		}
	}
	return nil
}

func (i *Ingestor) creditDispensary(ctx context.Context, order directory.Order) (decimal.Decimal, bool, error) {
	if order.DispensaryID == "" {
		i.skip(ctx, "marketplace order without dispensary", "order_id", order.ID)
		return decimal.Zero, false, nil
	}
	d, err := i.dispensaries.Dispensary(ctx, order.DispensaryID)
	if errors.Is(err, directory.ErrNotFound) || (err == nil && !d.Active) {
		i.skip(ctx, "dispensary not found or inactive", "order_id", order.ID, "dispensary_id", order.DispensaryID)
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("load dispensary %s: %w", order.DispensaryID, err)
	}

	key := ledger.AccountKey{EarnerID: d.OwnerID, Class: commission.ClassDispensaryAdmin}
	if order.StaffID != "" {
		key = ledger.AccountKey{EarnerID: order.StaffID, Class: commission.ClassDispensaryStaff}
	}
	res, err := i.policy.Compute(commission.Input{
		Class:          key.Class,
		DispensaryRate: d.Rate,
		Order: commission.OrderAmounts{
			TotalAmount:         order.TotalAmount,
			Subtotal:            order.Subtotal,
			PrecomputedEarnings: order.PrecomputedEarnings,
		},
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	return i.creditOrder(ctx, key, order.ID, res)
}

func (i *Ingestor) creditCreator(ctx context.Context, order directory.Order) (decimal.Decimal, bool, error) {
	if order.CreatorID == "" {
		i.skip(ctx, "treehouse order without creator", "order_id", order.ID)
		return decimal.Zero, false, nil
	}
	key := ledger.AccountKey{EarnerID: order.CreatorID, Class: commission.ClassCreator}
	res, err := i.policy.Compute(commission.Input{
		Class: commission.ClassCreator,
		Order: commission.OrderAmounts{TotalAmount: order.TotalAmount, Subtotal: order.Subtotal},
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	return i.creditOrder(ctx, key, order.ID, res)
}

func (i *Ingestor) creditOrder(ctx context.Context, key ledger.AccountKey, orderID string, res commission.Result) (decimal.Decimal, bool, error) {
	if !res.Amount.IsPositive() {
		i.skip(ctx, "zero commission", "order_id", orderID, "earner_class", string(key.Class))
		return decimal.Zero, false, nil
	}
	if _, err := i.ledger.Credit(ctx, creditInput(key, orderID, res, false)); err != nil {
		return decimal.Zero, false, fmt.Errorf("credit %s for order %s: %w", key, orderID, err)
	}
	return res.Amount, true, nil
}

func creditInput(key ledger.AccountKey, orderID string, res commission.Result, countSale bool) ledger.CreditInput {
	return ledger.CreditInput{
		Account:        key,
		Amount:         res.Amount,
		IdempotencyKey: CreditKey(orderID, key.Class),
		Description:    fmt.Sprintf("Commission for order %s", orderID),
		Commission: ledger.OrderCommission{
			OrderID:     orderID,
			Base:        res.Base,
			Rate:        res.Rate,
			CampaignID:  res.CampaignID,
			Precomputed: res.Precomputed,
		},
		CountSale: countSale,
	}
}

// CreditKey is the idempotency key of the commission an order pays one class of earner.
func CreditKey(orderID string, class commission.Class) string {
	return orderID + ":" + string(class)
}

// creditInfluencer computes against the tier held at the time of the sale and applies the
// sales increment and tier change in the same transaction.
func (i *Ingestor) creditInfluencer(ctx context.Context, orderID, code string, subtotal decimal.Decimal) (bool, error) {
	inf, err := i.referrals.ResolveReferral(ctx, code)
	if errors.Is(err, directory.ErrNotFound) || (err == nil && !inf.Active) {
		i.skip(ctx, "referral code not found or inactive", "order_id", orderID, "referral_code", code)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve referral %s: %w", code, err)
	}

	now := i.ledger.Now()
	var campaigns []commission.Campaign
	if i.campaigns != nil {
		if campaigns, err = i.campaigns.Campaigns(ctx, now); err != nil {
			return false, fmt.Errorf("load campaigns: %w", err)
		}
	}

	key := ledger.AccountKey{EarnerID: inf.UserID, Class: commission.ClassInfluencer}
	var out ledger.CreditResult
	err = i.ledger.Do(ctx, func(ops *ledger.Ops) error {
		seen, err := ops.Tx().HasIdempotencyKey(CreditKey(orderID, key.Class))
		if err != nil || seen {
			return err
		}
		acc, err := ops.Account(key, true)
		if err != nil {
			return err
		}
		res, err := i.policy.Compute(commission.Input{
			Class: commission.ClassInfluencer,
			Order: commission.OrderAmounts{Subtotal: subtotal},
			Influencer: commission.InfluencerTerms{
				Tier:            acc.Tier,
				VideoContent:    inf.VideoContent,
				TribeEngagement: inf.TribeEngagement,
				Campaigns:       campaigns,
				At:              now,
			},
		})
		if err != nil {
			return err
		}
		if !res.Amount.IsPositive() {
			return nil
		}
		out, err = ops.Credit(creditInput(key, orderID, res, true))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("credit influencer %s for order %s: %w", inf.UserID, orderID, err)
	}
	if out.Upgrade != nil {
		i.awardTier(*out.Upgrade, now)
	}
	return out.Applied, nil
}

func (i *Ingestor) onReversed(ctx context.Context, orderID, status string) error {
	recs, err := i.ledger.Store().TransactionsForOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load transactions for order %s: %w", orderID, err)
	}
	refunded := map[ledger.AccountKey]bool{}
	for _, rec := range recs {
		if rec.Type == ledger.TxRefund {
			refunded[rec.Account] = true
		}
	}
	var errs []error
	for _, rec := range recs {
		if rec.Type != ledger.TxOrderCommission || refunded[rec.Account] {
			continue
		}
		key, amount := rec.Account, rec.Amount
		err := i.ledger.Do(ctx, func(ops *ledger.Ops) error {
			_, _, err := ops.Refund(key, orderID, amount, "order "+status)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("refund %s for order %s: %w", key, orderID, err))
		}
	}
	return errors.Join(errs...)
}

func (i *Ingestor) awardTier(up ledger.TierUpgrade, at time.Time) {
	i.background.Add(1)
	go func() {
		defer i.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
		defer cancel()
		err := i.achievements.Award(ctx, notify.Achievement{
			Event:        notify.EventTierAchieved,
			EarnerID:     up.Account.EarnerID,
			EarnerClass:  string(up.Account.Class),
			Tier:         string(up.To),
			PreviousTier: string(up.From),
			MonthlySales: up.Sales,
			AchievedAt:   at,
		})
		if err != nil {
			i.logger.WarnContext(ctx, "achievement notification failed",
				"module", "earnings.ingest",
				"earner_id", up.Account.EarnerID,
				"tier", string(up.To),
				"error", err,
			)
		}
	}()
}

func (i *Ingestor) deadLetter(ctx context.Context, source, kind, key string, payload []byte, cause error) {
	i.logger.ErrorContext(ctx, "order event failed",
		"module", "earnings.ingest",
		"source", source,
		"event_type", kind,
		"order_id", key,
		"error", cause,
	)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(payload))
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()
	err := i.deadLetters.Publish(dctx, notify.DeadLetter{
		Source:   source,
		Kind:     kind,
		Key:      key,
		Payload:  payload,
		Error:    cause.Error(),
		FailedAt: i.ledger.Now(),
	})
	if err != nil {
		i.logger.ErrorContext(ctx, "dead letter publish failed", "module", "earnings.ingest", "error", err)
	}
}

func (i *Ingestor) skip(ctx context.Context, reason string, attrs ...any) {
	i.logger.InfoContext(ctx, "order event skipped", append([]any{"module", "earnings.ingest", "reason", reason}, attrs...)...)
}

// Wait blocks until background notifications have finished.
func (i *Ingestor) Wait() {
	i.background.Wait()
}
