package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/directory"
	"canopy-ledger/internal/services/earnings/ledger"
	"canopy-ledger/internal/services/earnings/notify"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	ingestor *Ingestor
	store    *ledger.MemoryStore
	dir      *directory.Memory
	recorder *notify.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	dir := directory.NewMemory()
	rec := &notify.Recorder{}
	l := ledger.New(ledger.Dependencies{
		Store: store,
		Now:   func() time.Time { return time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC) },
	})
	ing := NewIngestor(Dependencies{
		Ledger:       l,
		Policy:       commission.DefaultPolicy(),
		Dispensaries: dir,
		Referrals:    dir,
		Orders:       dir,
		Campaigns:    dir,
		Achievements: rec,
		DeadLetters:  rec,
	})

	dir.PutDispensary(directory.Dispensary{ID: "disp-1", OwnerID: "owner-1", Name: "Green Leaf", Active: true})
	dir.PutInfluencer(directory.Influencer{UserID: "inf-1", ReferralCode: "GLOW", Active: true})
	dir.PutInfluencer(directory.Influencer{UserID: "inf-2", ReferralCode: "PAUSED", Active: false})
	return fixture{ingestor: ing, store: store, dir: dir, recorder: rec}
}

func (f fixture) balance(t *testing.T, id string, class commission.Class) ledger.Account {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), ledger.AccountKey{EarnerID: id, Class: class})
	if err != nil {
		t.Fatalf("get account %s/%s: %v", class, id, err)
	}
	return acc
}

func (f fixture) absent(t *testing.T, id string, class commission.Class) {
	t.Helper()
	_, err := f.store.GetAccount(context.Background(), ledger.AccountKey{EarnerID: id, Class: class})
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected no %s account for %s, got %v", class, id, err)
	}
}

func delivered(orderID string) OrderEvent {
	return OrderEvent{EventType: EventOrderStatusChanged, OrderID: orderID, Before: "shipped", After: directory.OrderStatusDelivered}
}

func TestDeliveredMarketplaceCreditsDispensaryOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.dir.PutOrder(directory.Order{ID: "o-1", OrderType: directory.OrderTypeMarketplace, DispensaryID: "disp-1", TotalAmount: dec("1000"), Subtotal: dec("900")})

	if err := f.ingestor.Handle(ctx, "test", delivered("o-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	acc := f.balance(t, "owner-1", commission.ClassDispensaryAdmin)
	if !acc.Spendable.Equal(dec("150.00")) {
		t.Fatalf("expected 150.00, got %s", acc.Spendable)
	}
	if got, ok := f.dir.RecordedEarnings("o-1"); !ok || !got.Equal(dec("150")) {
		t.Fatalf("expected write-back of 150, got %s (%v)", got, ok)
	}
	f.absent(t, "owner-1", commission.ClassCreator)
}

func TestDuplicateDeliveredEventCreditsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	order := directory.Order{ID: "o-2", OrderType: directory.OrderTypeMarketplace, DispensaryID: "disp-1", TotalAmount: dec("200")}
	f.dir.PutOrder(order)

	for i := 0; i < 3; i++ {
		// Clear the write-back flag so only the idempotency key protects the balance.
		f.dir.PutOrder(order)
		if err := f.ingestor.Handle(ctx, "test", delivered("o-2")); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	acc := f.balance(t, "owner-1", commission.ClassDispensaryAdmin)
	if !acc.TotalEarned.Equal(dec("30")) {
		t.Fatalf("expected a single 30.00 credit, got %s", acc.TotalEarned)
	}
	if f.store.TransactionCount() != 1 {
		t.Fatalf("expected one record, got %d", f.store.TransactionCount())
	}
}

func TestDeliveredCreditsStaffMemberWhenPresent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pre := dec("42.10")
	f.dir.PutOrder(directory.Order{ID: "o-3", OrderType: directory.OrderTypeMarketplace, DispensaryID: "disp-1", StaffID: "staff-9", TotalAmount: dec("300"), PrecomputedEarnings: &pre})

	if err := f.ingestor.Handle(context.Background(), "test", delivered("o-3")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	acc := f.balance(t, "staff-9", commission.ClassDispensaryStaff)
	if !acc.Spendable.Equal(pre) {
		t.Fatalf("expected precomputed 42.10, got %s", acc.Spendable)
	}
	f.absent(t, "owner-1", commission.ClassDispensaryAdmin)
}

func TestDeliveredTreehouseCreditsCreatorOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dir.PutOrder(directory.Order{ID: "o-4", OrderType: directory.OrderTypeTreehouse, CreatorID: "creator-1", DispensaryID: "disp-1", TotalAmount: dec("400")})

	if err := f.ingestor.Handle(context.Background(), "test", delivered("o-4")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	acc := f.balance(t, "creator-1", commission.ClassCreator)
	if !acc.Spendable.Equal(dec("100.00")) {
		t.Fatalf("expected 100.00, got %s", acc.Spendable)
	}
	f.absent(t, "owner-1", commission.ClassDispensaryAdmin)
}

func TestReferralCreditedAtCreationNotAgainAtDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created := OrderEvent{EventType: EventOrderCreated, OrderID: "o-5", TotalAmount: dec("260"), Subtotal: dec("200"), ReferralCode: "GLOW"}
	if err := f.ingestor.Handle(ctx, "test", created); err != nil {
		t.Fatalf("handle created: %v", err)
	}
	acc := f.balance(t, "inf-1", commission.ClassInfluencer)
	if !acc.Spendable.Equal(dec("10.00")) || acc.MonthlySales != 1 {
		t.Fatalf("expected 10.00 and one sale, got %s / %d", acc.Spendable, acc.MonthlySales)
	}

	f.dir.PutOrder(directory.Order{ID: "o-5", OrderType: directory.OrderTypeTreehouse, CreatorID: "creator-1", ReferralCode: "GLOW", TotalAmount: dec("260"), Subtotal: dec("200")})
	if err := f.ingestor.Handle(ctx, "test", delivered("o-5")); err != nil {
		t.Fatalf("handle delivered: %v", err)
	}
	acc = f.balance(t, "inf-1", commission.ClassInfluencer)
	if !acc.Spendable.Equal(dec("10.00")) || acc.MonthlySales != 1 {
		t.Fatalf("expected influencer untouched at delivery, got %s / %d", acc.Spendable, acc.MonthlySales)
	}
	if !f.balance(t, "creator-1", commission.ClassCreator).Spendable.Equal(dec("65")) {
		t.Fatalf("expected creator credit of 65.00")
	}
}

func TestMissingReferencesAreSkippedNotDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	events := []OrderEvent{
		{EventType: EventOrderCreated, OrderID: "o-6", Subtotal: dec("100"), ReferralCode: "NOPE"},
		{EventType: EventOrderCreated, OrderID: "o-6", Subtotal: dec("100"), ReferralCode: "PAUSED"},
		delivered("missing-order"),
	}
	f.dir.PutOrder(directory.Order{ID: "o-7", OrderType: directory.OrderTypeMarketplace, DispensaryID: "disp-unknown", TotalAmount: dec("10")})
	events = append(events, delivered("o-7"))

	for _, ev := range events {
		if err := f.ingestor.Handle(ctx, "test", ev); err != nil {
			t.Fatalf("handle %s: %v", ev.OrderID, err)
		}
	}
	if f.store.TransactionCount() != 0 {
		t.Fatalf("expected no credits, got %d records", f.store.TransactionCount())
	}
	if n := len(f.recorder.DeadLetters()); n != 0 {
		t.Fatalf("expected no dead letters, got %d", n)
	}
}

func TestRefundReversesRecordedCommissions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.dir.PutOrder(directory.Order{ID: "o-8", OrderType: directory.OrderTypeMarketplace, DispensaryID: "disp-1", ReferralCode: "GLOW", TotalAmount: dec("1000"), Subtotal: dec("200")})

	if err := f.ingestor.Handle(ctx, "test", delivered("o-8")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	refunded := OrderEvent{EventType: EventOrderStatusChanged, OrderID: "o-8", Before: directory.OrderStatusDelivered, After: directory.OrderStatusRefunded}
	for i := 0; i < 2; i++ {
		if err := f.ingestor.Handle(ctx, "test", refunded); err != nil {
			t.Fatalf("refund %d: %v", i, err)
		}
	}

	for _, key := range []struct {
		id    string
		class commission.Class
	}{{"owner-1", commission.ClassDispensaryAdmin}, {"inf-1", commission.ClassInfluencer}} {
		acc := f.balance(t, key.id, key.class)
		if !acc.Spendable.IsZero() || !acc.TotalEarned.IsZero() {
			t.Fatalf("expected %s fully reversed, got %+v", key.class, acc.Balances)
		}
	}
	if f.store.TransactionCount() != 4 {
		t.Fatalf("expected two credits and two refunds, got %d records", f.store.TransactionCount())
	}
}

type failingOrders struct{ directory.OrderBook }

func (failingOrders) Order(context.Context, string) (directory.Order, error) {
	return directory.Order{}, errors.New("connection reset")
}

func TestUnexpectedFailureIsDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ingestor.orders = failingOrders{}

	err := f.ingestor.Handle(context.Background(), "kafka", delivered("o-9"))
	if err == nil {
		t.Fatalf("expected failure to surface")
	}
	letters := f.recorder.DeadLetters()
	if len(letters) != 1 || letters[0].Key != "o-9" || letters[0].Source != "kafka" {
		t.Fatalf("expected one dead letter for o-9, got %+v", letters)
	}
}

func TestHandleRawRejectsMalformedPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.ingestor.HandleRaw(context.Background(), "redis", EventOrderCreated, []byte("{not json")); err == nil {
		t.Fatalf("expected decode error")
	}
	if n := len(f.recorder.DeadLetters()); n != 1 {
		t.Fatalf("expected malformed payload to be dead-lettered, got %d", n)
	}
}

func TestTierUpgradeEmitsAchievementAfterCommit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 11; i++ {
		ev := OrderEvent{EventType: EventOrderCreated, OrderID: fmt.Sprintf("o-t%d", i), Subtotal: dec("100"), ReferralCode: "GLOW"}
		if err := f.ingestor.Handle(ctx, "test", ev); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	f.ingestor.Wait()

	got := f.recorder.Achievements()
	if len(got) != 1 || got[0].Tier != string(commission.TierSprout) || got[0].PreviousTier != string(commission.TierSeed) {
		t.Fatalf("expected one sprout achievement, got %+v", got)
	}
	acc := f.balance(t, "inf-1", commission.ClassInfluencer)
	// ten sales at 5% and one at 5% (tier changes after the sale that crosses it)
	if !acc.TotalEarned.Equal(dec("55")) || acc.Tier != commission.TierSprout {
		t.Fatalf("unexpected influencer state %s %s", acc.TotalEarned, acc.Tier)
	}
}

func TestAchievementFailureDoesNotFailCredit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.recorder.Err = errors.New("broker down")
	ctx := context.Background()

	for i := 1; i <= 11; i++ {
		ev := OrderEvent{EventType: EventOrderCreated, OrderID: fmt.Sprintf("o-f%d", i), Subtotal: dec("10"), ReferralCode: "GLOW"}
		if err := f.ingestor.Handle(ctx, "test", ev); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	f.ingestor.Wait()
	if acc := f.balance(t, "inf-1", commission.ClassInfluencer); acc.Tier != commission.TierSprout {
		t.Fatalf("expected tier change committed, got %s", acc.Tier)
	}
}

func TestDispatcherHandlesConcurrentEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewDispatcher(f.ingestor, 4)
	ctx := context.Background()

	var batch []RawEvent
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("o-d%d", i)
		f.dir.PutOrder(directory.Order{ID: id, OrderType: directory.OrderTypeTreehouse, CreatorID: "creator-2", TotalAmount: dec("40")})
		payload := []byte(fmt.Sprintf(`{"order_id":%q,"before_status":"shipped","after_status":"delivered"}`, id))
		// every event is delivered twice
		d.SubmitRaw(ctx, "test", EventOrderStatusChanged, payload)
		batch = append(batch, RawEvent{FallbackType: EventOrderStatusChanged, Payload: payload})
	}
	d.HandleRawBatch(ctx, "test", batch)
	d.Wait()

	acc := f.balance(t, "creator-2", commission.ClassCreator)
	if !acc.TotalEarned.Equal(dec("200")) {
		t.Fatalf("expected 20 credits of 10.00, got %s", acc.TotalEarned)
	}
}

type scriptedConsumer struct {
	batches   [][]Message
	committed []Message
	onCommit  func()
}

func (c *scriptedConsumer) Poll(context.Context, int) ([]Message, error) {
	if len(c.batches) == 0 {
		return nil, nil
	}
	next := c.batches[0]
	c.batches = c.batches[1:]
	return next, nil
}

func (c *scriptedConsumer) Commit(_ context.Context, msgs []Message) error {
	if c.onCommit != nil {
		c.onCommit()
	}
	c.committed = append(c.committed, msgs...)
	return nil
}

func TestConsumerWorkerCommitsAfterHandling(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, id := range []string{"o-k1", "o-k2"} {
		f.dir.PutOrder(directory.Order{ID: id, OrderType: directory.OrderTypeTreehouse, CreatorID: "creator-3", TotalAmount: dec("50")})
	}
	status := func(id string) []byte {
		return []byte(fmt.Sprintf(`{"order_id":%q,"before_status":"shipped","after_status":"delivered"}`, id))
	}
	consumer := &scriptedConsumer{batches: [][]Message{{
		{Topic: "orders.status", Payload: status("o-k1")},
		{Topic: "orders.status", Payload: status("o-k2")},
		{Topic: "orders.status", Payload: []byte(`{not json`)},
	}}}
	consumer.onCommit = func() {
		if acc := f.balance(t, "creator-3", commission.ClassCreator); !acc.TotalEarned.Equal(dec("25")) {
			t.Errorf("commit before the batch was credited: total %s", acc.TotalEarned)
		}
		if letters := f.recorder.DeadLetters(); len(letters) != 1 {
			t.Errorf("commit before the malformed message was dead-lettered: %d letters", len(letters))
		}
	}
	w := NewConsumerWorker(nil, consumer, NewDispatcher(f.ingestor, 2), map[string]string{"orders.status": EventOrderStatusChanged}, time.Second)

	if err := w.processOnce(context.Background()); err != nil {
		t.Fatalf("processOnce: %v", err)
	}
	if len(consumer.committed) != 3 {
		t.Fatalf("expected all 3 messages committed, got %d", len(consumer.committed))
	}

	// an empty poll commits nothing
	if err := w.processOnce(context.Background()); err != nil || len(consumer.committed) != 3 {
		t.Fatalf("empty poll: err %v, committed %d", err, len(consumer.committed))
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	ev, err := DecodeEvent([]byte(`{"order_id":"o-1","total_amount":"12.50","subtotal":"10"}`), EventTypeForChannel("orders:events:order_created"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EventType != EventOrderCreated || !ev.TotalAmount.Equal(dec("12.5")) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := DecodeEvent([]byte(`{"event_type":"order_shipped","order_id":"o-1"}`), ""); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	if _, err := DecodeEvent([]byte(`{"event_type":"order_created"}`), ""); err == nil {
		t.Fatalf("expected missing order id error")
	}
}
