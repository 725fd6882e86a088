package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"canopy-ledger/internal/gateway/middleware"
	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/directory"
	"canopy-ledger/internal/services/earnings/handler"
	"canopy-ledger/internal/services/earnings/ledger"
	"canopy-ledger/internal/services/earnings/payout"
	"canopy-ledger/internal/services/earnings/settlement"
	"canopy-ledger/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type gateway struct {
	router *gin.Engine
	ledger *ledger.Ledger
	store  *ledger.MemoryStore
}

func newGateway(t *testing.T) gateway {
	t.Helper()
	return newGatewayWithEvents(t, nil)
}

func newGatewayWithEvents(t *testing.T, events OrderEventPublisher) gateway {
	t.Helper()
	store := ledger.NewMemoryStore()
	var n int
	l := ledger.New(ledger.Dependencies{
		Store: store,
		Now:   func() time.Time { return time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC) },
		NewID: func() string { n++; return fmt.Sprintf("id-%03d", n) },
	})
	policy := commission.DefaultPolicy()
	svc := payout.NewService(payout.Dependencies{Ledger: l, Policy: policy, Users: directory.NewMemory()})
	stats := handler.NewStatsHandler(store, nil, time.Minute, nil)
	jobs := settlement.NewJobs(settlement.Dependencies{Ledger: l, Policy: policy})

	r := gin.New()
	protected := r.Group("/api/v1")
	protected.Use(middleware.JWTAuth())
	NewEarningsHTTPHandler(l, svc, stats, jobs, events, nil).Register(protected)
	return gateway{router: r, ledger: l, store: store}
}

func (g gateway) fund(t *testing.T, key ledger.AccountKey, amount string) {
	t.Helper()
	_, err := g.ledger.Credit(context.Background(), ledger.CreditInput{
		Account:        key,
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: "seed:" + key.String(),
		Commission:     ledger.OrderCommission{OrderID: "seed-" + key.EarnerID},
	})
	if err != nil {
		t.Fatalf("fund %s: %v", key, err)
	}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	s, _, err := utils.GenerateToken(userID, role, "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return s
}

func (g gateway) call(t *testing.T, method, path, bearer string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

var bankBody = map[string]string{
	"accountHolderName": "Rowan Vale",
	"bankName":          "First Canopy Bank",
	"accountNumber":     "000123456789",
	"routingNumber":     "021000021",
}

func TestPayoutLifecycleOverHTTP(t *testing.T) {
	g := newGateway(t)
	key := ledger.AccountKey{EarnerID: "inf-1", Class: commission.ClassInfluencer}
	g.fund(t, key, "600")

	influencer := token(t, "inf-1", "influencer")
	admin := token(t, "ops-1", payout.RoleAdmin)

	w, body := g.call(t, http.MethodPost, "/api/v1/payouts", influencer, map[string]interface{}{
		"earnerId":       "inf-1",
		"earnerClass":    "influencer",
		"amount":         "500",
		"accountDetails": bankBody,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("request payout: status %d body %s", w.Code, w.Body.String())
	}
	id, _ := body["requestId"].(string)
	if id == "" || body["success"] != true {
		t.Fatalf("request payout body = %v", body)
	}

	if w, _ := g.call(t, http.MethodGet, "/api/v1/payouts/"+id, influencer, nil); w.Code != http.StatusOK {
		t.Fatalf("get payout: status %d", w.Code)
	}
	if w, _ := g.call(t, http.MethodGet, "/api/v1/payouts/"+id, token(t, "inf-2", "influencer"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("get payout as stranger: status %d", w.Code)
	}

	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/payouts/"+id+"/processing", influencer, nil); w.Code != http.StatusForbidden {
		t.Fatalf("processing as influencer: status %d", w.Code)
	}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/payouts/"+id+"/processing", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("processing: status %d body %s", w.Code, w.Body.String())
	}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/payouts/"+id+"/complete", admin, map[string]string{}); w.Code != http.StatusBadRequest {
		t.Fatalf("complete without reference: status %d", w.Code)
	}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/payouts/"+id+"/complete", admin, map[string]string{"paymentReference": "ACH-1"}); w.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", w.Code, w.Body.String())
	}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/payouts/"+id+"/reject", admin, map[string]string{"reason": "late"}); w.Code != http.StatusConflict {
		t.Fatalf("reject completed request: status %d", w.Code)
	}

	acc, err := g.store.GetAccount(context.Background(), key)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acc.Spendable.Equal(decimal.NewFromInt(100)) || !acc.Withdrawn.Equal(decimal.NewFromInt(500)) || !acc.PendingPayout.IsZero() {
		t.Fatalf("balances after payout = %+v", acc.Balances)
	}
}

func TestRequestPayoutErrorsMapToHTTP(t *testing.T) {
	g := newGateway(t)
	g.fund(t, ledger.AccountKey{EarnerID: "inf-1", Class: commission.ClassInfluencer}, "300")
	influencer := token(t, "inf-1", "influencer")

	request := func(amount string, bearer string) int {
		w, _ := g.call(t, http.MethodPost, "/api/v1/payouts", bearer, map[string]interface{}{
			"earnerId":       "inf-1",
			"earnerClass":    "influencer",
			"amount":         amount,
			"accountDetails": bankBody,
		})
		return w.Code
	}

	if code := request("600", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", code)
	}
	if code := request("600", influencer); code != http.StatusConflict {
		t.Fatalf("insufficient balance: status %d, want 409", code)
	}
	if code := request("50", influencer); code != http.StatusBadRequest {
		t.Fatalf("below minimum: status %d, want 400", code)
	}
	if code := request("600", token(t, "inf-2", "influencer")); code != http.StatusForbidden {
		t.Fatalf("other earner: status %d, want 403", code)
	}
}

func TestEarnerStatsOverHTTP(t *testing.T) {
	g := newGateway(t)
	g.fund(t, ledger.AccountKey{EarnerID: "cr-1", Class: commission.ClassCreator}, "100")

	w, body := g.call(t, http.MethodGet, "/api/v1/earners/cr-1/stats?class=creator", token(t, "cr-1", "creator"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status %d body %s", w.Code, w.Body.String())
	}
	profile, _ := body["profile"].(map[string]interface{})
	if profile["currentBalance"] != "100" {
		t.Fatalf("profile = %v", profile)
	}
	if recent, _ := body["recentTransactions"].([]interface{}); len(recent) != 1 {
		t.Fatalf("recentTransactions = %v", body["recentTransactions"])
	}

	if w, _ := g.call(t, http.MethodGet, "/api/v1/earners/cr-1/stats?class=creator", token(t, "cr-2", "creator"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("stranger stats: status %d", w.Code)
	}
	if w, _ := g.call(t, http.MethodGet, "/api/v1/earners/cr-1/stats?class=wizard", token(t, "cr-1", "creator"), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown class: status %d", w.Code)
	}
}

func TestSaveBankDetails(t *testing.T) {
	g := newGateway(t)
	owner := token(t, "inf-1", "influencer")

	if w, _ := g.call(t, http.MethodPut, "/api/v1/earners/inf-1/bank-details", owner, map[string]string{"bankName": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("incomplete bank details: status %d", w.Code)
	}
	if w, _ := g.call(t, http.MethodPut, "/api/v1/earners/inf-1/bank-details", token(t, "inf-2", "influencer"), bankBody); w.Code != http.StatusForbidden {
		t.Fatalf("other earner: status %d", w.Code)
	}
	if w, _ := g.call(t, http.MethodPut, "/api/v1/earners/inf-1/bank-details", owner, bankBody); w.Code != http.StatusOK {
		t.Fatalf("save: status %d body %s", w.Code, w.Body.String())
	}

	acc, err := g.store.GetAccount(context.Background(), ledger.AccountKey{EarnerID: "inf-1", Class: commission.ClassInfluencer})
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Bank == nil || acc.Bank.RoutingNumber != "021000021" {
		t.Fatalf("bank = %+v", acc.Bank)
	}
}

func TestAdjustmentAndJobs(t *testing.T) {
	g := newGateway(t)
	admin := token(t, "ops-1", payout.RoleAdmin)
	adjust := map[string]interface{}{
		"earnerClass":    "dispensary-staff",
		"amount":         "12.345",
		"reason":         "missed order",
		"idempotencyKey": "adj-1",
	}

	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/earners/st-1/adjustments", token(t, "st-1", "dispensary-staff"), adjust); w.Code != http.StatusForbidden {
		t.Fatalf("adjust as staff: status %d", w.Code)
	}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/earners/st-1/adjustments", admin, adjust); w.Code != http.StatusCreated {
		t.Fatalf("adjust: status %d body %s", w.Code, w.Body.String())
	}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/earners/st-1/adjustments", admin, adjust); w.Code != http.StatusOK {
		t.Fatalf("repeat adjust: status %d", w.Code)
	}

	acc, err := g.store.GetAccount(context.Background(), ledger.AccountKey{EarnerID: "st-1", Class: commission.ClassDispensaryStaff})
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acc.Spendable.Equal(decimal.RequireFromString("12.35")) {
		t.Fatalf("spendable = %s, want 12.35", acc.Spendable)
	}

	negative := map[string]interface{}{"earnerClass": "dispensary-staff", "amount": "-50", "reason": "clawback"}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/earners/st-1/adjustments", admin, negative); w.Code != http.StatusConflict {
		t.Fatalf("overdrawing adjustment: status %d, want 409", w.Code)
	}

	w, body := g.call(t, http.MethodPost, "/api/v1/admin/jobs/monthly-reset", admin, map[string]string{"period": "2026-06"})
	if w.Code != http.StatusOK {
		t.Fatalf("monthly reset: status %d body %s", w.Code, w.Body.String())
	}
	data, _ := body["data"].(map[string]interface{})
	if data["job"] != "monthly-reset:2026-06" {
		t.Fatalf("report = %v", data)
	}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/jobs/weekly-sweep", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("weekly sweep: status %d body %s", w.Code, w.Body.String())
	}
}

type recordingPublisher struct {
	got []*structpb.Struct
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*emptypb.Empty, error) {
	p.got = append(p.got, in)
	if p.err != nil {
		return nil, p.err
	}
	return &emptypb.Empty{}, nil
}

func TestReplayOrderEventForwardsToWorker(t *testing.T) {
	pub := &recordingPublisher{}
	g := newGatewayWithEvents(t, pub)
	admin := token(t, "ops-1", payout.RoleAdmin)
	event := map[string]interface{}{
		"event_type":   "order_delivered",
		"order_id":     "o-77",
		"total_amount": "120.00",
	}

	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/order-events", token(t, "inf-1", "influencer"), event); w.Code != http.StatusForbidden {
		t.Fatalf("replay as influencer: status %d", w.Code)
	}
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/order-events", admin, event); w.Code != http.StatusAccepted {
		t.Fatalf("replay: status %d body %s", w.Code, w.Body.String())
	}
	if len(pub.got) != 1 || pub.got[0].GetFields()["order_id"].GetStringValue() != "o-77" {
		t.Fatalf("published = %v", pub.got)
	}

	pub.err = status.Error(codes.InvalidArgument, "order event without order_id")
	if w, _ := g.call(t, http.MethodPost, "/api/v1/admin/order-events", admin, map[string]string{"event_type": "order_delivered"}); w.Code != http.StatusBadRequest {
		t.Fatalf("worker rejection: status %d, want 400", w.Code)
	}
}

func TestReplayOrderEventWithoutWorker(t *testing.T) {
	g := newGateway(t)
	w, _ := g.call(t, http.MethodPost, "/api/v1/admin/order-events", token(t, "ops-1", payout.RoleAdmin), map[string]string{"order_id": "o-1"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
}
