package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/ledger"
	"canopy-ledger/internal/services/earnings/payout"
)

const (
	EARNER_STATS_CACHE_PREFIX = "earner_stats:"

	recentTransactionLimit = 10
	monthlyWindow          = 6
)

type TransactionView struct {
	ID           string          `json:"id"`
	Type         ledger.TxType   `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	OrderID      string          `json:"orderId,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	BalanceAfter ledger.Balances `json:"balanceAfter"`
	Timestamp    time.Time       `json:"timestamp"`
}

type EarnerStats struct {
	Profile            ledger.Account             `json:"profile"`
	RecentTransactions []TransactionView          `json:"recentTransactions"`
	MonthlyEarnings    map[string]decimal.Decimal `json:"monthlyEarnings"`
}

// StatsHandler serves the earner dashboard read model, cached in redis until the ledger
// reports a change to the account.
type StatsHandler struct {
	store  ledger.Store
	cache  statsCache
	ttl    time.Duration
	nowFn  func() time.Time
	logger *slog.Logger
}

func NewStatsHandler(store ledger.Store, redisClient redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *StatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	h := &StatsHandler{
		store:  store,
		ttl:    ttl,
		nowFn:  func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	if redisClient != nil {
		h.cache = redisStatsCache{client: redisClient}
	}
	return h
}

// InvalidateEarnerCaches retires cached stats for the given accounts. It matches the
// ledger's AfterCommit hook.
func (h *StatsHandler) InvalidateEarnerCaches(ctx context.Context, keys []ledger.AccountKey) {
	if h.cache == nil {
		return
	}
	for _, k := range keys {
		if err := h.cache.Bump(ctx, k); err != nil {
			h.logger.WarnContext(ctx, "stats cache invalidation failed", "module", "earnings.handler", "account", k.String(), "error", err)
		}
	}
}

func (h *StatsHandler) GetEarnerStats(ctx context.Context, caller *payout.Caller, key ledger.AccountKey) (EarnerStats, error) {
	if caller == nil || caller.UserID == "" {
		return EarnerStats{}, status.Error(codes.Unauthenticated, "authentication required")
	}
	if key.EarnerID == "" {
		return EarnerStats{}, status.Error(codes.InvalidArgument, "earner id is required")
	}
	if !key.Class.Valid() {
		return EarnerStats{}, status.Errorf(codes.InvalidArgument, "unknown earner class %q", key.Class)
	}
	if caller.UserID != key.EarnerID && !caller.IsAdmin() {
		return EarnerStats{}, status.Error(codes.PermissionDenied, "not allowed to view these earnings")
	}

	// The version is read before loading: a commit during the load bumps it and the
	// dashboard below lands under a retired key.
	cacheable := h.cache != nil
	var version int64
	if cacheable {
		v, err := h.cache.Version(ctx, key)
		if err != nil {
			h.logger.WarnContext(ctx, "stats cache read failed", "module", "earnings.handler", "account", key.String(), "error", err)
			cacheable = false
		}
		version = v
	}
	if cacheable {
		val, ok, err := h.cache.Get(ctx, key, version)
		if err != nil {
			h.logger.WarnContext(ctx, "stats cache read failed", "module", "earnings.handler", "account", key.String(), "error", err)
		} else if ok {
			var cached EarnerStats
			if err := json.Unmarshal(val, &cached); err == nil {
				return cached, nil
			}
		}
	}

	stats, err := h.load(ctx, key)
	if err != nil {
		return EarnerStats{}, err
	}

	if cacheable {
		if data, err := json.Marshal(stats); err == nil {
			if err := h.cache.Set(ctx, key, version, data, h.ttl); err != nil {
				h.logger.WarnContext(ctx, "stats cache write failed", "module", "earnings.handler", "account", key.String(), "error", err)
			}
		}
	}
	return stats, nil
}

func (h *StatsHandler) load(ctx context.Context, key ledger.AccountKey) (EarnerStats, error) {
	acc, err := h.store.GetAccount(ctx, key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		// An earner with no credits yet sees an empty dashboard.
		acc = ledger.NewAccount(key, time.Time{})
	} else if err != nil {
		return EarnerStats{}, ledger.ToStatus(err)
	}
	if acc.Bank != nil {
		masked := *acc.Bank
		masked.AccountNumber = maskAccountNumber(masked.AccountNumber)
		acc.Bank = &masked
	}

	recent, err := h.store.ListTransactions(ctx, key, time.Time{}, recentTransactionLimit)
	if err != nil {
		return EarnerStats{}, ledger.ToStatus(err)
	}

	now := h.nowFn()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(monthlyWindow - 1), 0)
	window, err := h.store.ListTransactions(ctx, key, start, 0)
	if err != nil {
		return EarnerStats{}, ledger.ToStatus(err)
	}

	return EarnerStats{
		Profile:            acc,
		RecentTransactions: views(recent),
		MonthlyEarnings:    MonthlyEarnings(window, start, monthlyWindow),
	}, nil
}

// MonthlyEarnings sums earning records per calendar month (YYYY-MM) for months months
// starting at start. Payout movements are excluded.
func MonthlyEarnings(recs []ledger.Transaction, start time.Time, months int) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, months)
	for i := 0; i < months; i++ {
		out[start.AddDate(0, i, 0).Format("2006-01")] = decimal.Zero
	}
	for _, r := range recs {
		if !r.CountsAsEarning() {
			continue
		}
		month := r.CreatedAt.UTC().Format("2006-01")
		if total, ok := out[month]; ok {
			out[month] = total.Add(r.Amount)
		}
	}
	return out
}

func views(recs []ledger.Transaction) []TransactionView {
	out := make([]TransactionView, 0, len(recs))
	for _, r := range recs {
		out = append(out, TransactionView{
			ID:           r.ID,
			Type:         r.Type,
			Amount:       r.Amount,
			Description:  r.Description,
			OrderID:      r.OrderID(),
			RequestID:    r.RequestID(),
			BalanceAfter: r.BalanceAfter,
			Timestamp:    r.CreatedAt,
		})
	}
	return out
}

func maskAccountNumber(n string) string {
	if len(n) <= 4 {
		return n
	}
	return "****" + n[len(n)-4:]
}

// ParseClass reads the class query value, defaulting to influencer.
func ParseClass(raw string) commission.Class {
	if raw == "" {
		return commission.ClassInfluencer
	}
	return commission.Class(raw)
}
