package handlers

import (
	"context"
	"log/slog"
	"net/http"
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
	"canopy-ledger/internal/services/earnings/handler"
	"canopy-ledger/internal/services/earnings/ledger"
	"canopy-ledger/internal/services/earnings/payout"
	"canopy-ledger/internal/services/earnings/settlement"
)

// OrderEventPublisher forwards an order event to the earnings worker.
type OrderEventPublisher interface {
	Publish(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type EarningsHTTPHandler struct {
	ledger  *ledger.Ledger
	payouts *payout.Service
	stats   *handler.StatsHandler
	jobs    *settlement.Jobs
	events  OrderEventPublisher
	logger  *slog.Logger
	timeout time.Duration
}

// NewEarningsHTTPHandler builds the gateway handlers. events may be nil when the worker
// is unreachable; the replay route then answers 503.
func NewEarningsHTTPHandler(l *ledger.Ledger, payouts *payout.Service, stats *handler.StatsHandler, jobs *settlement.Jobs, events OrderEventPublisher, logger *slog.Logger) *EarningsHTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EarningsHTTPHandler{
		ledger:  l,
		payouts: payouts,
		stats:   stats,
		jobs:    jobs,
		events:  events,
		logger:  logger,
		timeout: 15 * time.Second,
	}
}

// --- Request Structs for Binding ---

type CompletePayoutRequest struct {
	PaymentReference string `json:"paymentReference" binding:"required"`
}

type RejectPayoutRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type AdjustmentRequest struct {
	Class          commission.Class `json:"earnerClass" binding:"required"`
	Amount         decimal.Decimal  `json:"amount"`
	Reason         string           `json:"reason" binding:"required"`
	IdempotencyKey string           `json:"idempotencyKey"`
}

type JobRequest struct {
	Period string `json:"period"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func successResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	}
}

func errorResponse(message string) APIResponse {
	return APIResponse{
		Success: false,
		Message: message,
	}
}

// handleGRPCError writes the HTTP form of a status error and reports whether it did.
func handleGRPCError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.InvalidArgument:
			c.JSON(http.StatusBadRequest, errorResponse(s.Message()))
		case codes.Unauthenticated:
			c.JSON(http.StatusUnauthorized, errorResponse(s.Message()))
		case codes.PermissionDenied:
			c.JSON(http.StatusForbidden, errorResponse(s.Message()))
		case codes.NotFound:
			c.JSON(http.StatusNotFound, errorResponse(s.Message()))
		case codes.FailedPrecondition:
			c.JSON(http.StatusConflict, errorResponse(s.Message()))
		case codes.AlreadyExists:
			c.JSON(http.StatusConflict, errorResponse(s.Message()))
		case codes.Unavailable, codes.DeadlineExceeded:
			c.JSON(http.StatusServiceUnavailable, errorResponse(s.Message()))
		default:
			c.JSON(http.StatusInternalServerError, errorResponse("Service error: "+s.Message()))
		}
	} else {
		c.JSON(http.StatusInternalServerError, errorResponse("Unknown service error"))
	}
	c.Abort()
	return true
}

func (h *EarningsHTTPHandler) context(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// --- Payout Handlers ---

func (h *EarningsHTTPHandler) RequestPayout(c *gin.Context) {
	var req payout.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request format: "+err.Error()))
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	res, err := h.payouts.RequestPayout(ctx, middleware.CallerFrom(c), req)
	if handleGRPCError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *EarningsHTTPHandler) GetPayout(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	p, err := h.payouts.Get(ctx, middleware.CallerFrom(c), c.Param("id"))
	if handleGRPCError(c, err) {
		return
	}
	c.JSON(http.StatusOK, successResponse("Payout request retrieved successfully", p))
}

// StartProcessing moves a pending request to processing. With ?send=true the request is
// also sent through the payment rail and completed with the rail's reference.
func (h *EarningsHTTPHandler) StartProcessing(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	caller := middleware.CallerFrom(c)
	var (
		p   ledger.PayoutRequest
		err error
	)
	if c.Query("send") == "true" {
		p, err = h.payouts.ProcessPayout(ctx, caller, c.Param("id"))
	} else {
		p, err = h.payouts.StartProcessing(ctx, caller, c.Param("id"))
	}
	if handleGRPCError(c, err) {
		return
	}
	c.JSON(http.StatusOK, successResponse("Payout request is "+string(p.Status), p))
}

func (h *EarningsHTTPHandler) CompletePayout(c *gin.Context) {
	var req CompletePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request format: "+err.Error()))
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	p, err := h.payouts.ProcessPayoutCompletion(ctx, middleware.CallerFrom(c), c.Param("id"), req.PaymentReference)
	if handleGRPCError(c, err) {
		return
	}
	c.JSON(http.StatusOK, successResponse("Payout completed successfully", p))
}

func (h *EarningsHTTPHandler) RejectPayout(c *gin.Context) {
	var req RejectPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request format: "+err.Error()))
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	p, err := h.payouts.Reject(ctx, middleware.CallerFrom(c), c.Param("id"), req.Reason)
	if handleGRPCError(c, err) {
		return
	}
	c.JSON(http.StatusOK, successResponse("Payout rejected", p))
}

// --- Earner Handlers ---

func (h *EarningsHTTPHandler) GetEarnerStats(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	key := ledger.AccountKey{EarnerID: c.Param("id"), Class: handler.ParseClass(c.Query("class"))}
	stats, err := h.stats.GetEarnerStats(ctx, middleware.CallerFrom(c), key)
	if handleGRPCError(c, err) {
		return
	}
	c.JSON(http.StatusOK, stats)
}

// SaveBankDetails stores the caller's own payout bank details.
func (h *EarningsHTTPHandler) SaveBankDetails(c *gin.Context) {
	var bank ledger.BankDetails
	if err := c.ShouldBindJSON(&bank); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request format: "+err.Error()))
		return
	}
	caller := middleware.CallerFrom(c)
	earnerID := c.Param("id")
	if caller == nil || (caller.UserID != earnerID && !caller.IsAdmin()) {
		c.JSON(http.StatusForbidden, errorResponse("not allowed to change these bank details"))
		return
	}
	if handleGRPCError(c, h.payouts.ValidateBank(bank)) {
		return
	}
	class := handler.ParseClass(c.Query("class"))
	if !class.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse("unknown earner class "+string(class)))
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	err := h.ledger.SaveBankDetails(ctx, ledger.AccountKey{EarnerID: earnerID, Class: class}, bank)
	if handleGRPCError(c, ledger.ToStatus(err)) {
		return
	}
	c.JSON(http.StatusOK, successResponse("Bank details saved", nil))
}

// --- Admin Handlers ---

func (h *EarningsHTTPHandler) Adjust(c *gin.Context) {
	var req AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request format: "+err.Error()))
		return
	}
	caller := middleware.CallerFrom(c)
	if !caller.IsAdmin() {
		c.JSON(http.StatusForbidden, errorResponse("admin role required"))
		return
	}
	if !req.Class.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse("unknown earner class "+string(req.Class)))
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	key := ledger.AccountKey{EarnerID: c.Param("id"), Class: req.Class}
	rec, applied, err := h.ledger.Adjust(ctx, key, commission.Round2(req.Amount), req.Reason, caller.UserID, req.IdempotencyKey)
	if handleGRPCError(c, ledger.ToStatus(err)) {
		return
	}
	if !applied {
		c.JSON(http.StatusOK, successResponse("Adjustment already recorded", nil))
		return
	}
	h.logger.InfoContext(ctx, "manual adjustment recorded",
		"module", "earnings.gateway",
		"account", key.String(),
		"amount", rec.Amount.String(),
		"actor", caller.UserID,
	)
	c.JSON(http.StatusCreated, successResponse("Adjustment recorded", rec))
}

// ReplayOrderEvent re-publishes an order event to the worker, which credits it through the
// same idempotent path as the event bus.
func (h *EarningsHTTPHandler) ReplayOrderEvent(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("earnings worker is not connected"))
		return
	}
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid request format: "+err.Error()))
		return
	}
	event, err := structpb.NewStruct(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("Invalid event: "+err.Error()))
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	if _, err := h.events.Publish(ctx, event); handleGRPCError(c, err) {
		return
	}
	h.logger.InfoContext(ctx, "order event replayed",
		"module", "earnings.gateway",
		"order_id", event.GetFields()["order_id"].GetStringValue(),
		"actor", middleware.CallerFrom(c).UserID,
	)
	c.JSON(http.StatusAccepted, successResponse("Order event accepted", nil))
}

func (h *EarningsHTTPHandler) RunMonthlyReset(c *gin.Context) {
	h.runJob(c, h.jobs.MonthlyReset)
}

func (h *EarningsHTTPHandler) RunWeeklySweep(c *gin.Context) {
	h.runJob(c, h.jobs.WeeklySweep)
}

func (h *EarningsHTTPHandler) runJob(c *gin.Context, run func(context.Context, string) (settlement.Report, error)) {
	var req JobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("Invalid request format: "+err.Error()))
			return
		}
	}

	// Detached: a client disconnect must not stop a batch midway.
	ctx := context.WithoutCancel(c.Request.Context())
	rep, err := run(ctx, req.Period)
	if err != nil {
		h.logger.ErrorContext(ctx, "job failed", "module", "earnings.gateway", "job", rep.Job, "error", err)
		c.JSON(http.StatusInternalServerError, APIResponse{Success: false, Message: err.Error(), Data: rep})
		return
	}
	c.JSON(http.StatusOK, successResponse("Job finished", rep))
}
