package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AfshinJalili/custody/libs/apikey"
	"github.com/AfshinJalili/custody/libs/auth"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/saga"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	withdrawScope     = "withdraw"
	idempotencyHeader = "Idempotency-Key"
	requestSource     = "http"
)

type WithdrawalService interface {
	Submit(ctx context.Context, req saga.Request) (saga.Result, bool, error)
	Describe(ctx context.Context, id uuid.UUID) (saga.Status, error)
	Cancel(id uuid.UUID) bool
}

type Sweeper interface {
	Sweep(ctx context.Context) ([]string, error)
}

type Handler struct {
	Service WithdrawalService
	Sweeper Sweeper
	Logger  *slog.Logger
}

type createWithdrawalRequest struct {
	RequestID     string `json:"request_id"`
	TargetAddress string `json:"target_address"`
	Amount        string `json:"amount"`
}

type withdrawalResponse struct {
	SagaID        string `json:"saga_id"`
	Status        string `json:"status"`
	TargetAddress string `json:"target_address,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Reason        string `json:"reason,omitempty"`
	TxID          string `json:"tx_id,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type sweepResponse struct {
	Released []string `json:"released"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(service WithdrawalService, sweeper Sweeper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Sweeper: sweeper, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/v1", auth.Middleware(jwtSecret, withdrawScope))
	group.POST("/withdrawals", h.CreateWithdrawal)
	group.GET("/withdrawals/:id", h.GetWithdrawal)
}

// RegisterAdmin mounts the operator endpoints behind API key auth.
func (h *Handler) RegisterAdmin(r *gin.Engine, keys []apikey.Key) {
	group := r.Group("/admin/v1", apikey.Middleware(keys, h.Logger))
	group.GET("/withdrawals/:id", h.DescribeWithdrawal)
	group.POST("/withdrawals/:id/cancel", h.CancelWithdrawal)
	group.POST("/sweeps", h.Sweep)
}

func (h *Handler) CreateWithdrawal(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req createWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	requestKey := strings.TrimSpace(req.RequestID)
	if headerKey := strings.TrimSpace(c.GetHeader(idempotencyHeader)); headerKey != "" {
		requestKey = headerKey
	}
	sagaID := uuid.New()
	if requestKey != "" {
		sagaID = saga.RequestID(requestSource, userID.String()+"/"+requestKey)
	}

	res, created, err := h.Service.Submit(c.Request.Context(), saga.Request{
		ID:            sagaID,
		UserID:        userID,
		TargetAddress: strings.TrimSpace(req.TargetAddress),
		Amount:        amount,
	})
	switch {
	case errors.Is(err, saga.ErrInvalidRequest):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	case errors.Is(err, saga.ErrRequestConflict):
		writeError(c, http.StatusConflict, "CONFLICT", "idempotency key reused with different parameters")
		return
	case errors.Is(err, saga.ErrShuttingDown):
		writeError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "service is shutting down")
		return
	case err != nil:
		h.Logger.Error("submit withdrawal failed", "user_id", userID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusAccepted
	}
	c.JSON(code, resultResponse(res))
}

func (h *Handler) GetWithdrawal(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	st, ok := h.describe(c)
	if !ok {
		return
	}
	if st.UserID != userID {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "withdrawal not found")
		return
	}
	c.JSON(http.StatusOK, statusResponse(st))
}

func (h *Handler) DescribeWithdrawal(c *gin.Context) {
	st, ok := h.describe(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) CancelWithdrawal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid withdrawal id")
		return
	}
	if !h.Service.Cancel(id) {
		writeError(c, http.StatusConflict, "CONFLICT", "withdrawal is not running on this node")
		return
	}
	h.Logger.Warn("withdrawal cancelled by operator", "saga_id", id, "operator", c.GetString(apikey.ContextOperatorKey))
	c.JSON(http.StatusAccepted, gin.H{"saga_id": id.String(), "cancelled": true})
}

func (h *Handler) Sweep(c *gin.Context) {
	if h.Sweeper == nil {
		writeError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "sweeper not configured")
		return
	}
	released, err := h.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.Logger.Error("operator sweep failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if released == nil {
		released = []string{}
	}
	c.JSON(http.StatusOK, sweepResponse{Released: released})
}

func (h *Handler) describe(c *gin.Context) (saga.Status, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid withdrawal id")
		return saga.Status{}, false
	}
	st, err := h.Service.Describe(c.Request.Context(), id)
	if errors.Is(err, storage.ErrSagaNotFound) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "withdrawal not found")
		return saga.Status{}, false
	}
	if err != nil {
		h.Logger.Error("describe withdrawal failed", "saga_id", id, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return saga.Status{}, false
	}
	return st, true
}

func resultResponse(res saga.Result) withdrawalResponse {
	return withdrawalResponse{
		SagaID: res.SagaID.String(),
		Status: string(res.Status),
		Reason: res.Reason,
		TxID:   res.TxID,
	}
}

func statusResponse(st saga.Status) withdrawalResponse {
	resp := resultResponse(st.Result)
	resp.TargetAddress = st.TargetAddress
	resp.Amount = st.Amount.String()
	resp.CreatedAt = st.CreatedAt.UTC().Format(time.RFC3339)
	resp.UpdatedAt = st.UpdatedAt.UTC().Format(time.RFC3339)
	return resp
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}
