package credit

import (
	"context"
	"net/http"
	"strconv"

	"estate-credits/pkg/db/pagination"
	"estate-credits/pkg/errutil"
	"estate-credits/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PurchaseListener is notified after a purchase is confirmed.
type PurchaseListener interface {
	PurchaseConfirmed(ctx context.Context, txn *Transaction, distribute bool) error
}

type Handler struct {
	svc      *Service
	listener PurchaseListener
}

func NewHandler(svc *Service, listener PurchaseListener) *Handler {
	return &Handler{svc: svc, listener: listener}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/packages", h.listPackages)

	owners := r.Group("/owners/:type/:id")
	owners.GET("/balance", h.getBalance)
	owners.GET("/transactions", h.listTransactions)
	owners.GET("/sufficient", h.hasSufficient)
	owners.GET("/verify", h.verify)
	owners.POST("/credits", h.credit)
	owners.POST("/debits", h.debit)
	owners.POST("/initialize", h.initialize)
	owners.POST("/purchases", h.recordPurchase)
	owners.POST("/refunds/:txn", h.refund)

	r.POST("/purchases/:txn/confirm", h.confirmPurchase)
	r.POST("/purchases/:txn/reject", h.rejectPurchase)
}

// OwnerFromPath reads the :type and :id route params.
func OwnerFromPath(c *gin.Context) (Owner, error) {
	t, err := ParseOwnerType(c.Param("type"))
	if err != nil {
		return Owner{}, errutil.BadRequest(err.Error(), nil)
	}
	return Owner{Type: t, ID: c.Param("id")}, nil
}

type mutationRequest struct {
	Amount         int64          `json:"amount" binding:"required"`
	Kind           Kind           `json:"kind"`
	Description    string         `json:"description"`
	Reference      string         `json:"reference"`
	TargetID       string         `json:"target_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (r mutationRequest) memo() Memo {
	return Memo{
		Description:    r.Description,
		Reference:      r.Reference,
		TargetID:       r.TargetID,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       r.Metadata,
	}
}

type balanceResponse struct {
	Owner   Owner `json:"owner"`
	Balance int64 `json:"balance"`
}

func (h *Handler) listPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"currency": Currency, "packages": Packages()})
}

func (h *Handler) getBalance(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	acc, err := h.svc.GetAccount(c.Request.Context(), owner)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

func (h *Handler) listTransactions(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	rows, info, err := h.svc.GetTransactionHistory(c.Request.Context(), owner, page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": info})
}

func (h *Handler) hasSufficient(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		_ = c.Error(errutil.BadRequest("amount must be an integer", err))
		return
	}

	ok, err := h.svc.HasSufficientCredits(c.Request.Context(), owner, amount)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"owner": owner, "amount": amount, "sufficient": ok})
}

func (h *Handler) verify(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	v, err := h.svc.VerifyLedger(c.Request.Context(), owner)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (h *Handler) credit(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req mutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if req.Kind == "" {
		req.Kind = KindAdjustment
	}

	balance, err := h.svc.Credit(c.Request.Context(), owner, req.Amount, req.memo(), req.Kind)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{Owner: owner, Balance: balance})
}

func (h *Handler) debit(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req mutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	balance, err := h.svc.Debit(c.Request.Context(), owner, req.Amount, req.memo())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{Owner: owner, Balance: balance})
}

func (h *Handler) initialize(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	balance, err := h.svc.InitializeOwner(c.Request.Context(), owner)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{Owner: owner, Balance: balance})
}

func (h *Handler) recordPurchase(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req struct {
		Package string `json:"package" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	txn, err := h.svc.RecordPurchase(c.Request.Context(), owner, req.Package)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, txn)
}

type settleRequest struct {
	Notes      string `json:"notes"`
	Distribute bool   `json:"distribute"`
}

func (h *Handler) confirmPurchase(c *gin.Context) {
	id, err := ParseTransactionID(c.Param("txn"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req settleRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	txn, err := h.svc.ConfirmPurchase(ctx, id, req.Notes)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if h.listener != nil {
		if err := h.listener.PurchaseConfirmed(ctx, txn, req.Distribute); err != nil {
			logger.FromContext(ctx).Warn("purchase listener failed",
				zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, txn)
}

func (h *Handler) rejectPurchase(c *gin.Context) {
	id, err := ParseTransactionID(c.Param("txn"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req settleRequest
	_ = c.ShouldBindJSON(&req)

	txn, err := h.svc.RejectPurchase(c.Request.Context(), id, req.Notes)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

func (h *Handler) refund(c *gin.Context) {
	owner, err := OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	id, err := ParseTransactionID(c.Param("txn"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	txn, err := h.svc.RefundTransaction(c.Request.Context(), owner, id, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, txn)
}
