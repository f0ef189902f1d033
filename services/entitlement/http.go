package entitlement

import (
	"errors"
	"net/http"

	"estate-credits/pkg/errutil"
	"estate-credits/services/credit"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/owners/:type/:id/entitlements")
	g.GET("", h.list)
	g.POST("/:code", h.apply)
}

func (h *Handler) list(c *gin.Context) {
	owner, err := credit.OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	offers, err := h.svc.AvailableEntitlements(c.Request.Context(), owner)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": offers})
}

type applyRequest struct {
	TargetID       string   `json:"target_id"`
	TargetIDs      []string `json:"target_ids"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (h *Handler) apply(c *gin.Context) {
	owner, err := credit.OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	act, err := h.svc.ApplyEntitlement(c.Request.Context(), ApplyRequest{
		Code:           c.Param("code"),
		Owner:          owner,
		Target:         req.TargetID,
		Targets:        req.TargetIDs,
		IdempotencyKey: req.IdempotencyKey,
	})

	var aerr *ActivationError
	if errors.As(err, &aerr) {
		renderActivationError(c, act, aerr)
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, act)
}

// renderActivationError keeps the charge visible to the caller so it can be
// refunded.
func renderActivationError(c *gin.Context, act *Activation, aerr *ActivationError) {
	status := errutil.StatusOf(aerr)
	body := gin.H{
		"error": gin.H{
			"code":    status,
			"message": aerr.Error(),
		},
		"activation": act,
		"charged":    aerr.Charged(),
	}
	if aerr.Compensation != nil {
		body["compensation"] = aerr.Compensation
	}
	c.JSON(status.HTTPStatus(), body)
}
