package directory

import (
	"net/http"
	"time"

	"estate-credits/pkg/errutil"
	"estate-credits/services/credit"
	"estate-credits/services/entitlement"

	"github.com/gin-gonic/gin"
)

// Handler is the admin surface used to mirror users, agencies and listings
// from the property platform.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	dir := r.Group("/directory")
	dir.PUT("/owners/:type/:id", h.upsertOwner)
	dir.PUT("/owners/:type/:id/tier", h.setTier)
	dir.POST("/agencies/:id/members", h.addMember)
	dir.DELETE("/agencies/:id/members/:user", h.removeMember)
	dir.PUT("/listings/:id", h.upsertListing)
	dir.GET("/targets/:type/:id/windows", h.activeWindows)
}

func (h *Handler) upsertOwner(c *gin.Context) {
	owner, err := credit.OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req struct {
		Name   string `json:"name"`
		Tier   string `json:"tier"`
		Active *bool  `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	o := &Owner{ID: owner.ID, Type: owner.Type, Name: req.Name, Tier: req.Tier, BaseTier: req.Tier, Active: true}
	if req.Active != nil {
		o.Active = *req.Active
	}
	if err := h.svc.UpsertOwner(c.Request.Context(), o); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) setTier(c *gin.Context) {
	owner, err := credit.OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var req struct {
		Tier string `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	if err := h.svc.SetTier(c.Request.Context(), owner, req.Tier); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "tier": req.Tier})
}

func (h *Handler) addMember(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	agencyID := c.Param("id")
	if err := h.svc.AddMember(c.Request.Context(), agencyID, req.UserID, time.Now().UTC()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agency_id": agencyID, "user_id": req.UserID})
}

func (h *Handler) removeMember(c *gin.Context) {
	if err := h.svc.RemoveMember(c.Request.Context(), c.Param("id"), c.Param("user")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) upsertListing(c *gin.Context) {
	var req struct {
		OwnerType  credit.OwnerType `json:"owner_type" binding:"required"`
		OwnerID    string           `json:"owner_id" binding:"required"`
		ImageCount int              `json:"image_count"`
		Active     *bool            `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	l := &Listing{ID: c.Param("id"), OwnerType: req.OwnerType, OwnerID: req.OwnerID, ImageCount: req.ImageCount, Active: true}
	if req.Active != nil {
		l.Active = *req.Active
	}
	if err := h.svc.UpsertListing(c.Request.Context(), l); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) activeWindows(c *gin.Context) {
	target := entitlement.Target{Type: entitlement.TargetType(c.Param("type")), ID: c.Param("id")}

	windows, err := h.svc.ActiveWindows(c.Request.Context(), target)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": target, "windows": windows})
}
