package tier

import (
	"net/http"
	"strconv"

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
	r.GET("/tiers", h.listTiers)

	g := r.Group("/owners/:type/:id/tier")
	g.GET("/usage", h.usage)
	g.GET("/can-create-listing", h.canCreateListing)
	g.GET("/can-upload-images", h.canUploadImages)
}

func (h *Handler) listTiers(c *gin.Context) {
	rows, err := h.svc.Limitations(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (h *Handler) usage(c *gin.Context) {
	owner, err := credit.OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	u, err := h.svc.UsageStats(c.Request.Context(), owner)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) canCreateListing(c *gin.Context) {
	owner, err := credit.OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ok, err := h.svc.CanCreateListing(c.Request.Context(), owner)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": ok})
}

func (h *Handler) canUploadImages(c *gin.Context) {
	owner, err := credit.OwnerFromPath(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	n, err := strconv.Atoi(c.DefaultQuery("count", "1"))
	if err != nil {
		_ = c.Error(errutil.BadRequest("count must be an integer", err))
		return
	}

	ok, err := h.svc.CanUploadImages(c.Request.Context(), owner, n)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": ok, "count": n})
}
