package distribution

import (
	"net/http"
	"strconv"

	"estate-credits/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	agencies := r.Group("/agencies/:id")
	agencies.GET("/team", h.teamSummary)
	agencies.GET("/distribution", h.getSettings)
	agencies.PUT("/distribution", h.updateSettings)
	agencies.POST("/distribution/run", h.run)

	r.GET("/distribution-runs/:run", h.getRun)
}

func (h *Handler) teamSummary(c *gin.Context) {
	out, err := h.svc.TeamSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getSettings(c *gin.Context) {
	pool, err := h.svc.Settings(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

type settingsRequest struct {
	Enabled    bool `json:"enabled"`
	Percentage int  `json:"percentage"`
}

func (h *Handler) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	pool, err := h.svc.UpdateSettings(c.Request.Context(), c.Param("id"), req.Enabled, req.Percentage)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

func (h *Handler) run(c *gin.Context) {
	ctx := c.Request.Context()
	agencyID := c.Param("id")

	async, _ := strconv.ParseBool(c.Query("async"))
	if async {
		info, err := h.svc.Enqueue(ctx, RunPayload{AgencyID: agencyID, Trigger: TriggerManual})
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"agency_id": agencyID, "task_id": info.ID, "queue": info.Queue})
		return
	}

	run, err := h.svc.Distribute(ctx, agencyID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) getRun(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("run"))
	if err != nil {
		_ = c.Error(errutil.BadRequest("invalid run id", err))
		return
	}

	run, err := h.svc.GetRun(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, run)
}
