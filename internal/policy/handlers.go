package policy

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sentrapay/fraud-engine/internal/logging"
)

// Handler provides the policy control endpoints.
type Handler struct {
	engine      *Engine
	adminSecret string
}

// NewHandler creates a new policy handler. adminSecret gates the mutating
// endpoints; when empty they are open, which is only acceptable in demo mode.
func NewHandler(engine *Engine, adminSecret string) *Handler {
	return &Handler{engine: engine, adminSecret: adminSecret}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policy", h.GetActive)
	r.GET("/policy/history", h.History)
	r.POST("/policy/reload", h.requireAdmin, h.Reload)
}

func (h *Handler) requireAdmin(c *gin.Context) {
	if h.adminSecret == "" {
		return
	}
	got := c.GetHeader("X-Admin-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "invalid admin secret",
		})
	}
}

// GetActive handles GET /policy
func (h *Handler) GetActive(c *gin.Context) {
	v := h.engine.Active()
	if v == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no_policy", "message": "no active policy version"})
		return
	}
	c.JSON(http.StatusOK, v)
}

// History handles GET /policy/history
func (h *Handler) History(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be 1-500"})
			return
		}
		limit = n
	}

	versions, err := h.engine.History(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list policy history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list policy versions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}

// Reload handles POST /policy/reload
//
// Three modes, checked in order: ?version=pv_... rolls back to a recorded
// version; a non-empty JSON body activates that document; otherwise the
// configured policy file is re-read.
func (h *Handler) Reload(c *gin.Context) {
	ctx := c.Request.Context()

	if versionID := c.Query("version"); versionID != "" {
		v, err := h.engine.Rollback(ctx, versionID)
		if err != nil {
			h.reloadError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "activated", "version": v, "rolled_back_to": versionID})
		return
	}

	if c.Request.ContentLength > 0 {
		var doc Document
		if err := c.ShouldBindJSON(&doc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed policy document"})
			return
		}
		v, err := h.engine.Reload(ctx, doc, "api")
		if err != nil {
			h.reloadError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "activated", "version": v})
		return
	}

	v, err := h.engine.ReloadFile(ctx)
	if err != nil {
		h.reloadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "activated", "version": v})
}

func (h *Handler) reloadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrReloadInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "reload_in_flight", "message": "another reload is in progress"})
	case errors.Is(err, ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found", "message": "no such policy version"})
	default:
		// Validation failures land here; the active version is unchanged.
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "policy_rejected", "message": err.Error()})
	}
}
