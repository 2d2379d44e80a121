package assignment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/intentpay/internal/validation"
)

// Handler provides HTTP endpoints for intent assignments.
type Handler struct {
	service *Service
}

// NewHandler creates a new assignment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only assignment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/intents/:intentId/assignments", h.List)
	r.GET("/intents/:intentId/assignments/:agentId", h.Get)
}

// RegisterAdminRoutes sets up the marketplace-facing write route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/intents/:intentId/assignments", h.Assign)
}

// AssignRequest is the body of POST /intents/:intentId/assignments.
type AssignRequest struct {
	AgentID   string `json:"agentId" binding:"required"`
	OwnerAddr string `json:"ownerAddr" binding:"required"`
	AgentAddr string `json:"agentAddr" binding:"required"`
}

// Assign handles POST /intents/:intentId/assignments
func (h *Handler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	a, created, err := h.service.Assign(c.Request.Context(), c.Param("intentId"), req.AgentID, req.OwnerAddr, req.AgentAddr)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"assignment": a})
}

// Get handles GET /intents/:intentId/assignments/:agentId
func (h *Handler) Get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("intentId"), c.Param("agentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignment": a})
}

// List handles GET /intents/:intentId/assignments
func (h *Handler) List(c *gin.Context) {
	list, err := h.service.ListByIntent(c.Request.Context(), c.Param("intentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Assignment{}
	}
	c.JSON(http.StatusOK, gin.H{"assignments": list, "count": len(list)})
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrSameAddr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Assignment not found"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "assignment_conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
