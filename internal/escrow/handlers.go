package escrow

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/validation"
)

// SignerFactory turns a client-supplied raw transaction into a signer.
type SignerFactory func(signedTx string) (chain.Signer, error)

// TxTarget tells clients where to send the transactions they sign.
type TxTarget struct {
	ChainID int64  `json:"chainId"`
	Program string `json:"program"`
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	signers SignerFactory
	target  TxTarget
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, signers SignerFactory, target TxTarget) *Handler {
	return &Handler{service: service, signers: signers, target: target}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", validation.EscrowParamMiddleware(), h.GetEscrow)
	r.GET("/escrows/:id/disputes", validation.EscrowParamMiddleware(), h.ListDisputes)
	r.GET("/intents/:intentId/escrows", h.ListIntentEscrows)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterProtectedRoutes sets up settlement routes. Each request carries a
// transaction signed by the acting party; the signature is the credential.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Deposit)
	r.POST("/escrows/instruction", h.PrepareInstruction)
	r.POST("/escrows/:id/release", validation.EscrowParamMiddleware(), h.Release)
	r.POST("/escrows/:id/refund", validation.EscrowParamMiddleware(), h.Refund)
	r.POST("/escrows/:id/dispute", validation.EscrowParamMiddleware(), h.Dispute)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// RegisterAdminRoutes sets up operator reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/reconcile", validation.EscrowParamMiddleware(), h.Reconcile)
	r.POST("/reconcile/tx/:txRef", h.ReconcileTx)
	r.POST("/reconcile/stale", h.ReconcileStale)
}

// DepositRequest is the body of POST /v1/escrows.
type DepositRequest struct {
	IntentID string `json:"intentId" binding:"required"`
	AgentID  string `json:"agentId" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	SignedTx string `json:"signedTx" binding:"required"`
}

// SignedRequest is the body of release and refund calls.
type SignedRequest struct {
	SignedTx string `json:"signedTx" binding:"required"`
}

// DisputeRequest is the body of POST /v1/escrows/:id/dispute.
type DisputeRequest struct {
	Reason   string `json:"reason" binding:"required"`
	SignedTx string `json:"signedTx" binding:"required"`
}

// ResolveRequest is the body of POST /v1/disputes/:id/resolve.
type ResolveRequest struct {
	Resolution Resolution `json:"resolution"`
	SignedTx   string     `json:"signedTx" binding:"required"`
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// signer builds the signer for a request, writing the error response itself.
func (h *Handler) signer(c *gin.Context, signedTx string) (chain.Signer, bool) {
	if errs := validation.Validate(validation.ValidSignedTx("signedTx", signedTx)); len(errs) > 0 {
		validationFailed(c, errs)
		return nil, false
	}
	s, err := h.signers(signedTx)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signed_tx",
			"message": err.Error(),
		})
		return nil, false
	}
	return s, true
}

// Deposit handles POST /v1/escrows
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	if errs := validation.Validate(
		validation.ValidIdentifier("intentId", req.IntentID),
		validation.ValidIdentifier("agentId", req.AgentID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	signer, ok := h.signer(c, req.SignedTx)
	if !ok {
		return
	}

	escrow, err := h.service.Deposit(c.Request.Context(), req.IntentID, req.AgentID, req.Amount, signer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// PrepareInstruction handles POST /v1/escrows/instruction
func (h *Handler) PrepareInstruction(c *gin.Context) {
	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}

	in, err := h.service.PrepareInstruction(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	data, err := chain.EncodeInstruction(in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instruction": in,
		"to":          h.target.Program,
		"chainId":     h.target.ChainID,
		"data":        "0x" + hex.EncodeToString(data),
	})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req SignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	signer, ok := h.signer(c, req.SignedTx)
	if !ok {
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), c.Param("id"), signer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req SignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	signer, ok := h.signer(c, req.SignedTx)
	if !ok {
		return
	}

	escrow, err := h.service.Refund(c.Request.Context(), c.Param("id"), signer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	signer, ok := h.signer(c, req.SignedTx)
	if !ok {
		return
	}

	dispute, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.Reason, signer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	signer, ok := h.signer(c, req.SignedTx)
	if !ok {
		return
	}

	escrow, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Resolution, signer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"escrow": escrow}
	if op, err := h.service.InFlight(c.Request.Context(), escrow.ID); err == nil {
		resp["pendingOperation"] = op
	}
	c.JSON(http.StatusOK, resp)
}

// ListEscrows handles GET /v1/escrows?status=deposited
func (h *Handler) ListEscrows(c *gin.Context) {
	status, err := ParseStatus(c.DefaultQuery("status", string(StatusDeposited)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": err.Error(),
		})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	page, err := h.service.PageByStatus(c.Request.Context(), status, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Escrows,
		"count":      len(page.Escrows),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// ListIntentEscrows handles GET /v1/intents/:intentId/escrows
func (h *Handler) ListIntentEscrows(c *gin.Context) {
	escrows, err := h.service.ListByIntent(c.Request.Context(), c.Param("intentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ListDisputes handles GET /v1/escrows/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.ListDisputes(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// Reconcile handles POST /v1/admin/escrows/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	result, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ReconcileTx handles POST /v1/admin/reconcile/tx/:txRef
func (h *Handler) ReconcileTx(c *gin.Context) {
	ref := c.Param("txRef")
	if !validation.IsValidTxRef(ref) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tx_ref",
			"message": "txRef must be a 0x-prefixed 32-byte hash",
		})
		return
	}

	result, err := h.service.ReconcileTx(c.Request.Context(), chain.TxRef(ref))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ReconcileStale handles POST /v1/admin/reconcile/stale
func (h *Handler) ReconcileStale(c *gin.Context) {
	results, err := h.service.ReconcileStale(c.Request.Context(), 100)
	resp := gin.H{"results": results, "count": len(results)}
	if err != nil {
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps coordinator errors to HTTP responses. The tx ref travels
// with every error that has one, so clients never lose track of a submitted
// transaction.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"

	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrDisputeNotFound):
		status, code = http.StatusNotFound, "dispute_not_found"
	case errors.Is(err, ErrInvalidCursor):
		status, code = http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, chain.ErrTxNotFound):
		status, code = http.StatusNotFound, "tx_not_found"
	case errors.Is(err, ErrPreconditionViolation):
		switch {
		case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSignerRejected):
			status, code = http.StatusForbidden, "unauthorized"
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrReasonRequired), errors.Is(err, ErrInvalidResolution):
			status, code = http.StatusBadRequest, "validation_error"
		default:
			status, code = http.StatusConflict, "precondition_violation"
		}
	case errors.Is(err, ErrConcurrentModification):
		status, code = http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ErrLedgerSubmission):
		status, code = http.StatusBadGateway, "ledger_submission_failed"
	case errors.Is(err, ErrConfirmationTimeout):
		status, code = http.StatusGatewayTimeout, "confirmation_timeout"
	case errors.Is(err, ErrReconciliationRequired):
		status, code = http.StatusInternalServerError, "reconciliation_required"
	case errors.Is(err, chain.ErrCircuitOpen):
		status, code = http.StatusServiceUnavailable, "ledger_unavailable"
	}

	body := gin.H{"error": code, "message": err.Error()}
	if ref := TxRefOf(err); ref != "" {
		body["txRef"] = ref.String()
	}
	c.JSON(status, body)
}
