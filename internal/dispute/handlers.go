package dispute

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parley-trade/parley/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations on the local node.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new dispute handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public (read-only) dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/messages", h.ListMessages)
	r.GET("/peers/:address/dispute-count", h.PeerDisputeCount)
}

// RegisterProtectedRoutes sets up protected (auth-required) dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.POST("/disputes/:id/chat", h.SendChat)
	r.POST("/disputes/:id/verdict", h.ApplyVerdict)
}

// OpenRequest is the payload for POST /v1/disputes.
type OpenRequest struct {
	Contract             Contract   `json:"contract" binding:"required"`
	ArbitratorPubKeyRing PubKeyRing `json:"arbitratorPubKeyRing" binding:"required"`
	OpenerIsBuyer        bool       `json:"openerIsBuyer"`
	OpenerIsMaker        bool       `json:"openerIsMaker"`
	SupportTicket        bool       `json:"supportTicket"`
	Reopen               bool       `json:"reopen"`
	ContractAsJSON       string     `json:"contractAsJson"`
	DepositTxSerialized  []byte     `json:"depositTxSerialized"`
	DepositTxID          string     `json:"depositTxId"`
}

// ChatRequest is the payload for POST /v1/disputes/:id/chat.
type ChatRequest struct {
	Message     string       `json:"message" binding:"required"`
	Attachments []Attachment `json:"attachments"`
}

// VerdictRequest is the payload for POST /v1/disputes/:id/verdict.
type VerdictRequest struct {
	Winner              string `json:"winner" binding:"required"`
	LoserPublisher      bool   `json:"loserPublisher"`
	BuyerPayoutAmount   int64  `json:"buyerPayoutAmount"`
	SellerPayoutAmount  int64  `json:"sellerPayoutAmount"`
	ArbitratorSignature []byte `json:"arbitratorSignature"`
	Explanation         string `json:"explanation"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("contract.tradeId", req.Contract.TradeID),
		validation.ValidTradeID("contract.tradeId", req.Contract.TradeID),
		validation.ValidNodeAddress("contract.buyerNodeAddress", string(req.Contract.BuyerNodeAddress)),
		validation.ValidNodeAddress("contract.sellerNodeAddress", string(req.Contract.SellerNodeAddress)),
		validation.ValidNodeAddress("contract.arbitratorNodeAddress", string(req.Contract.ArbitratorNodeAddress)),
		validation.PositiveAmount("contract.tradeAmount", req.Contract.TradeAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d := NewDispute(req.Contract.TradeID, h.engine.Identity().PubKeyRing,
		req.OpenerIsBuyer, req.OpenerIsMaker, req.ArbitratorPubKeyRing,
		req.Contract, time.Now())
	d.SupportTicket = req.SupportTicket
	d.ContractAsJSON = req.ContractAsJSON
	d.DepositTxSerialized = req.DepositTxSerialized
	d.DepositTxID = req.DepositTxID

	if err := h.engine.OpenDispute(d, req.Reopen); err != nil {
		if errors.Is(err, ErrDisputeAlreadyOpen) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_open",
				"message": "A dispute for this trade is already open",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "open_failed",
			"message": err.Error(),
		})
		return
	}

	opened, err := h.engine.DisputeByID(d.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": opened})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.engine.DisputeByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes. With ?open=true only disputes that
// are still open are returned.
func (h *Handler) ListDisputes(c *gin.Context) {
	openOnly := c.Query("open") == "true"

	var out []*Dispute
	for _, d := range h.engine.Disputes() {
		if openOnly && d.Closed {
			continue
		}
		out = append(out, d)
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes":  out,
		"count":     len(out),
		"openCount": h.engine.OpenCount(),
	})
}

// ListMessages handles GET /v1/disputes/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	d, err := h.engine.DisputeByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": d.Messages,
		"count":    len(d.Messages),
	})
}

// SendChat handles POST /v1/disputes/:id/chat
func (h *Handler) SendChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("message", req.Message, validation.MaxMessageLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	msg, err := h.engine.SendChatMessage(c.Param("id"),
		validation.SanitizeString(req.Message, validation.MaxMessageLength), req.Attachments)
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "chat_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ApplyVerdict handles POST /v1/disputes/:id/verdict
func (h *Handler) ApplyVerdict(c *gin.Context) {
	var req VerdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.OneOf("winner", req.Winner, string(WinnerBuyer), string(WinnerSeller)),
		validation.MaxLength("explanation", req.Explanation, validation.MaxMessageLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	res := &DisputeResult{
		Winner:              Winner(req.Winner),
		LoserPublisher:      req.LoserPublisher,
		BuyerPayoutAmount:   req.BuyerPayoutAmount,
		SellerPayoutAmount:  req.SellerPayoutAmount,
		ArbitratorSignature: req.ArbitratorSignature,
	}
	if err := h.engine.ApplyVerdict(c.Param("id"), res, req.Explanation); err != nil {
		status := http.StatusInternalServerError
		code := "verdict_failed"
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotArbitrator):
			status = http.StatusForbidden
			code = "not_arbitrator"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	d, err := h.engine.DisputeByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// PeerDisputeCount handles GET /v1/peers/:address/dispute-count
func (h *Handler) PeerDisputeCount(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidNodeAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a host:port node address",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"count":   h.engine.DisputesWithPeer(NodeAddress(address)),
	})
}
