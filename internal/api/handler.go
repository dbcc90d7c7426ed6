package api

import (
	"net/http"
	"strconv"
	"time"

	"market-core/internal/service"
	"market-core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	purchases   *service.PurchaseService
	payments    *service.PaymentService
	fulfillment *service.FulfillmentService
	offers      *service.OfferService
}

// NewHandler creates a new HTTP handler
func NewHandler(
	purchases *service.PurchaseService,
	payments *service.PaymentService,
	fulfillment *service.FulfillmentService,
	offers *service.OfferService,
) *Handler {
	return &Handler{
		purchases:   purchases,
		payments:    payments,
		fulfillment: fulfillment,
		offers:      offers,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/offers/:id", h.getOffer)

		v1.POST("/purchases", h.createPurchase)
		v1.POST("/purchases/partial", h.createPurchasePartial)
		v1.GET("/purchases", h.listPurchases)
		v1.GET("/purchases/pending", h.getPendingPurchase)
		v1.GET("/purchases/:id", h.getPurchase)
		v1.PATCH("/purchases/:id/status", h.updatePurchaseStatus)
		v1.DELETE("/purchases/:id", h.deletePurchase)

		v1.POST("/purchases/:id/token", h.generateOrderToken)
		v1.POST("/purchases/token/verify", h.verifyPurchaseToken)
		v1.POST("/purchases/:id/fulfillment", h.fulfillItems)

		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/check", h.checkPaymentStatus)
		v1.POST("/payments/:id/cancel", h.cancelPayment)
		v1.GET("/payments/purchase/:purchase_id", h.getPaymentByPurchase)
		v1.POST("/payments/purchase/:purchase_id", h.createPaymentForPurchase)
		v1.POST("/payments/sync", h.syncPayments)
	}

	router.GET("/payments/status-page", h.paymentStatusPage)
	router.POST("/webhooks/payment", h.paymentWebhook)
}

// statusFromCode maps a service error class onto an HTTP status
func statusFromCode(code service.ErrorCode) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeConflict:
		return http.StatusConflict
	case service.CodeBadRequest:
		return http.StatusBadRequest
	case service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := service.CodeOf(err)
	status := statusFromCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": message})
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Query(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid " + name})
		return 0, false
	}
	return id, true
}

// getOffer returns an offer with its effective price
func (h *Handler) getOffer(c *gin.Context) {
	offerID, ok := pathID(c, "id")
	if !ok {
		return
	}

	offer, err := h.offers.GetOffer(c.Request.Context(), offerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

// createPurchase handles all-or-nothing purchase creation
func (h *Handler) createPurchase(c *gin.Context) {
	var req service.CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.purchases.CreatePurchase(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// createPurchasePartial handles partial-success purchase creation
func (h *Handler) createPurchasePartial(c *gin.Context) {
	var req service.CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.purchases.CreatePurchaseWithPartialSuccess(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// listPurchases returns all purchases of a user
func (h *Handler) listPurchases(c *gin.Context) {
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}

	purchases, err := h.purchases.GetPurchasesByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

// getPendingPurchase returns the user's pending purchase with its
// remaining lifetime
func (h *Handler) getPendingPurchase(c *gin.Context) {
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}

	resp, err := h.purchases.GetPendingPurchaseByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getPurchase returns a purchase with its lines, results and payment
func (h *Handler) getPurchase(c *gin.Context) {
	purchaseID, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := h.purchases.GetPurchaseByID(c.Request.Context(), purchaseID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// updatePurchaseStatus applies an explicit status change
func (h *Handler) updatePurchaseStatus(c *gin.Context) {
	purchaseID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.purchases.UpdatePurchaseStatus(c.Request.Context(), purchaseID, req.Status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// deletePurchase removes a purchase
func (h *Handler) deletePurchase(c *gin.Context) {
	purchaseID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.purchases.DeletePurchase(c.Request.Context(), purchaseID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// generateOrderToken issues a seller-view token for a paid purchase
func (h *Handler) generateOrderToken(c *gin.Context) {
	purchaseID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}

	token, err := h.fulfillment.GenerateOrderToken(c.Request.Context(), userID, purchaseID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// verifyPurchaseToken resolves a token to the seller's slice of a purchase
func (h *Handler) verifyPurchaseToken(c *gin.Context) {
	sellerID, ok := queryID(c, "seller_id")
	if !ok {
		return
	}

	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	items, err := h.fulfillment.VerifyPurchaseToken(c.Request.Context(), sellerID, req.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// fulfillItems records seller handover outcomes for a paid purchase
func (h *Handler) fulfillItems(c *gin.Context) {
	purchaseID, ok := pathID(c, "id")
	if !ok {
		return
	}
	sellerID, ok := queryID(c, "seller_id")
	if !ok {
		return
	}

	var req struct {
		Items []service.FulfillmentItem `json:"items" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.fulfillment.FulfillItems(c.Request.Context(), sellerID, purchaseID, req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getPayment returns the caller's payment by id
func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}

	payment, err := h.payments.GetPaymentForUser(c.Request.Context(), paymentID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// getPaymentByPurchase returns the payment of the caller's purchase
func (h *Handler) getPaymentByPurchase(c *gin.Context) {
	purchaseID, ok := pathID(c, "purchase_id")
	if !ok {
		return
	}
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}

	payment, err := h.payments.GetPaymentByPurchaseForUser(c.Request.Context(), purchaseID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// checkPaymentStatus refreshes the caller's payment from the gateway
func (h *Handler) checkPaymentStatus(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}

	payment, err := h.payments.CheckPaymentStatusForUser(c.Request.Context(), paymentID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// cancelPayment cancels the caller's payment at the gateway
func (h *Handler) cancelPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := queryID(c, "user_id")
	if !ok {
		return
	}

	payment, err := h.payments.CancelPaymentForUser(c.Request.Context(), paymentID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// createPaymentForPurchase retries payment creation for a purchase
func (h *Handler) createPaymentForPurchase(c *gin.Context) {
	purchaseID, ok := pathID(c, "purchase_id")
	if !ok {
		return
	}

	payment, err := h.payments.CreatePaymentForPurchase(c.Request.Context(), purchaseID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

// syncPayments polls the gateway for every non-terminal payment
func (h *Handler) syncPayments(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	synced, err := h.payments.SyncBatchStatus(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": synced})
}

// paymentStatusPage is the gateway redirect target after checkout. It
// refreshes the payment so the buyer sees the final status immediately.
func (h *Handler) paymentStatusPage(c *gin.Context) {
	paymentID, ok := queryID(c, "payment_id")
	if !ok {
		return
	}

	payment, err := h.payments.CheckPaymentStatus(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payment_id": payment.ID,
		"status":     payment.Status,
	})
}

// paymentWebhook ingests gateway-pushed payment events
func (h *Handler) paymentWebhook(c *gin.Context) {
	var event service.WebhookEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook payload"})
		return
	}

	if err := h.payments.HandleWebhook(c.Request.Context(), &event); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
