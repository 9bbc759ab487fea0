// Package httpserver exposes the commission service over HTTP: an
// authenticated affiliate API plus the billing webhook that drives accrual
// and reversal.
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/commission/pkg/commission"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerWebhookSecret = "X-Webhook-Secret"

	eventPaymentConfirmed = "payment.confirmed"
	eventPaymentReversed  = "payment.reversed"
)

// Run boots the HTTP server and blocks until ctx is canceled or the listener
// fails.
func Run(ctx context.Context, cfg Config, service *commission.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	validator := newSessionValidator([]byte(cfg.SessionSigningKey), cfg.SessionIssuer, cfg.SessionCookieName)
	router := setupRouter(cfg, handler, validator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("commission api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionValidator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/billing", handler.handleBillingWebhook)

	api := router.Group("/api")
	api.Use(validator.middleware())

	api.POST("/redemptions", handler.handleRedemption)
	api.GET("/summary", handler.handleSummary)
	api.GET("/history", handler.handleHistory)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *commission.Service
	cfg     Config
}

type redemptionRequest struct {
	Currency    string `json:"currency"`
	AmountCents int64  `json:"amount_cents"`
	ClientToken string `json:"client_token"`
}

type billingEvent struct {
	Type string           `json:"type"`
	Data billingEventData `json:"data"`
}

type billingEventData struct {
	InvoiceID        string `json:"invoice_id"`
	SubscriptionID   string `json:"subscription_id"`
	AffiliateID      string `json:"affiliate_id"`
	GrossAmountCents int64  `json:"gross_amount_cents"`
	Currency         string `json:"currency"`
	IsFirstPayment   bool   `json:"is_first_payment"`
}

func (handler *httpHandler) handleRedemption(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request redemptionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	affiliateID, err := commission.NewAffiliateID(claims.AffiliateID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
		return
	}
	currency, err := commission.ParseCurrency(request.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", "unsupported currency"))
		return
	}
	var requested commission.AmountCents
	if request.AmountCents != 0 {
		requested, err = commission.NewAmountCents(request.AmountCents)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
			return
		}
	}

	receipt, err := handler.service.RequestRedemption(
		ctx.Request.Context(),
		affiliateID,
		currency,
		requested,
		commission.NewClientToken(request.ClientToken),
	)
	if err != nil {
		handler.respondRedemptionError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"redemption_id": receipt.RedemptionID,
		"transfer_id":   receipt.TransferID,
		"currency":      receipt.Currency.String(),
		"amount_cents":  receipt.AmountCents.Int64(),
	})
}

// respondRedemptionError maps domain errors to HTTP codes. Eligibility
// rejections and definite provider failures are 400, races are 409, and
// anything else stays an opaque 500.
func (handler *httpHandler) respondRedemptionError(ctx *gin.Context, err error) {
	reason := commission.ReasonForError(err).String()
	switch {
	case commission.IsEligibilityError(err):
		ctx.JSON(http.StatusBadRequest, errorResponse(reason, "redemption not eligible"))
	case commission.IsConcurrencyConflict(err):
		ctx.JSON(http.StatusConflict, errorResponse(reason, "redemption already in flight, retry later"))
	case errors.Is(err, commission.ErrProviderTransfer):
		ctx.JSON(http.StatusBadRequest, errorResponse(reason, "transfer was rejected"))
	default:
		handler.logger.Error("redemption failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "redemption failed"))
	}
}

func (handler *httpHandler) handleSummary(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	affiliateID, err := commission.NewAffiliateID(claims.AffiliateID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
		return
	}
	summaries, err := handler.service.Summary(ctx.Request.Context(), affiliateID)
	if err != nil {
		handler.logger.Error("summary failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "summary unavailable"))
		return
	}
	payload := make([]gin.H, 0, len(summaries))
	for _, summary := range summaries {
		payload = append(payload, gin.H{
			"currency":                summary.Currency.String(),
			"available_cents":         summary.AvailableCents.Int64(),
			"pending_cents":           summary.PendingCents.Int64(),
			"debt_cents":              summary.DebtCents.Int64(),
			"next_mature_at_unix_utc": summary.NextMatureAtUnixUTC,
			"min_redeem_cents":        summary.MinRedeemCents.Int64(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"currencies": payload})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	affiliateID, err := commission.NewAffiliateID(claims.AffiliateID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
		return
	}
	before := parseQueryInt(ctx, "before", time.Now().UTC().Add(time.Second).Unix())
	limit := int(parseQueryInt(ctx, "limit", defaultHistoryLimit))
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	items, err := handler.service.History(ctx.Request.Context(), affiliateID, before, limit)
	if err != nil {
		handler.logger.Error("history failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "history unavailable"))
		return
	}
	payload := make([]gin.H, 0, len(items))
	for _, item := range items {
		payload = append(payload, gin.H{
			"kind":             string(item.Kind),
			"id":               item.ID,
			"currency":         item.Currency.String(),
			"amount_cents":     item.AmountCents.Int64(),
			"status":           item.Status,
			"reason_code":      item.ReasonCode,
			"created_unix_utc": item.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"items": payload})
}

func (handler *httpHandler) handleBillingWebhook(ctx *gin.Context) {
	secret := ctx.GetHeader(headerWebhookSecret)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(handler.cfg.WebhookSecret)) != 1 {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "bad webhook secret"))
		return
	}
	var event billingEvent
	if err := ctx.ShouldBindJSON(&event); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	switch event.Type {
	case eventPaymentConfirmed:
		handler.handlePaymentConfirmed(ctx, event.Data)
	case eventPaymentReversed:
		handler.handlePaymentReversed(ctx, event.Data)
	default:
		// Unknown event types are acknowledged so the sender stops retrying.
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (handler *httpHandler) handlePaymentConfirmed(ctx *gin.Context, data billingEventData) {
	invoiceID, err := commission.NewInvoiceID(data.InvoiceID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "invoice_id is required"))
		return
	}
	affiliateID, err := commission.NewAffiliateID(data.AffiliateID)
	if err != nil {
		// Payments without an affiliate attribution are not our concern.
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	gross, err := commission.NewAmountCents(data.GrossAmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "gross_amount_cents must be positive"))
		return
	}
	currency, err := commission.ParseCurrency(data.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", "unsupported currency"))
		return
	}
	err = handler.service.RecordPayment(ctx.Request.Context(), commission.PaymentConfirmed{
		SourceInvoiceID:  invoiceID,
		SubscriptionID:   data.SubscriptionID,
		AffiliateID:      affiliateID,
		GrossAmountCents: gross,
		Currency:         currency,
		IsFirstPayment:   data.IsFirstPayment,
	})
	if err != nil {
		handler.logger.Error("payment accrual failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "accrual failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handlePaymentReversed(ctx *gin.Context, data billingEventData) {
	invoiceID, err := commission.NewInvoiceID(data.InvoiceID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "invoice_id is required"))
		return
	}
	err = handler.service.ReversePayment(ctx.Request.Context(), invoiceID)
	if err != nil {
		if errors.Is(err, commission.ErrUnknownInvoice) {
			// No commission was ever accrued for this invoice.
			ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		handler.logger.Error("payment reversal failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "reversal failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseQueryInt(ctx *gin.Context, name string, fallback int64) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
