package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/you/eventhub-ticketing/services/payment-service/internal/domain"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/processor"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/service"
)

// PaymentService is what the handlers need from service.PaymentSvc.
type PaymentService interface {
	ProcessorName() string
	CreateIntent(ctx context.Context, in service.CreateIntentInput) (*service.IntentResponse, error)
	Confirm(ctx context.Context, in service.ConfirmInput) (*service.ConfirmResult, error)
	GetIntent(ctx context.Context, id string) (*processor.Intent, error)
	Cancel(ctx context.Context, id string) (*processor.Intent, error)
	History(ctx context.Context, userID int64) ([]domain.PaymentRecord, error)
	HandleWebhook(ctx context.Context, payload []byte, header http.Header) error
}

type PaymentHandler struct {
	svc PaymentService
	log *zap.Logger
}

func NewPaymentHandler(svc PaymentService, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, log: log.Named("http")}
}

// Register mounts the payment routes and the provider webhook.
func (h *PaymentHandler) Register(r gin.IRouter) {
	p := r.Group("/payments")
	{
		p.POST("/create-intent", h.CreateIntent)
		p.POST("/confirm", h.Confirm)
		p.GET("/intent/:id", h.GetIntent)
		p.POST("/cancel/:id", h.Cancel)
		p.GET("/history/:userId", h.History)
		p.GET("/health", h.Health)
	}
	r.POST("/webhooks/:provider", h.Webhook)
}

type createIntentBody struct {
	BookingID     int64           `json:"bookingId" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" binding:"required"`
	UserID        *int64          `json:"userId"`
	EventID       *int64          `json:"eventId"`
	Description   string          `json:"description"`
	CustomerEmail string          `json:"customerEmail"`
}

// POST /payments/create-intent
func (h *PaymentHandler) CreateIntent(c *gin.Context) {
	var body createIntentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
		return
	}
	resp, err := h.svc.CreateIntent(c.Request.Context(), service.CreateIntentInput{
		BookingID:     body.BookingID,
		Amount:        body.Amount,
		Currency:      body.Currency,
		UserID:        body.UserID,
		EventID:       body.EventID,
		Description:   body.Description,
		CustomerEmail: body.CustomerEmail,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type confirmBody struct {
	BookingID       int64  `json:"bookingId"`
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
	// amount and currency are accepted for compatibility; the record is the
	// source of truth for both
	Amount   *decimal.Decimal `json:"amount"`
	Currency string           `json:"currency"`
}

// POST /payments/confirm
func (h *PaymentHandler) Confirm(c *gin.Context) {
	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
		return
	}
	res, err := h.svc.Confirm(c.Request.Context(), service.ConfirmInput{
		BookingID:       body.BookingID,
		PaymentIntentID: body.PaymentIntentID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	var msg string
	switch {
	case res.Outcome == domain.StatusSuccess && res.Published:
		msg = "Payment confirmed and notification sent to booking service"
	case res.Outcome == domain.StatusSuccess:
		msg = "Payment already confirmed"
	case res.Outcome == domain.StatusFailed:
		msg = "Payment failed"
	default:
		msg = "Payment is " + res.ProcessorStatus
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         res.Outcome == domain.StatusSuccess,
		"message":         msg,
		"bookingId":       res.BookingID,
		"paymentIntentId": body.PaymentIntentID,
		"status":          res.Outcome,
	})
}

// GET /payments/intent/:id
func (h *PaymentHandler) GetIntent(c *gin.Context) {
	in, err := h.svc.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           in.ID,
		"amount":       in.Amount,
		"currency":     in.Currency,
		"status":       in.Status,
		"clientSecret": in.ClientSecret,
		"metadata":     in.Metadata,
	})
}

// POST /payments/cancel/:id
func (h *PaymentHandler) Cancel(c *gin.Context) {
	in, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Payment intent cancelled successfully",
		"id":      in.ID,
		"status":  in.Status,
	})
}

type paymentView struct {
	ID            uint      `json:"id"`
	TransactionID string    `json:"transactionId"`
	BookingID     int64     `json:"bookingId"`
	UserID        *int64    `json:"userId"`
	EventID       *int64    `json:"eventId"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	PaymentMethod *string   `json:"paymentMethod"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"createdAt"`
}

// GET /payments/history/:userId
func (h *PaymentHandler) History(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": "userId must be a number"})
		return
	}
	recs, err := h.svc.History(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]paymentView, 0, len(recs))
	for _, r := range recs {
		out = append(out, paymentView{
			ID:            r.ID,
			TransactionID: r.TransactionID,
			BookingID:     r.BookingID,
			UserID:        r.UserID,
			EventID:       r.EventID,
			Amount:        r.Amount.StringFixed(2),
			Currency:      r.Currency,
			Status:        string(r.Status),
			PaymentMethod: r.PaymentMethod,
			Description:   r.Description,
			CreatedAt:     r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// GET /payments/health
func (h *PaymentHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "UP",
		"service":   "payment-service",
		"processor": h.svc.ProcessorName(),
	})
}

func writeError(c *gin.Context, err error) {
	var (
		ve *service.ValidationError
		pe *processor.Error
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": ve.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found", "message": err.Error()})
	case errors.As(err, &pe) && pe.NotFound():
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment intent not found", "message": pe.Message, "code": pe.Code})
	case errors.As(err, &pe):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Payment processing failed", "message": pe.Message, "code": pe.Code})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "message": err.Error()})
	}
}
