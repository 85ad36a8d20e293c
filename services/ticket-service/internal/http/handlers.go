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

	"github.com/you/eventhub-ticketing/services/ticket-service/internal/domain"
	"github.com/you/eventhub-ticketing/services/ticket-service/internal/service"
)

type TicketService interface {
	Create(ctx context.Context, in service.CreateTicketInput) (*domain.Ticket, error)
	Get(ctx context.Context, id string) (*domain.Ticket, error)
	GetByNumber(ctx context.Context, number string) (*domain.Ticket, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Ticket, error)
	ListByEvent(ctx context.Context, eventID int64) ([]domain.Ticket, error)
	Validate(ctx context.Context, number string) error
}

type TicketHandler struct {
	svc TicketService
	log *zap.Logger
}

func NewTicketHandler(svc TicketService, log *zap.Logger) *TicketHandler {
	return &TicketHandler{svc: svc, log: log.Named("http")}
}

func (h *TicketHandler) Register(r gin.IRouter) {
	t := r.Group("/tickets")
	{
		t.POST("", h.Create)
		t.GET("/health", h.Health)
		t.GET("/:id", h.Get)
		t.GET("/user/:userId", h.ListByUser)
		t.GET("/event/:eventId", h.ListByEvent)
		t.GET("/number/:ticketNumber", h.GetByNumber)
		t.POST("/:ticketNumber/validate", h.Validate)
	}
}

type ticketView struct {
	ID             string    `json:"id"`
	TicketNumber   string    `json:"ticketNumber"`
	RegistrationID int64     `json:"registrationId"`
	EventID        int64     `json:"eventId"`
	UserID         int64     `json:"userId"`
	Status         string    `json:"status"`
	IssuedAt       time.Time `json:"issuedAt"`
	QRCode         string    `json:"qrCode"`
	SeatNumber     *string   `json:"seatNumber"`
	Price          string    `json:"price"`
}

func toView(t *domain.Ticket) ticketView {
	return ticketView{
		ID:             t.ID,
		TicketNumber:   t.TicketNumber,
		RegistrationID: t.RegistrationID,
		EventID:        t.EventID,
		UserID:         t.UserID,
		Status:         string(t.Status),
		IssuedAt:       t.IssuedAt,
		QRCode:         t.QRPayload,
		SeatNumber:     t.SeatNumber,
		Price:          t.Price.StringFixed(2),
	}
}

func toViews(ts []domain.Ticket) []ticketView {
	out := make([]ticketView, 0, len(ts))
	for i := range ts {
		out = append(out, toView(&ts[i]))
	}
	return out
}

type createTicketBody struct {
	RegistrationID int64           `json:"registrationId" binding:"required"`
	EventID        int64           `json:"eventId" binding:"required"`
	UserID         int64           `json:"userId" binding:"required"`
	SeatNumber     *string         `json:"seatNumber"`
	Price          decimal.Decimal `json:"price"`
}

// POST /tickets
func (h *TicketHandler) Create(c *gin.Context) {
	var body createTicketBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": err.Error()})
		return
	}
	t, err := h.svc.Create(c.Request.Context(), service.CreateTicketInput{
		RegistrationID: body.RegistrationID,
		EventID:        body.EventID,
		UserID:         body.UserID,
		SeatNumber:     body.SeatNumber,
		Price:          body.Price,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toView(t))
}

// GET /tickets/:id
func (h *TicketHandler) Get(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(t))
}

// GET /tickets/number/:ticketNumber
func (h *TicketHandler) GetByNumber(c *gin.Context) {
	t, err := h.svc.GetByNumber(c.Request.Context(), c.Param("ticketNumber"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toView(t))
}

// GET /tickets/user/:userId
func (h *TicketHandler) ListByUser(c *gin.Context) {
	userID, ok := int64Param(c, "userId")
	if !ok {
		return
	}
	ts, err := h.svc.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toViews(ts))
}

// GET /tickets/event/:eventId
func (h *TicketHandler) ListByEvent(c *gin.Context) {
	eventID, ok := int64Param(c, "eventId")
	if !ok {
		return
	}
	ts, err := h.svc.ListByEvent(c.Request.Context(), eventID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toViews(ts))
}

// POST /tickets/:ticketNumber/validate
func (h *TicketHandler) Validate(c *gin.Context) {
	if err := h.svc.Validate(c.Request.Context(), c.Param("ticketNumber")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /tickets/health
func (h *TicketHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP", "service": "ticket-service"})
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": name + " must be a number"})
		return 0, false
	}
	return v, true
}

func (h *TicketHandler) writeError(c *gin.Context, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "message": ve.Error()})
	case errors.Is(err, service.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Ticket not found", "message": err.Error()})
	case errors.Is(err, service.ErrTicketNotUsable):
		c.JSON(http.StatusConflict, gin.H{"error": "Ticket cannot be validated", "message": err.Error()})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "message": err.Error()})
	}
}
