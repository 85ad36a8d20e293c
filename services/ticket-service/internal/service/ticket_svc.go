package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/you/eventhub-ticketing/pkg/events"
	"github.com/you/eventhub-ticketing/services/ticket-service/internal/domain"
	"github.com/you/eventhub-ticketing/services/ticket-service/internal/repository"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTicketNotUsable is returned when validating a ticket that was
	// already used.
	ErrTicketNotUsable = errors.New("ticket is not active")
)

type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

type TicketSvc struct {
	repo   *repository.TicketRepo
	log    *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewTicketSvc(repo *repository.TicketRepo, log *zap.Logger) *TicketSvc {
	return &TicketSvc{
		repo:   repo,
		log:    log.Named("tickets"),
		tracer: otel.Tracer("github.com/you/eventhub-ticketing/services/ticket-service"),
		now:    time.Now,
	}
}

// IssueFromPayment turns a SUCCESS payment outcome into exactly one ticket
// per transaction id. For a redelivered message the earlier ticket comes
// back with created=false.
func (s *TicketSvc) IssueFromPayment(ctx context.Context, msg events.PaymentOutcomeMessage) (_ *domain.Ticket, created bool, err error) {
	ctx, span := s.tracer.Start(ctx, "ticket.issue_from_payment", trace.WithAttributes(
		attribute.String("payment.transaction_id", msg.TransactionID),
		attribute.Int64("booking.id", msg.BookingID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if msg.Status != events.StatusSuccess {
		return nil, false, &ValidationError{Msg: fmt.Sprintf("payment status %q does not issue tickets", msg.Status)}
	}
	if err := msg.Validate(); err != nil {
		return nil, false, &ValidationError{Msg: err.Error()}
	}

	txID := msg.TransactionID
	t := &domain.Ticket{
		ID:             uuid.NewString(),
		TicketNumber:   domain.NewTicketNumber(),
		RegistrationID: msg.BookingID,
		EventID:        msg.EventID,
		UserID:         msg.UserID,
		Status:         domain.TicketConfirmed,
		IssuedAt:       s.now().UTC(),
		QRPayload:      txID,
		Price:          msg.Amount,
		TransactionID:  &txID,
	}
	issued, created, err := s.repo.IssueIfNotProcessed(ctx, txID, t)
	if err != nil {
		return nil, false, fmt.Errorf("issue ticket for %s: %w", txID, err)
	}
	log := s.log.With(
		zap.String("transaction_id", txID),
		zap.String("ticket_number", issued.TicketNumber),
		zap.Int64("booking_id", msg.BookingID))
	if created {
		log.Info("ticket issued")
	} else {
		log.Info("duplicate payment message, ticket already issued")
	}
	return issued, created, nil
}

type CreateTicketInput struct {
	RegistrationID int64
	EventID        int64
	UserID         int64
	SeatNumber     *string
	Price          decimal.Decimal
}

// Create issues a ticket outside the payment flow, e.g. for comps.
func (s *TicketSvc) Create(ctx context.Context, in CreateTicketInput) (*domain.Ticket, error) {
	switch {
	case in.RegistrationID <= 0:
		return nil, &ValidationError{Msg: "registrationId must be positive"}
	case in.EventID <= 0:
		return nil, &ValidationError{Msg: "eventId must be positive"}
	case in.UserID <= 0:
		return nil, &ValidationError{Msg: "userId must be positive"}
	case in.Price.IsNegative():
		return nil, &ValidationError{Msg: "price must not be negative"}
	}
	number := domain.NewTicketNumber()
	t := &domain.Ticket{
		ID:             uuid.NewString(),
		TicketNumber:   number,
		RegistrationID: in.RegistrationID,
		EventID:        in.EventID,
		UserID:         in.UserID,
		Status:         domain.TicketActive,
		IssuedAt:       s.now().UTC(),
		QRPayload:      number,
		SeatNumber:     in.SeatNumber,
		Price:          in.Price,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info("ticket created", zap.String("ticket_number", number), zap.Int64("event_id", in.EventID))
	return t, nil
}

func (s *TicketSvc) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	return notFound(s.repo.ByID(ctx, id))
}

func (s *TicketSvc) GetByNumber(ctx context.Context, number string) (*domain.Ticket, error) {
	return notFound(s.repo.ByNumber(ctx, number))
}

func (s *TicketSvc) ListByUser(ctx context.Context, userID int64) ([]domain.Ticket, error) {
	return s.repo.ByUser(ctx, userID)
}

func (s *TicketSvc) ListByEvent(ctx context.Context, eventID int64) ([]domain.Ticket, error) {
	return s.repo.ByEvent(ctx, eventID)
}

// Validate admits a ticket once. ACTIVE and CONFIRMED tickets become USED.
func (s *TicketSvc) Validate(ctx context.Context, number string) error {
	t, err := s.repo.MarkUsed(ctx, number)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrTicketNotFound
	case errors.Is(err, repository.ErrNotUsable):
		return ErrTicketNotUsable
	case err != nil:
		return err
	}
	s.log.Info("ticket validated", zap.String("ticket_number", t.TicketNumber))
	return nil
}

func notFound(t *domain.Ticket, err error) (*domain.Ticket, error) {
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	return t, err
}
