package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/you/eventhub-ticketing/pkg/events"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/domain"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/processor"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/repository"
)

// Publisher sends an outcome message and returns once the broker has it.
type Publisher interface {
	PublishJSON(ctx context.Context, key, messageID string, v any) error
}

type Config struct {
	// ProcessorTimeout bounds every single processor call.
	ProcessorTimeout time.Duration
	// AutoConfirmPaymentMethod is attached to intents that are not yet
	// succeeded when the client asks to confirm. Empty disables it.
	AutoConfirmPaymentMethod string
	// SettleTimeout bounds the locked transition and its outcome publish.
	// It runs detached from the caller's cancellation.
	SettleTimeout time.Duration
}

type PaymentSvc struct {
	repo   *repository.PaymentRepo
	proc   processor.Processor
	pub    Publisher
	cfg    Config
	log    *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewPaymentSvc(repo *repository.PaymentRepo, proc processor.Processor, pub Publisher, cfg Config, log *zap.Logger) *PaymentSvc {
	if cfg.ProcessorTimeout <= 0 {
		cfg.ProcessorTimeout = 10 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 15 * time.Second
	}
	return &PaymentSvc{
		repo:   repo,
		proc:   proc,
		pub:    pub,
		cfg:    cfg,
		log:    log.Named("payments"),
		tracer: otel.Tracer("github.com/you/eventhub-ticketing/services/payment-service"),
		now:    time.Now,
	}
}

// ProcessorName is reported by the health endpoint.
func (s *PaymentSvc) ProcessorName() string { return s.proc.Name() }

// ---------- create ----------

type CreateIntentInput struct {
	BookingID     int64
	Amount        decimal.Decimal
	Currency      string
	UserID        *int64
	EventID       *int64
	Description   string
	CustomerEmail string
}

type IntentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	BookingID       int64  `json:"bookingId"`
}

// CreateIntent opens a processor intent and records it as PENDING. Nothing is
// stored when the processor refuses.
func (s *PaymentSvc) CreateIntent(ctx context.Context, in CreateIntentInput) (_ *IntentResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "payment.create_intent",
		trace.WithAttributes(attribute.Int64("booking.id", in.BookingID)))
	defer func() { endSpan(span, err) }()

	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	switch {
	case in.BookingID <= 0:
		return nil, invalid("bookingId", "must be positive")
	case !in.Amount.IsPositive():
		return nil, invalid("amount", "must be positive")
	case currency == "":
		return nil, invalid("currency", "is required")
	}
	minor, err := processor.ToMinor(in.Amount, currency)
	if err != nil {
		return nil, invalid("amount", err.Error())
	}

	desc := in.Description
	if desc == "" {
		desc = fmt.Sprintf("Event Ticket Booking #%d", in.BookingID)
	}
	meta := map[string]string{"bookingId": strconv.FormatInt(in.BookingID, 10)}
	if in.UserID != nil {
		meta["userId"] = strconv.FormatInt(*in.UserID, 10)
	}
	if in.EventID != nil {
		meta["eventId"] = strconv.FormatInt(*in.EventID, 10)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	intent, err := s.proc.CreateIntent(pctx, processor.CreateIntentParams{
		Amount:       minor,
		Currency:     currency,
		Description:  desc,
		ReceiptEmail: in.CustomerEmail,
		Metadata:     meta,
	})
	cancel()
	if err != nil {
		s.log.Warn("create intent rejected", zap.Int64("booking_id", in.BookingID), zap.Error(err))
		return nil, err
	}

	rec := &domain.PaymentRecord{
		TransactionID:   intent.ID,
		BookingID:       in.BookingID,
		UserID:          in.UserID,
		EventID:         in.EventID,
		Amount:          in.Amount,
		Currency:        currency,
		Status:          domain.StatusPending,
		ProcessorStatus: intent.Status,
		Description:     desc,
	}
	if in.CustomerEmail != "" {
		email := in.CustomerEmail
		rec.CustomerEmail = &email
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		// the intent exists at the processor but we lost track of it
		s.log.Error("intent created but not recorded",
			zap.String("transaction_id", intent.ID), zap.Int64("booking_id", in.BookingID), zap.Error(err))
		return nil, &PersistenceError{Op: "record intent", Err: err}
	}

	s.log.Info("intent created",
		zap.String("transaction_id", intent.ID),
		zap.Int64("booking_id", in.BookingID),
		zap.String("amount", in.Amount.String()),
		zap.String("currency", currency))
	return &IntentResponse{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Amount:          minor,
		Currency:        currency,
		Status:          intent.Status,
		BookingID:       in.BookingID,
	}, nil
}

// ---------- confirm ----------

type ConfirmInput struct {
	BookingID       int64
	PaymentIntentID string
}

type ConfirmResult struct {
	Outcome         domain.PaymentStatus
	ProcessorStatus string
	BookingID       int64
	// Published is true only for the call that moved the record.
	Published bool
}

// Confirm asks the processor for the truth about an intent and records it.
// A message goes out exactly when this call moves the record to SUCCESS or
// FAILED.
func (s *PaymentSvc) Confirm(ctx context.Context, in ConfirmInput) (_ *ConfirmResult, err error) {
	ctx, span := s.tracer.Start(ctx, "payment.confirm", trace.WithAttributes(
		attribute.String("payment.transaction_id", in.PaymentIntentID),
		attribute.Int64("booking.id", in.BookingID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(in.PaymentIntentID) == "" {
		return nil, invalid("paymentIntentId", "is required")
	}
	rec, err := s.lookup(ctx, in.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	if in.BookingID != 0 && in.BookingID != rec.BookingID {
		return nil, invalid("bookingId", "does not match the payment intent")
	}
	return s.reconcile(ctx, rec, s.cfg.AutoConfirmPaymentMethod)
}

func (s *PaymentSvc) reconcile(ctx context.Context, rec *domain.PaymentRecord, autoConfirm string) (*ConfirmResult, error) {
	log := s.log.With(zap.String("transaction_id", rec.TransactionID), zap.Int64("booking_id", rec.BookingID))
	if rec.Status.Terminal() {
		log.Info("already reconciled", zap.String("status", string(rec.Status)))
		return &ConfirmResult{Outcome: rec.Status, ProcessorStatus: rec.ProcessorStatus, BookingID: rec.BookingID}, nil
	}

	intent, err := s.retrieve(ctx, rec.TransactionID)
	if err != nil {
		log.Warn("retrieve failed, marking payment failed", zap.Error(err))
		return s.markFailed(ctx, rec, err)
	}

	if !intent.Succeeded() && autoConfirm != "" {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
		confirmed, cerr := s.proc.ConfirmIntent(pctx, rec.TransactionID, autoConfirm)
		cancel()
		switch {
		case errors.Is(cerr, processor.ErrUnsupported):
		case cerr != nil:
			log.Warn("auto-confirm failed, keeping retrieved state",
				zap.String("processor_status", intent.Status), zap.Error(cerr))
		default:
			intent = confirmed
		}
	}

	if !intent.Succeeded() {
		if err := s.repo.TouchPending(ctx, rec.TransactionID, intent.Status); err != nil {
			return nil, &PersistenceError{Op: "record processor status", Err: err}
		}
		log.Info("payment still pending", zap.String("processor_status", intent.Status))
		return &ConfirmResult{Outcome: domain.StatusPending, ProcessorStatus: intent.Status, BookingID: rec.BookingID}, nil
	}
	return s.markSucceeded(ctx, rec, intent, log)
}

func (s *PaymentSvc) markSucceeded(ctx context.Context, rec *domain.PaymentRecord, intent *processor.Intent, log *zap.Logger) (*ConfirmResult, error) {
	switch {
	case rec.UserID == nil:
		return nil, &IncompleteRecordError{TransactionID: rec.TransactionID, Missing: "userId"}
	case rec.EventID == nil:
		return nil, &IncompleteRecordError{TransactionID: rec.TransactionID, Missing: "eventId"}
	}

	sctx, cancel := s.settleCtx(ctx)
	defer cancel()
	after, moved, err := s.repo.TransitionFromPending(sctx, rec.TransactionID, domain.StatusSuccess,
		func(r *domain.PaymentRecord) {
			r.ProcessorStatus = intent.Status
			if intent.PaymentMethod != "" {
				pm := intent.PaymentMethod
				r.PaymentMethod = &pm
			}
		},
		func(ctx context.Context, r *domain.PaymentRecord) error {
			return s.publish(ctx, r, events.StatusSuccess, "Payment completed successfully")
		})
	if err != nil {
		return nil, s.transitionErr(err)
	}
	if moved {
		log.Info("payment succeeded, outcome published")
	} else {
		log.Info("payment already reconciled by another call", zap.String("status", string(after.Status)))
	}
	return &ConfirmResult{Outcome: after.Status, ProcessorStatus: intent.Status, BookingID: after.BookingID, Published: moved}, nil
}

func (s *PaymentSvc) markFailed(ctx context.Context, rec *domain.PaymentRecord, cause error) (*ConfirmResult, error) {
	reason := "Payment verification failed: " + cause.Error()
	sctx, cancel := s.settleCtx(ctx)
	defer cancel()
	_, _, err := s.repo.TransitionFromPending(sctx, rec.TransactionID, domain.StatusFailed,
		func(r *domain.PaymentRecord) {
			r.ProcessorStatus = "error"
			r.FailureReason = reason
		},
		func(ctx context.Context, r *domain.PaymentRecord) error {
			return s.publish(ctx, r, events.StatusFailed, reason)
		})
	if err != nil {
		return nil, errors.Join(cause, s.transitionErr(err))
	}
	return nil, cause
}

// settleCtx keeps the caller's values but not its cancellation: once an
// outcome is confirmed by the broker the record update must still commit.
func (s *PaymentSvc) settleCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SettleTimeout)
}

func (s *PaymentSvc) transitionErr(err error) error {
	var pe *PublishError
	switch {
	case errors.As(err, &pe):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	default:
		return &PersistenceError{Op: "transition payment", Err: err}
	}
}

func (s *PaymentSvc) publish(ctx context.Context, r *domain.PaymentRecord, status, text string) error {
	msg := events.PaymentOutcomeMessage{
		BookingID:     r.BookingID,
		Status:        status,
		TransactionID: r.TransactionID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Timestamp:     events.NewTimestamp(s.now()),
		Message:       text,
	}
	if r.UserID != nil {
		msg.UserID = *r.UserID
	}
	if r.EventID != nil {
		msg.EventID = *r.EventID
	}
	key := msg.RoutingKey()
	if err := s.pub.PublishJSON(ctx, key, r.TransactionID+":"+status, msg); err != nil {
		return &PublishError{Key: key, Err: err}
	}
	return nil
}

// ---------- queries and cancel ----------

func (s *PaymentSvc) GetIntent(ctx context.Context, id string) (*processor.Intent, error) {
	return s.retrieve(ctx, id)
}

// Cancel cancels the intent at the processor and fails a PENDING record
// without publishing; no ticket was ever due for it.
func (s *PaymentSvc) Cancel(ctx context.Context, id string) (*processor.Intent, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	intent, err := s.proc.CancelIntent(pctx, id)
	if err != nil {
		return nil, err
	}
	sctx, scancel := s.settleCtx(ctx)
	defer scancel()
	_, moved, err := s.repo.TransitionFromPending(sctx, id, domain.StatusFailed, func(r *domain.PaymentRecord) {
		r.ProcessorStatus = intent.Status
		r.FailureReason = "cancelled"
	}, nil)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.log.Warn("cancelled intent has no local record", zap.String("transaction_id", id))
	case err != nil:
		return nil, &PersistenceError{Op: "cancel payment", Err: err}
	case moved:
		s.log.Info("payment cancelled", zap.String("transaction_id", id))
	}
	return intent, nil
}

func (s *PaymentSvc) History(ctx context.Context, userID int64) ([]domain.PaymentRecord, error) {
	if userID <= 0 {
		return nil, invalid("userId", "must be positive")
	}
	out, err := s.repo.History(ctx, userID)
	if err != nil {
		return nil, &PersistenceError{Op: "payment history", Err: err}
	}
	return out, nil
}

// HandleWebhook re-runs reconciliation for the intent a verified provider
// callback points at. Auto-confirm is never applied here.
func (s *PaymentSvc) HandleWebhook(ctx context.Context, payload []byte, header http.Header) error {
	id, err := s.proc.IntentFromWebhook(ctx, payload, header)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	rec, err := s.lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.log.Warn("webhook for unknown intent", zap.String("transaction_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.reconcile(ctx, rec, "")
	return err
}

func (s *PaymentSvc) retrieve(ctx context.Context, id string) (*processor.Intent, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	defer cancel()
	return s.proc.RetrieveIntent(pctx, id)
}

func (s *PaymentSvc) lookup(ctx context.Context, txID string) (*domain.PaymentRecord, error) {
	rec, err := s.repo.ByTransactionID(ctx, txID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load payment", Err: err}
	}
	return rec, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
