package consumer

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/you/eventhub-ticketing/pkg/events"
	"github.com/you/eventhub-ticketing/pkg/mq"
	"github.com/you/eventhub-ticketing/services/ticket-service/internal/domain"
	"github.com/you/eventhub-ticketing/services/ticket-service/internal/service"
)

type Issuer interface {
	IssueFromPayment(ctx context.Context, msg events.PaymentOutcomeMessage) (*domain.Ticket, bool, error)
}

// PaymentConsumer turns payment outcome messages into tickets.
type PaymentConsumer struct {
	issuer Issuer
	log    *zap.Logger
}

func NewPaymentConsumer(issuer Issuer, log *zap.Logger) *PaymentConsumer {
	return &PaymentConsumer{issuer: issuer, log: log.Named("payment-consumer")}
}

// Handle is an mq.Handler. Bad payloads are permanent, store failures are
// returned as-is so the delivery is retried.
func (pc *PaymentConsumer) Handle(ctx context.Context, d amqp.Delivery) error {
	msg, err := events.Decode[events.PaymentOutcomeMessage](d.Body)
	if err != nil {
		return mq.Permanent(err)
	}
	log := pc.log.With(
		zap.String("transaction_id", msg.TransactionID),
		zap.String("status", msg.Status),
		zap.Int64("booking_id", msg.BookingID))

	if msg.Status != events.StatusSuccess {
		// failed payments issue nothing
		log.Info("payment not successful, skipping", zap.String("message", msg.Message))
		return nil
	}

	_, _, err = pc.issuer.IssueFromPayment(ctx, msg)
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		return mq.Permanent(err)
	}
	return err
}

// Run blocks on c until ctx is done.
func (pc *PaymentConsumer) Run(ctx context.Context, c *mq.Consumer) error {
	pc.log.Info("consuming payment outcomes")
	return c.Run(ctx, pc.Handle)
}
