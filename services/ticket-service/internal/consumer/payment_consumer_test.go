package consumer

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/eventhub-ticketing/pkg/events"
	"github.com/you/eventhub-ticketing/pkg/mq"
	"github.com/you/eventhub-ticketing/services/ticket-service/internal/domain"
	"github.com/you/eventhub-ticketing/services/ticket-service/internal/service"
)

type fakeIssuer struct {
	calls []events.PaymentOutcomeMessage
	err   error
}

func (f *fakeIssuer) IssueFromPayment(_ context.Context, msg events.PaymentOutcomeMessage) (*domain.Ticket, bool, error) {
	f.calls = append(f.calls, msg)
	if f.err != nil {
		return nil, false, f.err
	}
	return &domain.Ticket{TicketNumber: "TKT-0000000A"}, true, nil
}

const successBody = `{"bookingId":42,"userId":7,"eventId":3,"status":"SUCCESS","transactionId":"pi_1","amount":"100","currency":"usd","timestamp":"2024-05-01T12:00:00","message":"Payment completed successfully"}`

func TestHandleSuccess(t *testing.T) {
	iss := &fakeIssuer{}
	pc := NewPaymentConsumer(iss, zap.NewNop())

	err := pc.Handle(context.Background(), amqp.Delivery{RoutingKey: events.RKPaymentSuccess, Body: []byte(successBody)})
	require.NoError(t, err)
	require.Len(t, iss.calls, 1)
	require.Equal(t, "pi_1", iss.calls[0].TransactionID)
	require.EqualValues(t, 42, iss.calls[0].BookingID)
}

func TestHandleFailedOutcomeIsAcked(t *testing.T) {
	iss := &fakeIssuer{}
	pc := NewPaymentConsumer(iss, zap.NewNop())

	body := `{"bookingId":42,"status":"FAILED","transactionId":"pi_1","amount":"100","currency":"usd","timestamp":"2024-05-01T12:00:00","message":"Payment verification failed: boom"}`
	err := pc.Handle(context.Background(), amqp.Delivery{RoutingKey: events.RKPaymentFailed, Body: []byte(body)})
	require.NoError(t, err)
	require.Empty(t, iss.calls)
}

func TestHandleMalformedIsPermanent(t *testing.T) {
	pc := NewPaymentConsumer(&fakeIssuer{}, zap.NewNop())

	err := pc.Handle(context.Background(), amqp.Delivery{Body: []byte("{not json")})
	require.Error(t, err)
	require.True(t, mq.IsPermanent(err))
}

func TestHandleValidationIsPermanent(t *testing.T) {
	iss := &fakeIssuer{err: &service.ValidationError{Msg: "userId is required"}}
	pc := NewPaymentConsumer(iss, zap.NewNop())

	err := pc.Handle(context.Background(), amqp.Delivery{Body: []byte(successBody)})
	require.True(t, mq.IsPermanent(err))
}

func TestHandleStoreErrorIsRetried(t *testing.T) {
	boom := errors.New("database is locked")
	pc := NewPaymentConsumer(&fakeIssuer{err: boom}, zap.NewNop())

	err := pc.Handle(context.Background(), amqp.Delivery{Body: []byte(successBody)})
	require.ErrorIs(t, err, boom)
	require.False(t, mq.IsPermanent(err))
}
