package processor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

func TestFromStripe(t *testing.T) {
	in := fromStripe(&stripe.PaymentIntent{
		ID:            "pi_1",
		ClientSecret:  "pi_1_secret",
		Amount:        10000,
		Currency:      stripe.CurrencyUSD,
		Status:        stripe.PaymentIntentStatusSucceeded,
		PaymentMethod: &stripe.PaymentMethod{ID: "pm_card_visa"},
		Metadata:      map[string]string{"bookingId": "42"},
	})
	require.True(t, in.Succeeded())
	require.Equal(t, "usd", in.Currency)
	require.Equal(t, "pm_card_visa", in.PaymentMethod)
	require.Equal(t, "42", in.Metadata["bookingId"])
}

func TestStripeErrPreservesCode(t *testing.T) {
	err := stripeErr("retrieve intent", &stripe.Error{
		Code:           stripe.ErrorCodeResourceMissing,
		HTTPStatusCode: http.StatusNotFound,
		Msg:            "No such payment_intent",
	})
	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "resource_missing", pe.Code)
	require.True(t, pe.NotFound())

	err = stripeErr("retrieve intent", context.DeadlineExceeded)
	require.True(t, errors.As(err, &pe))
	require.False(t, pe.NotFound())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStripeWebhook(t *testing.T) {
	s := NewStripe("sk_test", "whsec_test", time.Second)

	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded",
		"data":{"object":{"id":"pi_123","object":"payment_intent","status":"succeeded"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test"})
	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)

	id, err := s.IntentFromWebhook(context.Background(), payload, h)
	require.NoError(t, err)
	require.Equal(t, "pi_123", id)

	other := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	signed = webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: other, Secret: "whsec_test"})
	h.Set("Stripe-Signature", signed.Header)
	id, err = s.IntentFromWebhook(context.Background(), other, h)
	require.NoError(t, err)
	require.Empty(t, id)

	h.Set("Stripe-Signature", "t=1,v1=deadbeef")
	_, err = s.IntentFromWebhook(context.Background(), payload, h)
	var pe *Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, http.StatusUnauthorized, pe.HTTPStatus)
}

func TestOmiseStatusNormalized(t *testing.T) {
	require.Equal(t, StatusSucceeded, omiseStatus("successful"))
	require.Equal(t, "pending", omiseStatus("pending"))
	require.Equal(t, "failed", omiseStatus("failed"))
}

func TestNewOmiseCapsHTTPCalls(t *testing.T) {
	o, err := NewOmise("pkey_test_5x0000000000000000", "skey_test_5x0000000000000000", 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, o.omc.Client)
	require.Equal(t, 3*time.Second, o.omc.Client.Timeout)
	require.Equal(t, "omise", o.Name())
}
