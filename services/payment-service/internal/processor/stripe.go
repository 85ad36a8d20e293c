package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type Stripe struct {
	api           *client.API
	webhookSecret string
}

// NewStripe builds a Stripe client whose HTTP calls are capped at timeout on
// top of any context deadline.
func NewStripe(secretKey, webhookSecret string, timeout time.Duration) *Stripe {
	httpClient := &http.Client{Timeout: timeout}
	return &Stripe{
		api:           client.New(secretKey, stripe.NewBackends(httpClient)),
		webhookSecret: webhookSecret,
	}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(p.Amount),
		Currency:           stripe.String(p.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	if p.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(p.ReceiptEmail)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, stripeErr("create intent", err)
	}
	return fromStripe(pi), nil
}

func (s *Stripe) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, stripeErr("retrieve intent", err)
	}
	return fromStripe(pi), nil
}

func (s *Stripe) ConfirmIntent(ctx context.Context, id, paymentMethod string) (*Intent, error) {
	params := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(paymentMethod)}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Confirm(id, params)
	if err != nil {
		return nil, stripeErr("confirm intent", err)
	}
	return fromStripe(pi), nil
}

func (s *Stripe) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, stripeErr("cancel intent", err)
	}
	return fromStripe(pi), nil
}

func (s *Stripe) IntentFromWebhook(_ context.Context, payload []byte, header http.Header) (string, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", &Error{Op: "verify webhook", Code: "signature_invalid", HTTPStatus: http.StatusUnauthorized, Message: err.Error(), Err: err}
	}
	switch evt.Type {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
	default:
		return "", nil
	}
	if evt.Data == nil {
		return "", nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return "", &Error{Op: "decode webhook", Message: err.Error(), Err: err}
	}
	return pi.ID, nil
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		in.PaymentMethod = pi.PaymentMethod.ID
	}
	return in
}

func stripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &Error{
			Op:         op,
			Code:       string(se.Code),
			HTTPStatus: se.HTTPStatusCode,
			Message:    se.Msg,
			Err:        err,
		}
	}
	return &Error{Op: op, Message: err.Error(), Err: err}
}
