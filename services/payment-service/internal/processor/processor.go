// Package processor hides the payment provider behind a small intent API.
// Provider states are normalized to the Stripe vocabulary so the reconciler
// only needs to know that "succeeded" means the money was captured.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const StatusSucceeded = "succeeded"

// ErrUnsupported is returned for operations a provider has no equivalent for.
var ErrUnsupported = errors.New("operation not supported by processor")

type Intent struct {
	ID            string
	ClientSecret  string
	Amount        int64 // minor units
	Currency      string
	Status        string
	PaymentMethod string
	Metadata      map[string]string
}

func (i *Intent) Succeeded() bool { return i.Status == StatusSucceeded }

type CreateIntentParams struct {
	Amount       int64 // minor units
	Currency     string
	Description  string
	ReceiptEmail string
	Metadata     map[string]string
}

// Processor is the subset of a payment provider the payment service uses.
type Processor interface {
	Name() string
	CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*Intent, error)
	ConfirmIntent(ctx context.Context, id, paymentMethod string) (*Intent, error)
	CancelIntent(ctx context.Context, id string) (*Intent, error)
	// IntentFromWebhook authenticates a provider callback and returns the
	// intent id it refers to, or "" when the event is not about an intent.
	IntentFromWebhook(ctx context.Context, payload []byte, header http.Header) (string, error)
}

// Error is a provider rejection. Code carries the provider's error code.
type Error struct {
	Op         string
	Code       string
	HTTPStatus int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) NotFound() bool {
	return e.HTTPStatus == http.StatusNotFound || e.Code == "resource_missing" || e.Code == "not_found"
}
