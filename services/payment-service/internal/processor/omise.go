package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// Omise maps the intent lifecycle onto Omise charges: an intent is a
// PromptPay charge, "successful" reads as succeeded, cancel reverses.
type Omise struct {
	omc *omise.Client
}

// NewOmise builds an Omise client whose HTTP calls are capped at timeout, so
// an abandoned call in do cannot hang on a dead connection.
func NewOmise(publicKey, secretKey string, timeout time.Duration) (*Omise, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, err
	}
	c.SetDebug(false)
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	c.Client.Timeout = timeout
	return &Omise{omc: c}, nil
}

func (o *Omise) Name() string { return "omise" }

// do runs a blocking SDK call but gives up when ctx ends.
func (o *Omise) do(ctx context.Context, op string, call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()
	select {
	case err := <-done:
		if err != nil {
			return omiseErr(op, err)
		}
		return nil
	case <-ctx.Done():
		return &Error{Op: op, Message: ctx.Err().Error(), Err: ctx.Err()}
	}
}

func (o *Omise) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	src := &omise.Source{}
	if err := o.do(ctx, "create source", func() error {
		return o.omc.Do(src, &operations.CreateSource{
			Type:     "promptpay",
			Amount:   p.Amount,
			Currency: p.Currency,
		})
	}); err != nil {
		return nil, err
	}

	meta := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if p.Description != "" {
		meta["description"] = p.Description
	}
	ch := &omise.Charge{}
	if err := o.do(ctx, "create intent", func() error {
		return o.omc.Do(ch, &operations.CreateCharge{
			Amount:   p.Amount,
			Currency: p.Currency,
			Source:   src.ID,
			Metadata: meta,
		})
	}); err != nil {
		return nil, err
	}
	return fromOmise(ch), nil
}

func (o *Omise) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	ch := &omise.Charge{}
	if err := o.do(ctx, "retrieve intent", func() error { return o.omc.Do(ch, &operations.RetrieveCharge{ChargeID: id}) }); err != nil {
		return nil, err
	}
	return fromOmise(ch), nil
}

// ConfirmIntent has no Omise equivalent; PromptPay charges complete when the
// payer scans the code.
func (o *Omise) ConfirmIntent(context.Context, string, string) (*Intent, error) {
	return nil, ErrUnsupported
}

func (o *Omise) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	ch := &omise.Charge{}
	if err := o.do(ctx, "cancel intent", func() error { return o.omc.Do(ch, &operations.ReverseCharge{ChargeID: id}) }); err != nil {
		return nil, err
	}
	return fromOmise(ch), nil
}

type omiseHook struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// IntentFromWebhook trusts nothing in the payload but the event id; the
// event itself is fetched back from Omise.
func (o *Omise) IntentFromWebhook(ctx context.Context, payload []byte, _ http.Header) (string, error) {
	var inc omiseHook
	if err := json.Unmarshal(payload, &inc); err != nil || inc.ID == "" {
		return "", &Error{Op: "decode webhook", Code: "bad_request", HTTPStatus: http.StatusBadRequest, Message: "malformed event"}
	}
	ev := &omise.Event{}
	if err := o.do(ctx, "retrieve event", func() error { return o.omc.Do(ev, &operations.RetrieveEvent{EventID: inc.ID}) }); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			pe.HTTPStatus = http.StatusUnauthorized
		}
		return "", err
	}
	if ev.Key != "charge.complete" {
		return "", nil
	}
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return "", &Error{Op: "decode webhook", Message: err.Error(), Err: err}
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return "", &Error{Op: "decode webhook", Message: err.Error(), Err: err}
	}
	return ch.ID, nil
}

func fromOmise(ch *omise.Charge) *Intent {
	in := &Intent{
		ID:           ch.ID,
		ClientSecret: ch.AuthorizeURI,
		Amount:       ch.Amount,
		Currency:     ch.Currency,
		Status:       omiseStatus(string(ch.Status)),
		Metadata:     map[string]string{},
	}
	for k, v := range ch.Metadata {
		in.Metadata[k] = fmt.Sprint(v)
	}
	if ch.Source != nil && ch.Source.Type != "" {
		in.PaymentMethod = ch.Source.Type
	} else if in.Status == StatusSucceeded {
		in.PaymentMethod = "card"
	}
	return in
}

func omiseStatus(s string) string {
	switch s {
	case "successful":
		return StatusSucceeded
	default:
		return s
	}
}

func omiseErr(op string, err error) error {
	var oe *omise.Error
	if errors.As(err, &oe) {
		return &Error{Op: op, Code: oe.Code, Message: oe.Message, Err: err}
	}
	return &Error{Op: op, Message: err.Error(), Err: err}
}
