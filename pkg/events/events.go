package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RKPaymentSuccess = "payment.success"
	RKPaymentFailed  = "payment.failed"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusPending = "PENDING"
)

const timestampLayout = "2006-01-02T15:04:05"

// Timestamp is an ISO-8601 local date-time with seconds precision, always UTC.
type Timestamp struct{ time.Time }

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Second)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timestampLayout))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	// tolerate fractional seconds and zone suffixes from other producers
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.Parse(timestampLayout, strings.SplitN(s, ".", 2)[0])
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// PaymentOutcomeMessage is published once per terminal payment transition.
// TransactionID is the idempotency key on the consuming side.
type PaymentOutcomeMessage struct {
	BookingID     int64           `json:"bookingId"`
	UserID        int64           `json:"userId"`
	EventID       int64           `json:"eventId"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Timestamp     Timestamp       `json:"timestamp"`
	Message       string          `json:"message"`
}

// RoutingKey picks the topic key for the message status.
func (m PaymentOutcomeMessage) RoutingKey() string {
	if m.Status == StatusSuccess {
		return RKPaymentSuccess
	}
	return RKPaymentFailed
}

// Validate reports the first field a SUCCESS message cannot do without.
// Non-success messages only need a transaction id.
func (m PaymentOutcomeMessage) Validate() error {
	if strings.TrimSpace(m.TransactionID) == "" {
		return errors.New("transactionId is required")
	}
	if m.Status != StatusSuccess {
		return nil
	}
	switch {
	case m.BookingID <= 0:
		return errors.New("bookingId is required")
	case m.UserID <= 0:
		return errors.New("userId is required")
	case m.EventID <= 0:
		return errors.New("eventId is required")
	case !m.Amount.IsPositive():
		return errors.New("amount must be positive")
	}
	return nil
}

func Decode[T any](b []byte) (T, error) {
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		var zero T
		return zero, fmt.Errorf("decode payload failed: %w", err)
	}
	return t, nil
}
