package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/you/eventhub-ticketing/pkg/events"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/domain"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/processor"
	"github.com/you/eventhub-ticketing/services/payment-service/internal/repository"
)

type fakeProcessor struct {
	mu          sync.Mutex
	createFn    func(processor.CreateIntentParams) (*processor.Intent, error)
	retrieveFn  func(id string) (*processor.Intent, error)
	confirmFn   func(id, pm string) (*processor.Intent, error)
	cancelFn    func(id string) (*processor.Intent, error)
	webhookFn   func(payload []byte) (string, error)
	created     []processor.CreateIntentParams
	confirmedPM []string
}

func (f *fakeProcessor) Name() string { return "fake" }

func (f *fakeProcessor) CreateIntent(_ context.Context, p processor.CreateIntentParams) (*processor.Intent, error) {
	f.mu.Lock()
	f.created = append(f.created, p)
	f.mu.Unlock()
	return f.createFn(p)
}

func (f *fakeProcessor) RetrieveIntent(_ context.Context, id string) (*processor.Intent, error) {
	return f.retrieveFn(id)
}

func (f *fakeProcessor) ConfirmIntent(_ context.Context, id, pm string) (*processor.Intent, error) {
	f.mu.Lock()
	f.confirmedPM = append(f.confirmedPM, pm)
	f.mu.Unlock()
	if f.confirmFn == nil {
		return nil, processor.ErrUnsupported
	}
	return f.confirmFn(id, pm)
}

func (f *fakeProcessor) CancelIntent(_ context.Context, id string) (*processor.Intent, error) {
	return f.cancelFn(id)
}

func (f *fakeProcessor) IntentFromWebhook(_ context.Context, payload []byte, _ http.Header) (string, error) {
	return f.webhookFn(payload)
}

type published struct {
	key string
	id  string
	msg events.PaymentOutcomeMessage
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
	// afterPublish runs once the message counts as confirmed.
	afterPublish func()
}

func (f *fakePublisher) PublishJSON(_ context.Context, key, id string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{key: key, id: id, msg: v.(events.PaymentOutcomeMessage)})
	if f.afterPublish != nil {
		f.afterPublish()
	}
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestRepo(t *testing.T) *repository.PaymentRepo {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewPaymentRepo(gdb)
	require.NoError(t, repo.Migrate())
	return repo
}

type fixture struct {
	svc  *PaymentSvc
	repo *repository.PaymentRepo
	proc *fakeProcessor
	pub  *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	repo := newTestRepo(t)
	proc := &fakeProcessor{
		createFn: func(p processor.CreateIntentParams) (*processor.Intent, error) {
			return &processor.Intent{
				ID: "pi_1", ClientSecret: "pi_1_secret", Amount: p.Amount,
				Currency: p.Currency, Status: "requires_payment_method",
			}, nil
		},
	}
	pub := &fakePublisher{}
	svc := NewPaymentSvc(repo, proc, pub, Config{
		ProcessorTimeout:         time.Second,
		AutoConfirmPaymentMethod: "pm_card_visa",
	}, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, repo: repo, proc: proc, pub: pub}
}

func int64p(v int64) *int64 { return &v }

func (f *fixture) createPending(t *testing.T) {
	t.Helper()
	_, err := f.svc.CreateIntent(context.Background(), CreateIntentInput{
		BookingID: 42,
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  "USD",
		UserID:    int64p(7),
		EventID:   int64p(3),
	})
	require.NoError(t, err)
}

func succeeded(id string) (*processor.Intent, error) {
	return &processor.Intent{ID: id, Status: processor.StatusSucceeded, PaymentMethod: "pm_card_visa"}, nil
}

func TestCreateIntentRecordsPending(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.CreateIntent(context.Background(), CreateIntentInput{
		BookingID:     42,
		Amount:        decimal.RequireFromString("100.00"),
		Currency:      "USD",
		UserID:        int64p(7),
		EventID:       int64p(3),
		CustomerEmail: "fan@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "pi_1", resp.PaymentIntentID)
	require.Equal(t, "pi_1_secret", resp.ClientSecret)
	require.EqualValues(t, 10000, resp.Amount)
	require.Equal(t, "usd", resp.Currency)

	require.Len(t, f.proc.created, 1)
	sent := f.proc.created[0]
	require.EqualValues(t, 10000, sent.Amount)
	require.Equal(t, "42", sent.Metadata["bookingId"])
	require.Equal(t, "Event Ticket Booking #42", sent.Description)
	require.Equal(t, "fan@example.com", sent.ReceiptEmail)

	rec, err := f.repo.ByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)
	require.EqualValues(t, 7, *rec.UserID)
	require.Zero(t, f.pub.count())
}

func TestCreateIntentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []CreateIntentInput{
		{BookingID: 0, Amount: decimal.NewFromInt(10), Currency: "usd"},
		{BookingID: 1, Amount: decimal.Zero, Currency: "usd"},
		{BookingID: 1, Amount: decimal.NewFromInt(-5), Currency: "usd"},
		{BookingID: 1, Amount: decimal.NewFromInt(10), Currency: " "},
		{BookingID: 1, Amount: decimal.RequireFromString("10.001"), Currency: "usd"},
	}
	for _, in := range cases {
		_, err := f.svc.CreateIntent(ctx, in)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	}
	require.Empty(t, f.proc.created)
}

func TestCreateIntentProcessorFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.proc.createFn = func(processor.CreateIntentParams) (*processor.Intent, error) {
		return nil, &processor.Error{Op: "create intent", Code: "card_declined", Message: "declined"}
	}

	_, err := f.svc.CreateIntent(context.Background(), CreateIntentInput{
		BookingID: 42, Amount: decimal.NewFromInt(100), Currency: "usd",
	})
	var pe *processor.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "card_declined", pe.Code)

	_, err = f.repo.ByTransactionID(context.Background(), "pi_1")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

// scenario: a succeeded intent publishes exactly one SUCCESS message
func TestConfirmSucceeded(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.retrieveFn = succeeded

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{BookingID: 42, PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, res.Outcome)
	require.True(t, res.Published)

	require.Equal(t, 1, f.pub.count())
	got := f.pub.sent[0]
	require.Equal(t, events.RKPaymentSuccess, got.key)
	require.Equal(t, "pi_1:SUCCESS", got.id)
	require.Equal(t, events.StatusSuccess, got.msg.Status)
	require.EqualValues(t, 42, got.msg.BookingID)
	require.EqualValues(t, 7, got.msg.UserID)
	require.EqualValues(t, 3, got.msg.EventID)
	require.True(t, got.msg.Amount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, "Payment completed successfully", got.msg.Message)

	rec, err := f.repo.ByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, rec.Status)
	require.Equal(t, "pm_card_visa", *rec.PaymentMethod)

	// a repeated confirm is a no-op
	res, err = f.svc.Confirm(context.Background(), ConfirmInput{BookingID: 42, PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, res.Outcome)
	require.False(t, res.Published)
	require.Equal(t, 1, f.pub.count())
}

func TestConfirmAutoConfirmsBeforeDeciding(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.retrieveFn = func(id string) (*processor.Intent, error) {
		return &processor.Intent{ID: id, Status: "requires_payment_method"}, nil
	}
	f.proc.confirmFn = func(id, _ string) (*processor.Intent, error) { return succeeded(id) }

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, res.Outcome)
	require.Equal(t, []string{"pm_card_visa"}, f.proc.confirmedPM)
	require.Equal(t, 1, f.pub.count())
}

// scenario: not yet succeeded stays PENDING and publishes nothing
func TestConfirmStillPending(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.retrieveFn = func(id string) (*processor.Intent, error) {
		return &processor.Intent{ID: id, Status: "requires_action"}, nil
	}
	f.proc.confirmFn = func(string, string) (*processor.Intent, error) {
		return nil, &processor.Error{Op: "confirm intent", Code: "payment_intent_unexpected_state"}
	}

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{BookingID: 42, PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, res.Outcome)
	require.Equal(t, "requires_action", res.ProcessorStatus)
	require.False(t, res.Published)
	require.Zero(t, f.pub.count())

	rec, err := f.repo.ByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)
	require.Equal(t, "requires_action", rec.ProcessorStatus)
}

// scenario: processor error marks FAILED and publishes FAILED
func TestConfirmProcessorErrorFails(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.retrieveFn = func(string) (*processor.Intent, error) {
		return nil, &processor.Error{Op: "retrieve intent", Message: "processor unavailable"}
	}

	_, err := f.svc.Confirm(context.Background(), ConfirmInput{BookingID: 42, PaymentIntentID: "pi_1"})
	var pe *processor.Error
	require.ErrorAs(t, err, &pe)

	require.Equal(t, 1, f.pub.count())
	got := f.pub.sent[0]
	require.Equal(t, events.RKPaymentFailed, got.key)
	require.Equal(t, events.StatusFailed, got.msg.Status)
	require.Contains(t, got.msg.Message, "Payment verification failed")

	rec, err := f.repo.ByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec.Status)
	require.Contains(t, rec.FailureReason, "processor unavailable")

	// terminal: a later success report changes nothing
	f.proc.retrieveFn = succeeded
	res, err := f.svc.Confirm(context.Background(), ConfirmInput{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, res.Outcome)
	require.Equal(t, 1, f.pub.count())
}

func TestConfirmPublishFailureKeepsPending(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.retrieveFn = succeeded
	f.pub.err = errors.New("nacked")

	_, err := f.svc.Confirm(context.Background(), ConfirmInput{PaymentIntentID: "pi_1"})
	var pe *PublishError
	require.ErrorAs(t, err, &pe)

	rec, err := f.repo.ByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)

	// the client retries once the broker is back
	f.pub.err = nil
	res, err := f.svc.Confirm(context.Background(), ConfirmInput{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.True(t, res.Published)
	require.Equal(t, 1, f.pub.count())
}

func TestConfirmRefusesIncompleteRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateIntent(context.Background(), CreateIntentInput{
		BookingID: 42, Amount: decimal.NewFromInt(100), Currency: "usd", UserID: int64p(7),
	})
	require.NoError(t, err)
	f.proc.retrieveFn = succeeded

	_, err = f.svc.Confirm(context.Background(), ConfirmInput{PaymentIntentID: "pi_1"})
	var ie *IncompleteRecordError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, "eventId", ie.Missing)
	require.Zero(t, f.pub.count())

	rec, err := f.repo.ByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)
}

func TestConfirmUnknownAndMismatched(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Confirm(context.Background(), ConfirmInput{PaymentIntentID: "pi_nope"})
	require.ErrorIs(t, err, ErrNotFound)

	f.createPending(t)
	_, err = f.svc.Confirm(context.Background(), ConfirmInput{BookingID: 99, PaymentIntentID: "pi_1"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.Confirm(context.Background(), ConfirmInput{})
	require.ErrorAs(t, err, &ve)
}

// scenario: concurrent confirms publish once
func TestConcurrentConfirmPublishesOnce(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.retrieveFn = succeeded

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *ConfirmResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Confirm(context.Background(), ConfirmInput{PaymentIntentID: "pi_1"})
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	published := 0
	for res := range results {
		require.Equal(t, domain.StatusSuccess, res.Outcome)
		if res.Published {
			published++
		}
	}
	require.Equal(t, 1, published)
	require.Equal(t, 1, f.pub.count())
}

// The caller going away between the broker confirm and the commit must not
// leave the record PENDING, or the next confirm would publish again.
func TestConfirmCommitsAfterCallerCancels(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.retrieveFn = succeeded

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pub.afterPublish = cancel

	res, err := f.svc.Confirm(ctx, ConfirmInput{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.True(t, res.Published)
	require.EqualValues(t, 42, res.BookingID)
	require.Error(t, ctx.Err())

	rec, err := f.repo.ByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, rec.Status)

	f.pub.afterPublish = nil
	res, err = f.svc.Confirm(context.Background(), ConfirmInput{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.False(t, res.Published)
	require.Equal(t, 1, f.pub.count())
}

func TestCancelFailsPendingWithoutPublishing(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.cancelFn = func(id string) (*processor.Intent, error) {
		return &processor.Intent{ID: id, Status: "canceled"}, nil
	}

	intent, err := f.svc.Cancel(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, "canceled", intent.Status)
	require.Zero(t, f.pub.count())

	rec, err := f.repo.ByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec.Status)

	// unknown locally is still a successful cancel
	_, err = f.svc.Cancel(context.Background(), "pi_elsewhere")
	require.NoError(t, err)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)

	out, err := f.svc.History(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = f.svc.History(context.Background(), 0)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestHandleWebhookReconcilesWithoutAutoConfirm(t *testing.T) {
	f := newFixture(t)
	f.createPending(t)
	f.proc.webhookFn = func([]byte) (string, error) { return "pi_1", nil }
	f.proc.retrieveFn = func(id string) (*processor.Intent, error) {
		return &processor.Intent{ID: id, Status: "processing"}, nil
	}

	require.NoError(t, f.svc.HandleWebhook(context.Background(), []byte(`{}`), http.Header{}))
	require.Empty(t, f.proc.confirmedPM)
	require.Zero(t, f.pub.count())

	f.proc.retrieveFn = succeeded
	require.NoError(t, f.svc.HandleWebhook(context.Background(), []byte(`{}`), http.Header{}))
	require.Equal(t, 1, f.pub.count())

	f.proc.webhookFn = func([]byte) (string, error) { return "pi_unknown", nil }
	require.NoError(t, f.svc.HandleWebhook(context.Background(), []byte(`{}`), http.Header{}))

	f.proc.webhookFn = func([]byte) (string, error) { return "", nil }
	require.NoError(t, f.svc.HandleWebhook(context.Background(), []byte(`{}`), http.Header{}))
}
