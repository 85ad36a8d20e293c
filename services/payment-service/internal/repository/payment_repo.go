package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/you/eventhub-ticketing/services/payment-service/internal/domain"
)

var (
	ErrNotFound  = errors.New("payment_record_not_found")
	ErrDuplicate = errors.New("payment_record_exists")
	// ErrLostRace means the guarded update matched no PENDING row.
	ErrLostRace = errors.New("payment_record_not_pending")
)

type PaymentRepo struct{ db *gorm.DB }

func NewPaymentRepo(db *gorm.DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

func (r *PaymentRepo) Migrate() error {
	return r.db.AutoMigrate(&domain.PaymentRecord{})
}

func (r *PaymentRepo) Create(ctx context.Context, rec *domain.PaymentRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *PaymentRepo) ByTransactionID(ctx context.Context, txID string) (*domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	err := r.db.WithContext(ctx).First(&rec, "transaction_id = ?", txID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// History lists a user's payments, newest first.
func (r *PaymentRepo) History(ctx context.Context, userID int64) ([]domain.PaymentRecord, error) {
	var out []domain.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Find(&out).Error
	return out, err
}

// TouchPending stores the latest raw processor status on a record that is
// still PENDING. Terminal records are left alone.
func (r *PaymentRepo) TouchPending(ctx context.Context, txID, processorStatus string) error {
	return r.db.WithContext(ctx).Model(&domain.PaymentRecord{}).
		Where("transaction_id = ? AND status = ?", txID, domain.StatusPending).
		Updates(map[string]any{"processor_status": processorStatus, "updated_at": time.Now().UTC()}).Error
}

// TransitionFromPending moves a PENDING record to a terminal status inside
// one transaction holding the row lock:
//
//  1. lock the row; if it is no longer PENDING return it with moved=false
//  2. let mutate fill the new fields, then apply them with a status guard
//  3. run onMoved (the outcome publish); an error rolls everything back
//
// Two callers racing on the same transaction id serialize on the lock, the
// second one sees the terminal status and does nothing.
func (r *PaymentRepo) TransitionFromPending(
	ctx context.Context,
	txID string,
	to domain.PaymentStatus,
	mutate func(rec *domain.PaymentRecord),
	onMoved func(ctx context.Context, rec *domain.PaymentRecord) error,
) (rec *domain.PaymentRecord, moved bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur domain.PaymentRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cur, "transaction_id = ?", txID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rec = &cur
		if cur.Status != domain.StatusPending {
			return nil
		}

		if mutate != nil {
			mutate(&cur)
		}
		cur.Status = to
		cur.UpdatedAt = time.Now().UTC()
		res := tx.Model(&domain.PaymentRecord{}).
			Where("id = ? AND status = ?", cur.ID, domain.StatusPending).
			Updates(map[string]any{
				"status":           cur.Status,
				"processor_status": cur.ProcessorStatus,
				"payment_method":   cur.PaymentMethod,
				"failure_reason":   cur.FailureReason,
				"updated_at":       cur.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrLostRace
		}
		if onMoved != nil {
			if err := onMoved(ctx, &cur); err != nil {
				return err
			}
		}
		moved = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, moved, nil
}
