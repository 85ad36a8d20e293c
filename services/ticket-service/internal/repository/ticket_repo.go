package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/you/eventhub-ticketing/services/ticket-service/internal/domain"
)

var (
	ErrNotFound  = errors.New("ticket_not_found")
	ErrNotUsable = errors.New("ticket_not_usable")
	ErrDuplicate = errors.New("ticket_exists")
)

type TicketRepo struct{ db *gorm.DB }

func NewTicketRepo(db *gorm.DB) *TicketRepo {
	return &TicketRepo{db: db}
}

func (r *TicketRepo) Migrate() error {
	return r.db.AutoMigrate(&domain.Ticket{}, &domain.ProcessedPayment{})
}

func (r *TicketRepo) Create(ctx context.Context, t *domain.Ticket) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// IssueIfNotProcessed stores t together with the processed marker for txID.
// When the marker already exists the ticket issued back then is returned and
// created is false. A unique violation from a concurrent worker is treated
// the same way.
func (r *TicketRepo) IssueIfNotProcessed(ctx context.Context, txID string, t *domain.Ticket) (_ *domain.Ticket, created bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1) already consumed -> skip
		var marker domain.ProcessedPayment
		err := tx.First(&marker, "transaction_id = ?", txID).Error
		if err == nil {
			existing, err := ticketByID(tx, marker.TicketID)
			if err != nil {
				return err
			}
			t = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		// 2) ticket + marker commit together
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		if err := tx.Create(&domain.ProcessedPayment{
			TransactionID: txID,
			TicketID:      t.ID,
			ProcessedAt:   time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, lookupErr := r.ByTransactionID(ctx, txID)
		if lookupErr != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, created, nil
}

func (r *TicketRepo) ByTransactionID(ctx context.Context, txID string) (*domain.Ticket, error) {
	var marker domain.ProcessedPayment
	err := r.db.WithContext(ctx).First(&marker, "transaction_id = ?", txID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ticketByID(r.db.WithContext(ctx), marker.TicketID)
}

func ticketByID(db *gorm.DB, id string) (*domain.Ticket, error) {
	var t domain.Ticket
	err := db.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TicketRepo) ByID(ctx context.Context, id string) (*domain.Ticket, error) {
	return ticketByID(r.db.WithContext(ctx), id)
}

func (r *TicketRepo) ByNumber(ctx context.Context, number string) (*domain.Ticket, error) {
	var t domain.Ticket
	err := r.db.WithContext(ctx).First(&t, "ticket_number = ?", number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TicketRepo) ByUser(ctx context.Context, userID int64) ([]domain.Ticket, error) {
	var out []domain.Ticket
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("issued_at DESC").Find(&out).Error
	return out, err
}

func (r *TicketRepo) ByEvent(ctx context.Context, eventID int64) ([]domain.Ticket, error) {
	var out []domain.Ticket
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Order("issued_at ASC").Find(&out).Error
	return out, err
}

// MarkUsed flips a usable ticket to USED under a row lock so two scanners
// cannot both admit the same ticket.
func (r *TicketRepo) MarkUsed(ctx context.Context, number string) (*domain.Ticket, error) {
	var t domain.Ticket
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&t, "ticket_number = ?", number).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !t.Status.Usable() {
			return ErrNotUsable
		}
		t.Status = domain.TicketUsed
		return tx.Model(&t).Update("status", domain.TicketUsed).Error
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}
