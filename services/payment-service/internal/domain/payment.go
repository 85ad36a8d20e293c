package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending PaymentStatus = "PENDING"
	StatusSuccess PaymentStatus = "SUCCESS"
	StatusFailed  PaymentStatus = "FAILED"
)

// Terminal statuses never change again.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// PaymentRecord is the local view of one processor payment intent.
// TransactionID is the processor's intent id and never changes.
type PaymentRecord struct {
	ID              uint            `gorm:"primaryKey"`
	TransactionID   string          `gorm:"uniqueIndex;size:255;not null"`
	BookingID       int64           `gorm:"index;not null"`
	UserID          *int64          `gorm:"index"`
	EventID         *int64          `gorm:"index"`
	Amount          decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Currency        string          `gorm:"size:3;not null"`
	Status          PaymentStatus   `gorm:"index;size:16;not null"` // PENDING|SUCCESS|FAILED
	ProcessorStatus string          `gorm:"size:64"`
	PaymentMethod   *string
	CustomerEmail   *string
	Description     string
	FailureReason   string
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}
