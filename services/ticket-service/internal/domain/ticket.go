package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketActive    TicketStatus = "ACTIVE"
	TicketConfirmed TicketStatus = "CONFIRMED"
	TicketUsed      TicketStatus = "USED"
)

// Usable tickets can still be validated at the door.
func (s TicketStatus) Usable() bool {
	return s == TicketActive || s == TicketConfirmed
}

type Ticket struct {
	ID             string          `gorm:"primaryKey;size:36"`
	TicketNumber   string          `gorm:"uniqueIndex;size:16;not null"`
	RegistrationID int64           `gorm:"index;not null"` // booking id
	EventID        int64           `gorm:"index;not null"`
	UserID         int64           `gorm:"index;not null"`
	Status         TicketStatus    `gorm:"size:16;not null"` // ACTIVE|CONFIRMED|USED
	IssuedAt       time.Time       `gorm:"not null"`
	QRPayload      string          `gorm:"not null"`
	SeatNumber     *string         `gorm:"size:32"`
	Price          decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TransactionID  *string         `gorm:"uniqueIndex;size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProcessedPayment marks a payment transaction as already turned into a
// ticket. Written in the same transaction as the ticket.
type ProcessedPayment struct {
	TransactionID string `gorm:"primaryKey;size:255"`
	TicketID      string `gorm:"size:36;not null"`
	ProcessedAt   time.Time
}

// NewTicketNumber returns "TKT-" and eight upper-case hex characters.
func NewTicketNumber() string {
	return "TKT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
