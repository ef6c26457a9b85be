package models

import (
	"time"

	"github.com/google/uuid"
)

type CopyStatus string

const (
	CopyStatusAvailable CopyStatus = "available"
)

// Location is a physical site holding copies. Reference data: created by
// administrators, never deleted in normal operation.
type Location struct {
	ID   uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name string    `gorm:"size:255;not null" json:"name"`
}

type Book struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ISBN        string    `gorm:"column:isbn;size:32;not null;uniqueIndex:uniq_books_isbn" json:"isbn"`
	Title       string    `gorm:"size:512;not null" json:"title"`
	Author      string    `gorm:"size:512;not null" json:"author"`
	Description string    `json:"description"`
	ImageURL    string    `gorm:"size:1024" json:"image_url"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
}

// Copy is one physical instance of a Book, identified by the scan code on its
// printed sticker. Status is display-only: availability is always derived from
// the absence of an open Loan, never from this column.
type Copy struct {
	QRCodeID   string     `gorm:"column:qr_code_id;size:16;primaryKey" json:"qr_code_id"`
	BookID     uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:uniq_book_copy_number" json:"book_id"`
	Book       Book       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	LocationID uuid.UUID  `gorm:"type:uuid;not null;index" json:"location_id"`
	Location   Location   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	CopyNumber int        `gorm:"not null;uniqueIndex:uniq_book_copy_number" json:"copy_number"`
	Status     CopyStatus `gorm:"size:32;not null;default:available" json:"status"`
}

// Loan is an append-only borrowing event. Returning sets ReturnedAt; rows are
// never deleted or otherwise mutated. The partial unique index uniq_open_loan
// (qr_code_id WHERE returned_at IS NULL) is the load-bearing constraint that
// makes concurrent borrows on the same copy safe. gorm index tags cannot
// express the partial index, so the DDL in scripts/schema.sql is authoritative.
type Loan struct {
	ID               uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	QRCodeID         string     `gorm:"column:qr_code_id;size:16;not null;index" json:"qr_code_id"`
	Copy             Copy       `gorm:"foreignKey:QRCodeID;references:QRCodeID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	UserID           int64      `gorm:"not null;index" json:"user_id"`
	Username         string     `gorm:"size:255" json:"username"`
	BorrowedAt       time.Time  `gorm:"not null" json:"borrowed_at"`
	DueDate          time.Time  `gorm:"not null" json:"due_date"`
	ReturnedAt       *time.Time `json:"returned_at"`
	LastReminderSent *time.Time `json:"last_reminder_sent"`
}

// Open reports whether the loan is still outstanding.
func (l *Loan) Open() bool {
	return l.ReturnedAt == nil
}
