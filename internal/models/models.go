package models

import (
	"time"

	"gorm.io/gorm"
)

type LoanState string

const (
	LoanStatePending  LoanState = "PENDING"
	LoanStateApproved LoanState = "APPROVED"
	LoanStateRejected LoanState = "REJECTED"
	LoanStateReturned LoanState = "RETURNED"
)

// Terminal reports whether a loan in this state can never transition again.
func (s LoanState) Terminal() bool {
	return s == LoanStateRejected || s == LoanStateReturned
}

type Book struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	Title            string `gorm:"size:255;not null" json:"title"`
	Author           string `gorm:"size:255" json:"author"`
	Subject          string `gorm:"size:255" json:"subject"`
	TotalCopies      int    `gorm:"not null" json:"total_copies"`
	CheckedOutCopies int    `gorm:"not null;default:0" json:"checked_out_copies"`
}

// AvailableCopies is total minus circulation; never negative while the
// checked_out_copies <= total_copies invariant holds.
func (b *Book) AvailableCopies() int {
	return b.TotalCopies - b.CheckedOutCopies
}

type Loan struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	BookID      uint       `gorm:"not null;index" json:"book_id"`
	Book        Book       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	RequesterID int64      `gorm:"not null;index" json:"requester_id"`
	State       LoanState  `gorm:"size:16;not null;index" json:"state"`
	RequestedAt time.Time  `gorm:"not null" json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at"`
	ReturnedAt  *time.Time `json:"returned_at"`
}

// Admin is the append-only administrator role set. Membership is keyed by the
// opaque actor id the messaging transport hands us. Slot is a constant under a
// unique index, so bootstrap inserts by concurrent first-comers conflict at
// the index instead of both landing.
type Admin struct {
	UserID int64 `gorm:"primaryKey" json:"user_id"`
	Slot   int   `gorm:"uniqueIndex;not null" json:"-"`
}

// Migrate creates or updates the schema. The live-loan unique index is
// partial, which column tags cannot express, so it is issued as raw SQL.
// It holds on PostgreSQL and SQLite alike: at most one PENDING or APPROVED
// loan per (book, requester) pair, enforced by the store itself.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Book{}, &Admin{}, &Loan{}); err != nil {
		return err
	}
	return db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_live_request
		 ON loans (book_id, requester_id)
		 WHERE state IN ('PENDING', 'APPROVED')`,
	).Error
}
