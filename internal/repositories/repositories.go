package repositories

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"lending/internal/models"
)

type BookRepository interface {
	Create(db *gorm.DB, book *models.Book) error
	GetByID(db *gorm.DB, id uint) (*models.Book, error)
	List(db *gorm.DB) ([]models.Book, error)
	Search(db *gorm.DB, query string, limit int) ([]models.Book, error)
	IncrementCheckedOut(db *gorm.DB, bookID uint) (bool, error)
	DecrementCheckedOut(db *gorm.DB, bookID uint) error
	SetTotalCopies(db *gorm.DB, bookID uint, newTotal int) (bool, error)
	Delete(db *gorm.DB, bookID uint) error
}

type LoanRepository interface {
	Create(db *gorm.DB, loan *models.Loan) error
	GetByID(db *gorm.DB, id uint) (*models.Loan, error)
	FindLiveByBookAndUser(db *gorm.DB, bookID uint, userID int64) (*models.Loan, error)
	ListPending(db *gorm.DB) ([]models.Loan, error)
	ListLiveByUser(db *gorm.DB, userID int64) ([]models.Loan, error)
	ListApproved(db *gorm.DB) ([]models.Loan, error)
	CountNonTerminalByBook(db *gorm.DB, bookID uint) (int64, error)
	Resolve(db *gorm.DB, loanID uint, to models.LoanState, resolvedAt time.Time) (bool, error)
	MarkReturned(db *gorm.DB, loanID uint, returnedAt time.Time) (bool, error)
	DeleteByBook(db *gorm.DB, bookID uint) error
}

type AdminRepository interface {
	IsAdmin(db *gorm.DB, userID int64) (bool, error)
	PromoteIfEmpty(db *gorm.DB, userID int64) (bool, error)
}

// concrete implementations

type bookRepository struct {
	db *gorm.DB
}

func NewBookRepository(db *gorm.DB) BookRepository {
	return &bookRepository{db: db}
}

func (r *bookRepository) Create(db *gorm.DB, book *models.Book) error {
	if db == nil {
		db = r.db
	}
	return db.Create(book).Error
}

func (r *bookRepository) GetByID(db *gorm.DB, id uint) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	var book models.Book
	if err := db.First(&book, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *bookRepository) List(db *gorm.DB) ([]models.Book, error) {
	if db == nil {
		db = r.db
	}
	var books []models.Book
	if err := db.Order("id").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (r *bookRepository) Search(db *gorm.DB, query string, limit int) ([]models.Book, error) {
	if db == nil {
		db = r.db
	}
	term := "%" + strings.ToLower(query) + "%"
	var books []models.Book
	err := db.
		Where("LOWER(title) LIKE ? OR LOWER(author) LIKE ? OR LOWER(subject) LIKE ?", term, term, term).
		Order("id").
		Limit(limit).
		Find(&books).Error
	if err != nil {
		return nil, err
	}
	return books, nil
}

// IncrementCheckedOut claims one available copy. The capacity check and the
// increment are a single guarded UPDATE, so two concurrent claims of the last
// copy can never both succeed. Returns false when no copy was available.
func (r *bookRepository) IncrementCheckedOut(db *gorm.DB, bookID uint) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Book{}).
		Where("id = ? AND checked_out_copies < total_copies", bookID).
		UpdateColumn("checked_out_copies", gorm.Expr("checked_out_copies + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DecrementCheckedOut releases one copy back into availability, clamped at
// zero: a decrement against an already-zero counter is a silent no-op so
// bookkeeping drift never turns into a return failure.
func (r *bookRepository) DecrementCheckedOut(db *gorm.DB, bookID uint) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Book{}).
		Where("id = ? AND checked_out_copies > 0", bookID).
		UpdateColumn("checked_out_copies", gorm.Expr("checked_out_copies - 1")).
		Error
}

// SetTotalCopies updates the total, guarded so the total never drops below
// the copies currently in circulation. Returns false when the guard rejected
// the new value (or the book does not exist — callers disambiguate).
func (r *bookRepository) SetTotalCopies(db *gorm.DB, bookID uint, newTotal int) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Book{}).
		Where("id = ? AND checked_out_copies <= ?", bookID, newTotal).
		UpdateColumn("total_copies", newTotal)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *bookRepository) Delete(db *gorm.DB, bookID uint) error {
	if db == nil {
		db = r.db
	}
	return db.Delete(&models.Book{}, "id = ?", bookID).Error
}

type loanRepository struct {
	db *gorm.DB
}

func NewLoanRepository(db *gorm.DB) LoanRepository {
	return &loanRepository{db: db}
}

func (r *loanRepository) Create(db *gorm.DB, loan *models.Loan) error {
	if db == nil {
		db = r.db
	}
	return db.Create(loan).Error
}

func (r *loanRepository) GetByID(db *gorm.DB, id uint) (*models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loan models.Loan
	if err := db.Preload("Book").First(&loan, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &loan, nil
}

// FindLiveByBookAndUser returns the requester's PENDING or APPROVED loan for
// the book, if one exists. Used by the duplicate-request guard.
func (r *loanRepository) FindLiveByBookAndUser(db *gorm.DB, bookID uint, userID int64) (*models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loan models.Loan
	err := db.
		Where("book_id = ? AND requester_id = ? AND state IN ?",
			bookID, userID, []models.LoanState{models.LoanStatePending, models.LoanStateApproved}).
		First(&loan).Error
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *loanRepository) ListPending(db *gorm.DB) ([]models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loans []models.Loan
	err := db.Preload("Book").
		Where("state = ?", models.LoanStatePending).
		Order("requested_at ASC, id ASC").
		Find(&loans).Error
	if err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *loanRepository) ListLiveByUser(db *gorm.DB, userID int64) ([]models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loans []models.Loan
	err := db.Preload("Book").
		Where("requester_id = ? AND state IN ?",
			userID, []models.LoanState{models.LoanStatePending, models.LoanStateApproved}).
		Order("requested_at DESC").
		Find(&loans).Error
	if err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *loanRepository) ListApproved(db *gorm.DB) ([]models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loans []models.Loan
	err := db.Preload("Book").
		Where("state = ?", models.LoanStateApproved).
		Order("requested_at ASC").
		Find(&loans).Error
	if err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *loanRepository) CountNonTerminalByBook(db *gorm.DB, bookID uint) (int64, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	err := db.Model(&models.Loan{}).
		Where("book_id = ? AND state IN ?",
			bookID, []models.LoanState{models.LoanStatePending, models.LoanStateApproved}).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Resolve moves a PENDING loan to APPROVED or REJECTED. The source-state check
// rides in the WHERE clause, so a loan that was concurrently resolved is left
// untouched and false is returned.
func (r *loanRepository) Resolve(db *gorm.DB, loanID uint, to models.LoanState, resolvedAt time.Time) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND state = ?", loanID, models.LoanStatePending).
		Updates(map[string]interface{}{
			"state":       to,
			"resolved_at": resolvedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkReturned moves an APPROVED loan to RETURNED under the same guarded
// UPDATE discipline as Resolve.
func (r *loanRepository) MarkReturned(db *gorm.DB, loanID uint, returnedAt time.Time) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND state = ?", loanID, models.LoanStateApproved).
		Updates(map[string]interface{}{
			"state":       models.LoanStateReturned,
			"returned_at": returnedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *loanRepository) DeleteByBook(db *gorm.DB, bookID uint) error {
	if db == nil {
		db = r.db
	}
	return db.Delete(&models.Loan{}, "book_id = ?", bookID).Error
}

type adminRepository struct {
	db *gorm.DB
}

func NewAdminRepository(db *gorm.DB) AdminRepository {
	return &adminRepository{db: db}
}

func (r *adminRepository) IsAdmin(db *gorm.DB, userID int64) (bool, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	if err := db.Model(&models.Admin{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// PromoteIfEmpty inserts the actor into the admin set only when the set is
// empty. The slot column is a constant under a unique index, so when two
// first-comers race the loser conflicts at the index and inserts nothing,
// under PostgreSQL's READ COMMITTED as well as SQLite. Returns true when this
// actor became the first admin.
func (r *adminRepository) PromoteIfEmpty(db *gorm.DB, userID int64) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Exec(
		"INSERT INTO admins (user_id, slot) VALUES (?, 1) ON CONFLICT DO NOTHING",
		userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
