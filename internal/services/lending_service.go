package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"lending/internal/models"
	"lending/internal/notify"
	"lending/internal/repositories"
)

// ─── Search Constants ─────────────────────────────────────────────────────────

const (
	// SearchResultLimit caps the number of books returned by a catalogue search.
	SearchResultLimit = 10
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrBookNotFound is returned when the referenced book does not exist.
	ErrBookNotFound = errors.New("book not found")

	// ErrLoanNotFound is returned when the referenced loan does not exist.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrDuplicateRequest is returned when the requester already has a PENDING
	// or APPROVED loan for the same book.
	ErrDuplicateRequest = errors.New("requester already has a live loan for this book")

	// ErrCapacityExceeded is returned when an approval finds no available copy.
	// The loan stays PENDING; the approver may retry later or reject.
	ErrCapacityExceeded = errors.New("no available copies")

	// ErrBelowCirculation is returned when an edit would shrink a book's total
	// below the copies currently checked out.
	ErrBelowCirculation = errors.New("total copies cannot drop below checked-out copies")

	// ErrInvalidState is returned when a transition is attempted from the wrong
	// source state, including a loan that was concurrently resolved.
	ErrInvalidState = errors.New("loan is not in the required state")

	// ErrNotAuthorized is returned when an actor acts on a loan it does not own
	// or invokes an administrator-only operation.
	ErrNotAuthorized = errors.New("actor is not authorized for this action")

	// ErrBookInCirculation is returned when a delete is attempted while copies
	// are checked out or any loan for the book is still live.
	ErrBookInCirculation = errors.New("book has copies in circulation or live loans")

	// ErrInvalidTotalCopies is returned when a book would end up with fewer
	// than one total copy.
	ErrInvalidTotalCopies = errors.New("total copies must be at least 1")

	// ErrStorageUnavailable wraps unexpected durable-store failures. The actor
	// should re-issue the action; the engine never retries on its own.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

var sentinels = []error{
	ErrBookNotFound,
	ErrLoanNotFound,
	ErrDuplicateRequest,
	ErrCapacityExceeded,
	ErrBelowCirculation,
	ErrInvalidState,
	ErrNotAuthorized,
	ErrBookInCirculation,
	ErrInvalidTotalCopies,
}

// wrapStorage passes domain outcomes through untouched and folds everything
// else into ErrStorageUnavailable.
func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// ─── Service Interface ────────────────────────────────────────────────────────

// LendingService defines the application-level operations of the loan
// lifecycle engine.
type LendingService interface {
	// Bootstrap promotes the actor to administrator when the admin set is
	// empty. Invoked at the start of handling any action; returns true only
	// for the first-ever actor.
	Bootstrap(actorID int64) (bool, error)
	IsAdmin(actorID int64) (bool, error)

	AddBook(actorID int64, title, author, subject string, totalCopies int) (*models.Book, error)
	SetTotalCopies(actorID int64, bookID uint, newTotal int) (*models.Book, error)
	DeleteBook(actorID int64, bookID uint) error
	ListBooks() ([]models.Book, error)
	SearchBooks(query string) ([]models.Book, error)
	BookDetails(bookID uint) (*models.Book, error)

	SubmitLoan(actorID int64, bookID uint) (*models.Loan, int, error)
	ApproveLoan(approverID int64, loanID uint) (*models.Loan, error)
	RejectLoan(approverID int64, loanID uint) (*models.Loan, error)
	ReturnLoan(actorID int64, loanID uint) (*models.Loan, error)

	GetLoan(loanID uint) (*models.Loan, error)
	PendingLoans(approverID int64) ([]models.Loan, error)
	ActiveLoans(approverID int64) ([]models.Loan, error)
	MyLoans(actorID int64) ([]models.Loan, error)
}

// ─── Implementation ───────────────────────────────────────────────────────────

type lendingService struct {
	db        *gorm.DB
	bookRepo  repositories.BookRepository
	loanRepo  repositories.LoanRepository
	adminRepo repositories.AdminRepository
	pusher    notify.Pusher
}

// NewLendingService wires up all dependencies and returns a LendingService.
func NewLendingService(
	db *gorm.DB,
	bookRepo repositories.BookRepository,
	loanRepo repositories.LoanRepository,
	adminRepo repositories.AdminRepository,
	pusher notify.Pusher,
) LendingService {
	return &lendingService{
		db:        db,
		bookRepo:  bookRepo,
		loanRepo:  loanRepo,
		adminRepo: adminRepo,
		pusher:    pusher,
	}
}

// ─── Roles ────────────────────────────────────────────────────────────────────

// Bootstrap runs the first-actor promotion as a single conditional INSERT, so
// two actors racing an empty admin set cannot both win.
func (s *lendingService) Bootstrap(actorID int64) (bool, error) {
	promoted, err := s.adminRepo.PromoteIfEmpty(nil, actorID)
	if err != nil {
		log.Printf("[ERROR] Bootstrap: promote check failed for actor %d: %v", actorID, err)
		return false, wrapStorage(err)
	}
	if promoted {
		log.Printf("[INFO] Bootstrap: actor %d promoted to first administrator", actorID)
	}
	return promoted, nil
}

func (s *lendingService) IsAdmin(actorID int64) (bool, error) {
	ok, err := s.adminRepo.IsAdmin(nil, actorID)
	if err != nil {
		return false, wrapStorage(err)
	}
	return ok, nil
}

func (s *lendingService) requireAdmin(actorID int64) error {
	ok, err := s.adminRepo.IsAdmin(nil, actorID)
	if err != nil {
		return wrapStorage(err)
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}

// ─── Book Management ──────────────────────────────────────────────────────────

// AddBook creates a catalogue entry with the given number of copies, none of
// them checked out. Administrator only.
func (s *lendingService) AddBook(actorID int64, title, author, subject string, totalCopies int) (*models.Book, error) {
	if err := s.requireAdmin(actorID); err != nil {
		return nil, err
	}
	if totalCopies < 1 {
		return nil, ErrInvalidTotalCopies
	}

	book := &models.Book{
		Title:            title,
		Author:           author,
		Subject:          subject,
		TotalCopies:      totalCopies,
		CheckedOutCopies: 0,
	}
	if err := s.bookRepo.Create(nil, book); err != nil {
		log.Printf("[ERROR] AddBook: failed to create book record: %v", err)
		return nil, wrapStorage(err)
	}
	log.Printf("[INFO] AddBook: created book %q (id=%d) with %d copies", book.Title, book.ID, totalCopies)
	return book, nil
}

// SetTotalCopies edits a book's total, guarded so the total never drops below
// the copies in circulation. Administrator only.
func (s *lendingService) SetTotalCopies(actorID int64, bookID uint, newTotal int) (*models.Book, error) {
	if err := s.requireAdmin(actorID); err != nil {
		return nil, err
	}

	var updated *models.Book
	err := s.db.Transaction(func(tx *gorm.DB) error {
		book, err := s.bookRepo.GetByID(tx, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}
		// A total below circulation outranks a merely malformed total: zero
		// with a copy out is BelowCirculation, zero with nothing out is
		// InvalidTotalCopies.
		if newTotal < book.CheckedOutCopies {
			log.Printf("[WARN] SetTotalCopies: rejected total %d for book %d (%d checked out)",
				newTotal, bookID, book.CheckedOutCopies)
			return ErrBelowCirculation
		}
		if newTotal < 1 {
			return ErrInvalidTotalCopies
		}
		ok, err := s.bookRepo.SetTotalCopies(tx, bookID, newTotal)
		if err != nil {
			log.Printf("[ERROR] SetTotalCopies: update failed for book %d: %v", bookID, err)
			return err
		}
		if !ok {
			// Circulation grew between the read and the guarded update.
			log.Printf("[WARN] SetTotalCopies: rejected total %d for book %d (circulation moved)",
				newTotal, bookID)
			return ErrBelowCirculation
		}
		book.TotalCopies = newTotal
		updated = book
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	log.Printf("[INFO] SetTotalCopies: book %d total set to %d", bookID, newTotal)
	return updated, nil
}

// DeleteBook removes a book and, by cascade, its terminal loans. Only
// permitted when nothing is checked out and no loan is still live.
// Administrator only.
func (s *lendingService) DeleteBook(actorID int64, bookID uint) error {
	if err := s.requireAdmin(actorID); err != nil {
		return err
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		book, err := s.bookRepo.GetByID(tx, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}
		if book.CheckedOutCopies > 0 {
			log.Printf("[WARN] DeleteBook: book %d has %d copies checked out", bookID, book.CheckedOutCopies)
			return ErrBookInCirculation
		}
		live, err := s.loanRepo.CountNonTerminalByBook(tx, bookID)
		if err != nil {
			return err
		}
		if live > 0 {
			log.Printf("[WARN] DeleteBook: book %d has %d live loans", bookID, live)
			return ErrBookInCirculation
		}
		// Only terminal loans remain; cascade them explicitly so the delete
		// behaves the same on every backend.
		if err := s.loanRepo.DeleteByBook(tx, bookID); err != nil {
			return err
		}
		if err := s.bookRepo.Delete(tx, bookID); err != nil {
			return err
		}
		log.Printf("[INFO] DeleteBook: deleted book %q (id=%d) and its loan history", book.Title, bookID)
		return nil
	})
	return wrapStorage(err)
}

// ListBooks returns the whole catalogue.
func (s *lendingService) ListBooks() ([]models.Book, error) {
	books, err := s.bookRepo.List(nil)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return books, nil
}

// SearchBooks matches the query case-insensitively against title, author and
// subject.
func (s *lendingService) SearchBooks(query string) ([]models.Book, error) {
	books, err := s.bookRepo.Search(nil, query, SearchResultLimit)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return books, nil
}

func (s *lendingService) BookDetails(bookID uint) (*models.Book, error) {
	book, err := s.bookRepo.GetByID(nil, bookID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, wrapStorage(err)
	}
	return book, nil
}

// ─── Submit ───────────────────────────────────────────────────────────────────

// SubmitLoan files a PENDING loan request. The duplicate-request guard runs in
// the same transaction as the insert, with a partial unique index on live
// loans as the backstop. Zero availability does not block
// creation — availability is only a hint at submission time and is re-checked
// when an approver acts — so the available count at submit is returned for the
// transport to warn the requester with.
func (s *lendingService) SubmitLoan(actorID int64, bookID uint) (*models.Loan, int, error) {
	var loan *models.Loan
	var available int

	err := s.db.Transaction(func(tx *gorm.DB) error {
		book, err := s.bookRepo.GetByID(tx, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}

		if existing, err := s.loanRepo.FindLiveByBookAndUser(tx, bookID, actorID); err == nil {
			log.Printf("[WARN] SubmitLoan: actor %d already holds loan %d (%s) for book %d",
				actorID, existing.ID, existing.State, bookID)
			return ErrDuplicateRequest
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		available = book.AvailableCopies()
		if available <= 0 {
			log.Printf("[INFO] SubmitLoan: book %d has no available copies, accepting request for later re-check", bookID)
		}

		l := &models.Loan{
			BookID:      bookID,
			RequesterID: actorID,
			State:       models.LoanStatePending,
			RequestedAt: time.Now().UTC(),
		}
		if err := s.loanRepo.Create(tx, l); err != nil {
			// The partial unique index on live loans catches a concurrent
			// submission that slipped past the read above.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				log.Printf("[WARN] SubmitLoan: concurrent duplicate by actor %d for book %d", actorID, bookID)
				return ErrDuplicateRequest
			}
			log.Printf("[ERROR] SubmitLoan: failed to create loan record: %v", err)
			return err
		}
		l.Book = *book
		loan = l
		return nil
	})
	if err != nil {
		return nil, 0, wrapStorage(err)
	}

	log.Printf("[INFO] SubmitLoan: loan %d created for actor %d / book %d (%d available at submit)",
		loan.ID, actorID, bookID, available)
	return loan, available, nil
}

// ─── Approve / Reject ─────────────────────────────────────────────────────────

// ApproveLoan moves a PENDING loan to APPROVED and claims one copy, both in
// one transaction. The capacity check rides in the ledger increment itself, so
// two concurrent approvals of the last copy cannot both succeed: the loser
// rolls back with ErrCapacityExceeded and its loan stays PENDING.
func (s *lendingService) ApproveLoan(approverID int64, loanID uint) (*models.Loan, error) {
	if err := s.requireAdmin(approverID); err != nil {
		return nil, err
	}

	var approved *models.Loan
	err := s.db.Transaction(func(tx *gorm.DB) error {
		loan, err := s.loanRepo.GetByID(tx, loanID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLoanNotFound
			}
			return err
		}
		if loan.State != models.LoanStatePending {
			return ErrInvalidState
		}

		now := time.Now().UTC()
		ok, err := s.loanRepo.Resolve(tx, loanID, models.LoanStateApproved, now)
		if err != nil {
			return err
		}
		if !ok {
			// Resolved by a concurrent approver between the read and the write.
			return ErrInvalidState
		}

		ok, err = s.bookRepo.IncrementCheckedOut(tx, loan.BookID)
		if err != nil {
			return err
		}
		if !ok {
			log.Printf("[WARN] ApproveLoan: no available copy of book %d for loan %d, leaving it PENDING",
				loan.BookID, loanID)
			return ErrCapacityExceeded
		}

		loan.State = models.LoanStateApproved
		loan.ResolvedAt = &now
		approved = loan
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}

	log.Printf("[INFO] ApproveLoan: loan %d approved by actor %d (book %d)", loanID, approverID, approved.BookID)
	s.notifyAsync(approved.RequesterID,
		fmt.Sprintf("Your loan request #%d for %q was approved. Happy reading!", approved.ID, approved.Book.Title))
	return approved, nil
}

// RejectLoan moves a PENDING loan to REJECTED. No ledger effect.
func (s *lendingService) RejectLoan(approverID int64, loanID uint) (*models.Loan, error) {
	if err := s.requireAdmin(approverID); err != nil {
		return nil, err
	}

	var rejected *models.Loan
	err := s.db.Transaction(func(tx *gorm.DB) error {
		loan, err := s.loanRepo.GetByID(tx, loanID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLoanNotFound
			}
			return err
		}
		if loan.State != models.LoanStatePending {
			return ErrInvalidState
		}

		now := time.Now().UTC()
		ok, err := s.loanRepo.Resolve(tx, loanID, models.LoanStateRejected, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidState
		}

		loan.State = models.LoanStateRejected
		loan.ResolvedAt = &now
		rejected = loan
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}

	log.Printf("[INFO] RejectLoan: loan %d rejected by actor %d", loanID, approverID)
	s.notifyAsync(rejected.RequesterID,
		fmt.Sprintf("Your loan request #%d for %q was rejected.", rejected.ID, rejected.Book.Title))
	return rejected, nil
}

// ─── Return ───────────────────────────────────────────────────────────────────

// ReturnLoan moves an APPROVED loan to RETURNED and releases the copy. Only
// the loan's own requester may return it; neither guard failure touches the
// ledger.
func (s *lendingService) ReturnLoan(actorID int64, loanID uint) (*models.Loan, error) {
	var returned *models.Loan
	err := s.db.Transaction(func(tx *gorm.DB) error {
		loan, err := s.loanRepo.GetByID(tx, loanID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLoanNotFound
			}
			return err
		}
		if loan.RequesterID != actorID {
			log.Printf("[WARN] ReturnLoan: actor %d attempted to return loan %d owned by %d",
				actorID, loanID, loan.RequesterID)
			return ErrNotAuthorized
		}
		if loan.State != models.LoanStateApproved {
			return ErrInvalidState
		}

		now := time.Now().UTC()
		ok, err := s.loanRepo.MarkReturned(tx, loanID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidState
		}
		if err := s.bookRepo.DecrementCheckedOut(tx, loan.BookID); err != nil {
			log.Printf("[ERROR] ReturnLoan: failed to release copy of book %d: %v", loan.BookID, err)
			return err
		}

		loan.State = models.LoanStateReturned
		loan.ReturnedAt = &now
		returned = loan
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}

	log.Printf("[INFO] ReturnLoan: loan %d returned by actor %d (book %d)", loanID, actorID, returned.BookID)
	s.notifyAsync(returned.RequesterID,
		fmt.Sprintf("Return of %q recorded for loan #%d. Thank you!", returned.Book.Title, returned.ID))
	return returned, nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (s *lendingService) GetLoan(loanID uint) (*models.Loan, error) {
	loan, err := s.loanRepo.GetByID(nil, loanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoanNotFound
		}
		return nil, wrapStorage(err)
	}
	return loan, nil
}

// PendingLoans returns every loan awaiting a decision. Administrator only.
func (s *lendingService) PendingLoans(approverID int64) ([]models.Loan, error) {
	if err := s.requireAdmin(approverID); err != nil {
		return nil, err
	}
	loans, err := s.loanRepo.ListPending(nil)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return loans, nil
}

// ActiveLoans returns every APPROVED, not-yet-returned loan. Administrator only.
func (s *lendingService) ActiveLoans(approverID int64) ([]models.Loan, error) {
	if err := s.requireAdmin(approverID); err != nil {
		return nil, err
	}
	loans, err := s.loanRepo.ListApproved(nil)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return loans, nil
}

// MyLoans returns the actor's own live loans.
func (s *lendingService) MyLoans(actorID int64) ([]models.Loan, error) {
	loans, err := s.loanRepo.ListLiveByUser(nil, actorID)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return loans, nil
}

// ─── Notifications ────────────────────────────────────────────────────────────

// notifyAsync dispatches one best-effort push after the owning transaction has
// committed. A failed push is logged and dropped, never retried.
func (s *lendingService) notifyAsync(actorID int64, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.pusher.Push(ctx, actorID, text); err != nil {
			log.Printf("[WARN] notify: dropping notification for actor %d: %v", actorID, err)
		}
	}()
}
