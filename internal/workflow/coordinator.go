// Package workflow sequences the administrator approval interaction: list the
// pending loans, pick one, act on it. No lock spans the approver's think-time;
// the coordinator instead re-validates the selected loan at the moment of the
// decision, since a concurrent approver may have resolved it or the last copy
// may have been claimed in the meantime.
package workflow

import (
	"errors"
	"log"
	"time"

	"lending/internal/models"
	"lending/internal/services"
	"lending/internal/sessions"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

var (
	// ErrNoReview is returned when the approver has no open review session.
	ErrNoReview = errors.New("no open review session")

	// ErrNoSelection is returned when a decision arrives before a loan was
	// selected.
	ErrNoSelection = errors.New("no loan selected")

	// ErrUnknownAction is returned for a decision other than approve/reject.
	ErrUnknownAction = errors.New("unknown decision action")
)

// Coordinator drives one review session per approver.
type Coordinator struct {
	svc   services.LendingService
	store *sessions.Store
}

func NewCoordinator(svc services.LendingService, store *sessions.Store) *Coordinator {
	return &Coordinator{svc: svc, store: store}
}

// OpenReview lists the pending loans and snapshots their ids into a fresh
// session, replacing any interaction the approver had abandoned.
func (c *Coordinator) OpenReview(approverID int64) ([]models.Loan, error) {
	loans, err := c.svc.PendingLoans(approverID)
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(loans))
	for _, l := range loans {
		ids = append(ids, l.ID)
	}
	review := &sessions.Review{
		PendingIDs: ids,
		OpenedAt:   time.Now().UTC(),
	}
	if err := c.store.Put(approverID, review); err != nil {
		return nil, err
	}
	log.Printf("[INFO] OpenReview: actor %d opened review of %d pending loans", approverID, len(loans))
	return loans, nil
}

// Select records which surfaced loan the approver picked. Selection does not
// lock anything; the pick is only validated against the snapshot here and
// re-validated for real at Decide time.
func (c *Coordinator) Select(approverID int64, loanID uint) (*models.Loan, error) {
	review, err := c.store.Get(approverID)
	if err != nil {
		if errors.Is(err, sessions.ErrNoSession) {
			return nil, ErrNoReview
		}
		return nil, err
	}
	if !review.Contains(loanID) {
		return nil, services.ErrLoanNotFound
	}

	loan, err := c.svc.GetLoan(loanID)
	if err != nil {
		return nil, err
	}

	review.SelectedID = loanID
	if err := c.store.Put(approverID, review); err != nil {
		return nil, err
	}
	return loan, nil
}

// Decide executes exactly one of approve/reject against the selected loan.
// The still-PENDING re-validation happens inside the service transition; a
// loan resolved by a concurrent approver surfaces as ErrInvalidState and the
// session is cleared. ErrCapacityExceeded keeps the session open so the
// approver can immediately reject instead.
func (c *Coordinator) Decide(approverID int64, action Action) (*models.Loan, error) {
	review, err := c.store.Get(approverID)
	if err != nil {
		if errors.Is(err, sessions.ErrNoSession) {
			return nil, ErrNoReview
		}
		return nil, err
	}
	if review.SelectedID == 0 {
		return nil, ErrNoSelection
	}

	var loan *models.Loan
	switch action {
	case ActionApprove:
		loan, err = c.svc.ApproveLoan(approverID, review.SelectedID)
	case ActionReject:
		loan, err = c.svc.RejectLoan(approverID, review.SelectedID)
	default:
		return nil, ErrUnknownAction
	}

	if errors.Is(err, services.ErrCapacityExceeded) {
		log.Printf("[WARN] Decide: loan %d not approvable right now, keeping review open for actor %d",
			review.SelectedID, approverID)
		return nil, err
	}
	if delErr := c.store.Delete(approverID); delErr != nil {
		log.Printf("[ERROR] Decide: failed to clear review session for actor %d: %v", approverID, delErr)
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] Decide: actor %d resolved loan %d (%s)", approverID, loan.ID, loan.State)
	return loan, nil
}

// Abort discards the approver's partial interaction. No side effects on the
// loan store or the ledger.
func (c *Coordinator) Abort(approverID int64) error {
	if err := c.store.Delete(approverID); err != nil {
		return err
	}
	log.Printf("[INFO] Abort: actor %d abandoned their review session", approverID)
	return nil
}
