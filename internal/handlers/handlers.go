package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lending/internal/services"
	"lending/internal/workflow"
)

const (
	actorHeader   = "X-Actor-ID"
	requestHeader = "X-Request-ID"
	actorKey      = "actorID"
)

type LendingHandler struct {
	svc   services.LendingService
	coord *workflow.Coordinator
}

func RegisterRoutes(r *gin.Engine, svc services.LendingService, coord *workflow.Coordinator) {
	h := &LendingHandler{svc: svc, coord: coord}

	r.Use(requestID())
	r.Use(h.withActor())

	// Catalogue endpoints
	r.GET("/books", h.listBooks)
	r.GET("/books/search", h.searchBooks)
	r.GET("/books/:id", h.bookDetails)

	// Administrator catalogue endpoints
	r.POST("/books", h.addBook)
	r.PUT("/books/:id/total", h.setTotalCopies)
	r.DELETE("/books/:id", h.deleteBook)

	// Requester endpoints
	r.POST("/books/:id/loans", h.submitLoan)
	r.GET("/loans/mine", h.myLoans)
	r.POST("/loans/:id/return", h.returnLoan)

	// Direct transitions, for transports that already know the loan id
	r.GET("/admin/loans", h.activeLoans)
	r.POST("/admin/loans/:id/approve", h.approveLoan)
	r.POST("/admin/loans/:id/reject", h.rejectLoan)

	// Approval workflow endpoints
	r.GET("/admin/review", h.openReview)
	r.POST("/admin/review/select", h.selectLoan)
	r.POST("/admin/review/decision", h.decide)
	r.POST("/admin/review/abort", h.abortReview)
}

// requestID tags every request with a correlation id for the logs.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestHeader, id)
		c.Next()
	}
}

// withActor resolves the acting actor from the transport header and runs the
// idempotent first-admin bootstrap before any action is handled.
func (h *LendingHandler) withActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(actorHeader)
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || actorID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing or invalid " + actorHeader + " header"})
			return
		}
		if _, err := h.svc.Bootstrap(actorID); err != nil {
			h.respondErr(c, err)
			c.Abort()
			return
		}
		c.Set(actorKey, actorID)
		c.Next()
	}
}

func actor(c *gin.Context) int64 {
	return c.GetInt64(actorKey)
}

// respondErr maps domain outcomes to HTTP statuses. Everything in the error
// taxonomy is recoverable by the actor; only storage failures become a 503
// "try again later".
func (h *LendingHandler) respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrBookNotFound),
		errors.Is(err, services.ErrLoanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrDuplicateRequest),
		errors.Is(err, services.ErrCapacityExceeded),
		errors.Is(err, services.ErrBelowCirculation),
		errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrBookInCirculation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidTotalCopies),
		errors.Is(err, workflow.ErrNoReview),
		errors.Is(err, workflow.ErrNoSelection),
		errors.Is(err, workflow.ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, try again later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// ─── Catalogue ────────────────────────────────────────────────────────────────

type addBookRequest struct {
	Title       string `json:"title" binding:"required"`
	Author      string `json:"author"`
	Subject     string `json:"subject"`
	TotalCopies int    `json:"total_copies" binding:"required,min=1"`
}

func (h *LendingHandler) addBook(c *gin.Context) {
	var req addBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	book, err := h.svc.AddBook(actor(c), req.Title, req.Author, req.Subject, req.TotalCopies)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

type setTotalRequest struct {
	// A pointer so an explicit zero reaches the service guards instead of
	// failing binding as an absent field.
	TotalCopies *int `json:"total_copies" binding:"required"`
}

func (h *LendingHandler) setTotalCopies(c *gin.Context) {
	bookID, ok := parseID(c)
	if !ok {
		return
	}
	var req setTotalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	book, err := h.svc.SetTotalCopies(actor(c), bookID, *req.TotalCopies)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *LendingHandler) deleteBook(c *gin.Context) {
	bookID, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteBook(actor(c), bookID); err != nil {
		h.respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LendingHandler) listBooks(c *gin.Context) {
	books, err := h.svc.ListBooks()
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (h *LendingHandler) searchBooks(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}
	books, err := h.svc.SearchBooks(q)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (h *LendingHandler) bookDetails(c *gin.Context) {
	bookID, ok := parseID(c)
	if !ok {
		return
	}
	book, err := h.svc.BookDetails(bookID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"book":             book,
		"available_copies": book.AvailableCopies(),
	})
}

// ─── Loans ────────────────────────────────────────────────────────────────────

func (h *LendingHandler) submitLoan(c *gin.Context) {
	bookID, ok := parseID(c)
	if !ok {
		return
	}

	loan, available, err := h.svc.SubmitLoan(actor(c), bookID)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	resp := gin.H{
		"loan":                loan,
		"available_at_submit": available,
	}
	if available <= 0 {
		// Accepted anyway: availability is re-checked at approval time.
		resp["warning"] = "no copies available right now, your request stays pending"
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *LendingHandler) returnLoan(c *gin.Context) {
	loanID, ok := parseID(c)
	if !ok {
		return
	}
	loan, err := h.svc.ReturnLoan(actor(c), loanID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func (h *LendingHandler) myLoans(c *gin.Context) {
	loans, err := h.svc.MyLoans(actor(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

func (h *LendingHandler) activeLoans(c *gin.Context) {
	loans, err := h.svc.ActiveLoans(actor(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

func (h *LendingHandler) approveLoan(c *gin.Context) {
	loanID, ok := parseID(c)
	if !ok {
		return
	}
	loan, err := h.svc.ApproveLoan(actor(c), loanID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func (h *LendingHandler) rejectLoan(c *gin.Context) {
	loanID, ok := parseID(c)
	if !ok {
		return
	}
	loan, err := h.svc.RejectLoan(actor(c), loanID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// ─── Approval Workflow ────────────────────────────────────────────────────────

func (h *LendingHandler) openReview(c *gin.Context) {
	loans, err := h.coord.OpenReview(actor(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

type selectRequest struct {
	LoanID uint `json:"loan_id" binding:"required"`
}

func (h *LendingHandler) selectLoan(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	loan, err := h.coord.Select(actor(c), req.LoanID)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

type decisionRequest struct {
	Action string `json:"action" binding:"required,oneof=approve reject"`
}

func (h *LendingHandler) decide(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	loan, err := h.coord.Decide(actor(c), workflow.Action(req.Action))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func (h *LendingHandler) abortReview(c *gin.Context) {
	if err := h.coord.Abort(actor(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
