package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"shelfbot/internal/identity"
	"shelfbot/internal/services"
)

const ctxCallerKey = "caller"

// authScheme is the Authorization scheme carrying the raw init-data assertion.
const authScheme = "tma"

// CallerVerifier validates a raw identity assertion and yields the caller it
// proves. Satisfied by *identity.Verifier.
type CallerVerifier interface {
	Verify(initData string) (*identity.Caller, error)
}

// AdminChecker answers admin-group membership. Satisfied by *identity.AdminGate.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID int64) bool
}

type LibraryHandler struct {
	svc    services.LibraryService
	admins AdminChecker
}

func RegisterRoutes(r *gin.Engine, svc services.LibraryService, verifier CallerVerifier, admins AdminChecker) {
	h := &LibraryHandler{svc: svc, admins: admins}

	// Public catalog (read-only, no identity required)
	r.GET("/api/books", h.listBooks)
	r.GET("/api/books/:id", h.getBook)
	r.GET("/api/search", h.searchBooks)
	r.GET("/api/copies/:qr", h.getCopy)

	// Identity-scoped endpoints
	authed := r.Group("/api", Authenticate(verifier))
	authed.POST("/copies/:qr/borrow", h.borrow)
	authed.POST("/copies/:qr/return", h.returnCopy)
	authed.GET("/me/loans", h.listMyLoans)

	// Admin endpoints
	admin := authed.Group("", h.requireAdmin)
	admin.POST("/books", h.createBook)
	admin.POST("/books/:id/copies", h.addCopy)
	admin.POST("/locations", h.createLocation)
	admin.GET("/locations", h.listLocations)
}

// Authenticate verifies the per-request identity assertion from
// "Authorization: tma <init-data>" and stores the caller in the context.
func Authenticate(verifier CallerVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], authScheme) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
			return
		}

		caller, err := verifier.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid identity assertion"})
			return
		}

		c.Set(ctxCallerKey, caller)
		c.Next()
	}
}

// requireAdmin consults the admin gate for the verified caller. The rejection
// reveals nothing about whether any underlying entity exists.
func (h *LibraryHandler) requireAdmin(c *gin.Context) {
	caller := callerFrom(c)
	if caller == nil || !h.admins.IsAdmin(c.Request.Context(), caller.ID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func callerFrom(c *gin.Context) *identity.Caller {
	v, ok := c.Get(ctxCallerKey)
	if !ok {
		return nil
	}
	caller, ok := v.(*identity.Caller)
	if !ok {
		return nil
	}
	return caller
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

type bookSummary struct {
	ID        uuid.UUID `json:"id"`
	ISBN      string    `json:"isbn"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	ImageURL  string    `json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *LibraryHandler) listBooks(c *gin.Context) {
	books, err := h.svc.ListBooks()
	if err != nil {
		h.renderError(c, err)
		return
	}
	summaries := make([]bookSummary, 0, len(books))
	for _, b := range books {
		summaries = append(summaries, bookSummary{
			ID:        b.ID,
			ISBN:      b.ISBN,
			Title:     b.Title,
			Author:    b.Author,
			ImageURL:  b.ImageURL,
			CreatedAt: b.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *LibraryHandler) getBook(c *gin.Context) {
	bookID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid book id"})
		return
	}
	details, err := h.svc.GetBook(bookID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *LibraryHandler) getCopy(c *gin.Context) {
	details, err := h.svc.GetCopy(c.Param("qr"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *LibraryHandler) searchBooks(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	results, err := h.svc.SearchBooks(query, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// ─── Lending ──────────────────────────────────────────────────────────────────

func (h *LibraryHandler) borrow(c *gin.Context) {
	caller := callerFrom(c)
	res, err := h.svc.Borrow(c.Param("qr"), caller.ID, caller.DisplayName())
	if err != nil {
		h.renderError(c, err)
		return
	}
	if res.AlreadyYours {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *LibraryHandler) returnCopy(c *gin.Context) {
	caller := callerFrom(c)
	res, err := h.svc.Return(c.Param("qr"), caller.ID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type myLoan struct {
	LoanID     uuid.UUID   `json:"loan_id"`
	QRCodeID   string      `json:"qr_code_id"`
	CopyNumber int         `json:"copy_number"`
	BorrowedAt time.Time   `json:"borrowed_at"`
	DueDate    time.Time   `json:"due_date"`
	Book       bookSummary `json:"book"`
	Location   string      `json:"location"`
}

func (h *LibraryHandler) listMyLoans(c *gin.Context) {
	caller := callerFrom(c)
	loans, err := h.svc.ListUserLoans(caller.ID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	out := make([]myLoan, 0, len(loans))
	for _, l := range loans {
		out = append(out, myLoan{
			LoanID:     l.ID,
			QRCodeID:   l.QRCodeID,
			CopyNumber: l.Copy.CopyNumber,
			BorrowedAt: l.BorrowedAt,
			DueDate:    l.DueDate,
			Book: bookSummary{
				ID:        l.Copy.Book.ID,
				ISBN:      l.Copy.Book.ISBN,
				Title:     l.Copy.Book.Title,
				Author:    l.Copy.Book.Author,
				ImageURL:  l.Copy.Book.ImageURL,
				CreatedAt: l.Copy.Book.CreatedAt,
			},
			Location: l.Copy.Location.Name,
		})
	}
	c.JSON(http.StatusOK, out)
}

// ─── Administration ───────────────────────────────────────────────────────────

type createBookRequest struct {
	ISBN        string `json:"isbn" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Author      string `json:"author" binding:"required"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
}

func (h *LibraryHandler) createBook(c *gin.Context) {
	var req createBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	book, err := h.svc.CreateBook(req.ISBN, req.Title, req.Author, req.Description, req.ImageURL)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

type addCopyRequest struct {
	ScannedPayload string `json:"scanned_payload" binding:"required"`
	LocationID     string `json:"location_id" binding:"required,uuid"`
}

func (h *LibraryHandler) addCopy(c *gin.Context) {
	bookID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid book id"})
		return
	}
	var req addCopyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	locationID, err := uuid.Parse(req.LocationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location id"})
		return
	}

	res, err := h.svc.AddCopy(bookID, req.ScannedPayload, locationID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type createLocationRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *LibraryHandler) createLocation(c *gin.Context) {
	var req createLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	location, err := h.svc.CreateLocation(req.Name)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, location)
}

func (h *LibraryHandler) listLocations(c *gin.Context) {
	locations, err := h.svc.ListLocations()
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, locations)
}

// ─── Error Mapping ────────────────────────────────────────────────────────────

// renderError maps domain errors to responses. Every known conflict and
// absence gets its specific message; anything unexpected stays opaque.
func (h *LibraryHandler) renderError(c *gin.Context, err error) {
	var cbErr *services.CurrentlyBorrowedError
	switch {
	case errors.Is(err, services.ErrCopyNotFound),
		errors.Is(err, services.ErrBookNotFound),
		errors.Is(err, services.ErrLocationNotFound),
		errors.Is(err, services.ErrNoActiveLoan):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.As(err, &cbErr):
		c.JSON(http.StatusConflict, gin.H{"error": cbErr.Error(), "due_date": cbErr.DueDate})

	case errors.Is(err, services.ErrRaceLost),
		errors.Is(err, services.ErrQrCodeAlreadyAssigned),
		errors.Is(err, services.ErrISBNAlreadyExists),
		errors.Is(err, services.ErrCopyNumberContention):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, services.ErrMalformedQrInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	default:
		log.Printf("[ERROR] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
