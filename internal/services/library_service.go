package services

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"shelfbot/internal/copycode"
	"shelfbot/internal/models"
	"shelfbot/internal/repositories"
)

// ─── Loan Constants ───────────────────────────────────────────────────────────

const (
	// LoanPeriodDays is the number of days a borrower may keep a copy.
	LoanPeriodDays = 14

	// DefaultSearchLimit applies when the caller passes a non-positive limit.
	DefaultSearchLimit = 20

	// MaxSearchLimit caps the number of search hits per call.
	MaxSearchLimit = 50
)

// Constraint names from scripts/schema.sql. Unique violations on these are
// routine under concurrency and are mapped to the specific domain errors below.
const (
	constraintOpenLoan   = "uniq_open_loan"
	constraintCopyNumber = "uniq_book_copy_number"
	constraintCopyPK     = "copies_pkey"
	constraintISBN       = "uniq_books_isbn"
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrCopyNotFound is returned when no copy carries the given scan code.
	ErrCopyNotFound = errors.New("copy not found")

	// ErrBookNotFound is returned when the referenced book does not exist.
	ErrBookNotFound = errors.New("book not found")

	// ErrLocationNotFound is returned when the referenced location does not exist.
	ErrLocationNotFound = errors.New("location not found")

	// ErrRaceLost is returned when another borrower claimed the copy between
	// the availability check and the loan insert. The loser should simply be
	// told the copy was just taken; retrying automatically would be wrong.
	ErrRaceLost = errors.New("copy was just borrowed by someone else")

	// ErrNoActiveLoan is returned when a return matches no open loan for the
	// caller. It deliberately covers never-borrowed, already-returned and
	// borrowed-by-someone-else without distinguishing them.
	ErrNoActiveLoan = errors.New("no active loan for this user and copy")

	// ErrQrCodeAlreadyAssigned is returned when provisioning reuses a scan
	// code already bound to a copy of any book.
	ErrQrCodeAlreadyAssigned = errors.New("qr code is already assigned to a copy")

	// ErrMalformedQrInput is returned when the scanned provisioning payload
	// does not contain a well-formed copy code.
	ErrMalformedQrInput = errors.New("scanned payload is not a valid copy code")

	// ErrISBNAlreadyExists is returned when a book with the same ISBN is
	// already catalogued.
	ErrISBNAlreadyExists = errors.New("a book with this isbn already exists")

	// ErrCopyNumberContention is returned when concurrent provisioning for the
	// same book kept colliding on copy_number past the retry budget.
	ErrCopyNumberContention = errors.New("concurrent provisioning for this book, try again")
)

// CurrentlyBorrowedError is returned when a different user holds the copy.
// It carries the blocking loan's due date for user-facing messaging.
type CurrentlyBorrowedError struct {
	DueDate time.Time
}

func (e *CurrentlyBorrowedError) Error() string {
	return fmt.Sprintf("copy is currently borrowed, due back %s", e.DueDate.Format("2006-01-02"))
}

// ─── Result Shapes ────────────────────────────────────────────────────────────

// BorrowResult is the outcome of a successful (or idempotent) borrow.
// AlreadyYours marks the no-op branch: the caller already holds the copy and
// Loan is their existing open loan, untouched.
type BorrowResult struct {
	Loan         *models.Loan `json:"loan"`
	Book         *models.Book `json:"book"`
	CopyNumber   int          `json:"copy_number"`
	AlreadyYours bool         `json:"already_yours"`
}

type ReturnResult struct {
	Book       *models.Book `json:"book"`
	BorrowedAt time.Time    `json:"borrowed_at"`
	ReturnedAt time.Time    `json:"returned_at"`
}

type AddCopyResult struct {
	QRCodeID   string `json:"qr_code_id"`
	CopyNumber int    `json:"copy_number"`
}

// CopyAvailability is one copy of a book annotated with its derived state.
type CopyAvailability struct {
	Copy        models.Copy     `json:"copy"`
	Location    models.Location `json:"location"`
	IsAvailable bool            `json:"is_available"`
	DueDate     *time.Time      `json:"due_date"`
}

type BookDetails struct {
	Book   *models.Book       `json:"book"`
	Copies []CopyAvailability `json:"copies"`
}

// CopyDetails answers "what is this physical sticker": the copy, its book and
// location, and the current open loan if one exists.
type CopyDetails struct {
	Copy     *models.Copy     `json:"copy"`
	Book     *models.Book     `json:"book"`
	Location *models.Location `json:"location"`
	OpenLoan *models.Loan     `json:"open_loan"`
}

type SearchResult struct {
	ISBN            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

// ─── Service Interface ────────────────────────────────────────────────────────

// LibraryService defines the application-level operations of the lending system.
type LibraryService interface {
	ListBooks() ([]models.Book, error)
	GetBook(bookID uuid.UUID) (*BookDetails, error)
	GetCopy(qrCodeID string) (*CopyDetails, error)
	SearchBooks(query string, limit int) ([]SearchResult, error)

	Borrow(qrCodeID string, userID int64, username string) (*BorrowResult, error)
	Return(qrCodeID string, userID int64) (*ReturnResult, error)
	ListUserLoans(userID int64) ([]models.Loan, error)

	AddCopy(bookID uuid.UUID, scannedPayload string, locationID uuid.UUID) (*AddCopyResult, error)
	CreateBook(isbn, title, author, description, imageURL string) (*models.Book, error)
	CreateLocation(name string) (*models.Location, error)
	ListLocations() ([]models.Location, error)
}

// ─── Implementation ───────────────────────────────────────────────────────────

type libraryService struct {
	locationRepo repositories.LocationRepository
	bookRepo     repositories.BookRepository
	copyRepo     repositories.CopyRepository
	loanRepo     repositories.LoanRepository
}

// NewLibraryService wires up all dependencies and returns a LibraryService.
func NewLibraryService(
	locationRepo repositories.LocationRepository,
	bookRepo repositories.BookRepository,
	copyRepo repositories.CopyRepository,
	loanRepo repositories.LoanRepository,
) LibraryService {
	return &libraryService{
		locationRepo: locationRepo,
		bookRepo:     bookRepo,
		copyRepo:     copyRepo,
		loanRepo:     loanRepo,
	}
}

// ─── Loan Engine ──────────────────────────────────────────────────────────────

// Borrow attempts to lend the copy behind qrCodeID to userID.
//
// The check-then-insert here is racy on purpose: no lock is taken between the
// open-loan lookup and the loan insert. The partial unique index uniq_open_loan
// ("one open loan per copy") is the sole synchronization primitive: when two
// requests race, the store commits exactly one insert and the loser gets a
// unique violation, surfaced as ErrRaceLost. This composes across stateless
// server instances where in-process locks would not.
func (s *libraryService) Borrow(qrCodeID string, userID int64, username string) (*BorrowResult, error) {
	copy, err := s.copyRepo.GetByQRCode(nil, qrCodeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCopyNotFound
		}
		return nil, err
	}

	open, err := s.loanRepo.GetOpenByQRCode(nil, qrCodeID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if open != nil {
		if open.UserID == userID {
			// Idempotent branch: the caller already holds this copy. Report,
			// touch nothing.
			log.Printf("[INFO] Borrow: user %d already holds copy %s (loan=%s)", userID, qrCodeID, open.ID)
			return &BorrowResult{
				Loan:         open,
				Book:         &copy.Book,
				CopyNumber:   copy.CopyNumber,
				AlreadyYours: true,
			}, nil
		}
		return nil, &CurrentlyBorrowedError{DueDate: open.DueDate}
	}

	now := time.Now().UTC()
	loan := &models.Loan{
		QRCodeID:   qrCodeID,
		UserID:     userID,
		Username:   username,
		BorrowedAt: now,
		DueDate:    now.AddDate(0, 0, LoanPeriodDays),
	}
	if err := s.loanRepo.Create(nil, loan); err != nil {
		if isUniqueViolation(err, constraintOpenLoan) {
			log.Printf("[WARN] Borrow: user %d lost the race for copy %s", userID, qrCodeID)
			return nil, ErrRaceLost
		}
		log.Printf("[ERROR] Borrow: failed to create loan for copy %s / user %d: %v", qrCodeID, userID, err)
		return nil, err
	}

	log.Printf("[INFO] Borrow: loan created (id=%s) for user %d / copy %s, due %s",
		loan.ID, userID, qrCodeID, loan.DueDate.Format("2006-01-02"))
	return &BorrowResult{Loan: loan, Book: &copy.Book, CopyNumber: copy.CopyNumber}, nil
}

// Return closes the caller's open loan on the copy. The close is a conditional
// update guarded by "returned_at IS NULL", so a duplicate submission simply
// matches zero rows and reports ErrNoActiveLoan with no state change.
func (s *libraryService) Return(qrCodeID string, userID int64) (*ReturnResult, error) {
	open, err := s.loanRepo.GetOpenByQRCode(nil, qrCodeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveLoan
		}
		return nil, err
	}
	// A loan held by someone else reads the same as no loan at all; the caller
	// learns nothing about other users' loans.
	if open.UserID != userID {
		return nil, ErrNoActiveLoan
	}

	now := time.Now().UTC()
	rows, err := s.loanRepo.MarkReturned(nil, open.ID, now)
	if err != nil {
		log.Printf("[ERROR] Return: failed to close loan %s: %v", open.ID, err)
		return nil, err
	}
	if rows == 0 {
		// A concurrent return closed it first.
		return nil, ErrNoActiveLoan
	}

	copy, err := s.copyRepo.GetByQRCode(nil, qrCodeID)
	if err != nil {
		return nil, err
	}

	log.Printf("[INFO] Return: loan %s closed for user %d / copy %s", open.ID, userID, qrCodeID)
	return &ReturnResult{Book: &copy.Book, BorrowedAt: open.BorrowedAt, ReturnedAt: now}, nil
}

// ListUserLoans returns the caller's open loans, most recent first.
func (s *libraryService) ListUserLoans(userID int64) ([]models.Loan, error) {
	return s.loanRepo.ListOpenByUser(nil, userID)
}

// ─── Lookup & Search ──────────────────────────────────────────────────────────

// ListBooks returns all catalogue entries.
func (s *libraryService) ListBooks() ([]models.Book, error) {
	return s.bookRepo.List(nil)
}

// GetBook returns a book with all its copies, each annotated with derived
// availability and, when on loan, the current due date.
func (s *libraryService) GetBook(bookID uuid.UUID) (*BookDetails, error) {
	book, err := s.bookRepo.GetByID(nil, bookID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, err
	}

	copies, err := s.copyRepo.ListByBook(nil, bookID)
	if err != nil {
		return nil, err
	}
	openLoans, err := s.loanRepo.ListOpenByBook(nil, bookID)
	if err != nil {
		return nil, err
	}

	openByCode := make(map[string]*models.Loan, len(openLoans))
	for i := range openLoans {
		openByCode[openLoans[i].QRCodeID] = &openLoans[i]
	}

	details := &BookDetails{Book: book, Copies: make([]CopyAvailability, 0, len(copies))}
	for _, c := range copies {
		entry := CopyAvailability{Copy: c, Location: c.Location, IsAvailable: true}
		if loan, ok := openByCode[c.QRCodeID]; ok {
			entry.IsAvailable = false
			due := loan.DueDate
			entry.DueDate = &due
		}
		details.Copies = append(details.Copies, entry)
	}
	return details, nil
}

// GetCopy is the canonical "what is this physical sticker" lookup.
func (s *libraryService) GetCopy(qrCodeID string) (*CopyDetails, error) {
	copy, err := s.copyRepo.GetByQRCode(nil, qrCodeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCopyNotFound
		}
		return nil, err
	}

	open, err := s.loanRepo.GetOpenByQRCode(nil, qrCodeID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return &CopyDetails{
		Copy:     copy,
		Book:     &copy.Book,
		Location: &copy.Location,
		OpenLoan: open,
	}, nil
}

// SearchBooks matches title or author case-insensitively. Availability counts
// are recomputed per call from the open-loan definition; nothing is cached.
func (s *libraryService) SearchBooks(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	rows, err := s.bookRepo.Search(nil, query, limit)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, SearchResult{
			ISBN:            row.ISBN,
			Title:           row.Title,
			Author:          row.Author,
			TotalCopies:     row.TotalCopies,
			AvailableCopies: row.TotalCopies - row.BorrowedCopies,
		})
	}
	return results, nil
}

// ─── Copy Provisioning ────────────────────────────────────────────────────────

// AddCopy binds a new physical copy to a book and location. The scanned payload
// may be a bare code or a deep-link URL carrying it; anything failing the code
// grammar is rejected before any row is touched.
//
// copy_number is 1 + count of existing copies. Two concurrent provisions for
// the same book can compute the same number; the uniq_book_copy_number index
// rejects the loser, which recomputes and retries once.
func (s *libraryService) AddCopy(bookID uuid.UUID, scannedPayload string, locationID uuid.UUID) (*AddCopyResult, error) {
	qrCodeID, err := copycode.Extract(scannedPayload)
	if err != nil {
		log.Printf("[WARN] AddCopy: malformed scan payload for book %s", bookID)
		return nil, ErrMalformedQrInput
	}

	if _, err := s.bookRepo.GetByID(nil, bookID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, err
	}
	if _, err := s.locationRepo.GetByID(nil, locationID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}

	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		count, err := s.copyRepo.CountByBook(nil, bookID)
		if err != nil {
			return nil, err
		}

		copy := &models.Copy{
			QRCodeID:   qrCodeID,
			BookID:     bookID,
			LocationID: locationID,
			CopyNumber: int(count) + 1,
			Status:     models.CopyStatusAvailable,
		}
		err = s.copyRepo.Create(nil, copy)
		if err == nil {
			log.Printf("[INFO] AddCopy: copy %s (#%d) added for book %s at location %s",
				qrCodeID, copy.CopyNumber, bookID, locationID)
			return &AddCopyResult{QRCodeID: qrCodeID, CopyNumber: copy.CopyNumber}, nil
		}

		if isUniqueViolation(err, constraintCopyPK) {
			return nil, ErrQrCodeAlreadyAssigned
		}
		if isUniqueViolation(err, constraintCopyNumber) {
			if attempt < maxAttempts {
				// Another provision claimed this ordinal; recount and retry.
				log.Printf("[WARN] AddCopy: copy_number collision at #%d for book %s, retrying", copy.CopyNumber, bookID)
				continue
			}
			return nil, ErrCopyNumberContention
		}
		log.Printf("[ERROR] AddCopy: failed to create copy %s for book %s: %v", qrCodeID, bookID, err)
		return nil, err
	}
}

// ─── Catalog Management ───────────────────────────────────────────────────────

// CreateBook adds a catalogue entry. Copies are provisioned separately.
func (s *libraryService) CreateBook(isbn, title, author, description, imageURL string) (*models.Book, error) {
	book := &models.Book{
		ISBN:        isbn,
		Title:       title,
		Author:      author,
		Description: description,
		ImageURL:    imageURL,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.bookRepo.Create(nil, book); err != nil {
		if isUniqueViolation(err, constraintISBN) {
			return nil, ErrISBNAlreadyExists
		}
		log.Printf("[ERROR] CreateBook: failed to create book %q: %v", title, err)
		return nil, err
	}
	log.Printf("[INFO] CreateBook: created book %q (id=%s, isbn=%s)", book.Title, book.ID, book.ISBN)
	return book, nil
}

func (s *libraryService) CreateLocation(name string) (*models.Location, error) {
	location := &models.Location{Name: name}
	if err := s.locationRepo.Create(nil, location); err != nil {
		log.Printf("[ERROR] CreateLocation: failed to create location %q: %v", name, err)
		return nil, err
	}
	log.Printf("[INFO] CreateLocation: created location %q (id=%s)", name, location.ID)
	return location, nil
}

func (s *libraryService) ListLocations() ([]models.Location, error) {
	return s.locationRepo.List(nil)
}

// ─── Internal Helpers ─────────────────────────────────────────────────────────

// isUniqueViolation checks whether err is a PostgreSQL unique-constraint
// violation (code 23505) on the named constraint. These are expected control
// flow on the borrow and provisioning paths, never generic failures.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	// Fallback for drivers that stringify the server error.
	return err != nil &&
		strings.Contains(err.Error(), "23505") &&
		strings.Contains(err.Error(), constraint)
}
