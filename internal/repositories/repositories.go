package repositories

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"shelfbot/internal/models"
)

type LocationRepository interface {
	Create(db *gorm.DB, location *models.Location) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Location, error)
	List(db *gorm.DB) ([]models.Location, error)
}

type BookRepository interface {
	Create(db *gorm.DB, book *models.Book) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error)
	List(db *gorm.DB) ([]models.Book, error)
	Search(db *gorm.DB, query string, limit int) ([]BookSearchRow, error)
}

type CopyRepository interface {
	Create(db *gorm.DB, copy *models.Copy) error
	GetByQRCode(db *gorm.DB, qrCodeID string) (*models.Copy, error)
	ListByBook(db *gorm.DB, bookID uuid.UUID) ([]models.Copy, error)
	CountByBook(db *gorm.DB, bookID uuid.UUID) (int64, error)
}

type LoanRepository interface {
	Create(db *gorm.DB, loan *models.Loan) error
	GetOpenByQRCode(db *gorm.DB, qrCodeID string) (*models.Loan, error)
	ListOpenByBook(db *gorm.DB, bookID uuid.UUID) ([]models.Loan, error)
	ListOpenByUser(db *gorm.DB, userID int64) ([]models.Loan, error)
	MarkReturned(db *gorm.DB, loanID uuid.UUID, returnedAt time.Time) (int64, error)
}

// BookSearchRow is one search hit with its derived availability aggregates.
// BorrowedCopies counts copies with an open loan; availability is
// TotalCopies - BorrowedCopies, always recomputed, never stored.
type BookSearchRow struct {
	ID             uuid.UUID `json:"id"`
	ISBN           string    `json:"isbn"`
	Title          string    `json:"title"`
	Author         string    `json:"author"`
	TotalCopies    int       `json:"total_copies"`
	BorrowedCopies int       `json:"borrowed_copies"`
}

// concrete implementations

type locationRepository struct {
	db *gorm.DB
}

func NewLocationRepository(db *gorm.DB) LocationRepository {
	return &locationRepository{db: db}
}

func (r *locationRepository) Create(db *gorm.DB, location *models.Location) error {
	if db == nil {
		db = r.db
	}
	return db.Create(location).Error
}

func (r *locationRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Location, error) {
	if db == nil {
		db = r.db
	}
	var location models.Location
	if err := db.First(&location, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &location, nil
}

func (r *locationRepository) List(db *gorm.DB) ([]models.Location, error) {
	if db == nil {
		db = r.db
	}
	var locations []models.Location
	if err := db.Order("name ASC").Find(&locations).Error; err != nil {
		return nil, err
	}
	return locations, nil
}

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

func (r *bookRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
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
	if err := db.Order("created_at DESC, id ASC").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

// Search matches title or author case-insensitively and aggregates per-book
// availability in one pass. The partial unique index guarantees at most one
// open loan per copy, so the open-loan join cannot fan out copy rows.
func (r *bookRepository) Search(db *gorm.DB, query string, limit int) ([]BookSearchRow, error) {
	if db == nil {
		db = r.db
	}
	pattern := "%" + query + "%"
	var rows []BookSearchRow
	err := db.Raw(`
		SELECT b.id, b.isbn, b.title, b.author,
		       COUNT(c.qr_code_id)                                   AS total_copies,
		       COUNT(c.qr_code_id) FILTER (WHERE l.id IS NOT NULL)   AS borrowed_copies
		FROM books b
		LEFT JOIN copies c ON c.book_id = b.id
		LEFT JOIN loans  l ON l.qr_code_id = c.qr_code_id AND l.returned_at IS NULL
		WHERE b.title ILIKE ? OR b.author ILIKE ?
		GROUP BY b.id, b.isbn, b.title, b.author
		ORDER BY b.title ASC, b.id ASC
		LIMIT ?`,
		pattern, pattern, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type copyRepository struct {
	db *gorm.DB
}

func NewCopyRepository(db *gorm.DB) CopyRepository {
	return &copyRepository{db: db}
}

func (r *copyRepository) Create(db *gorm.DB, copy *models.Copy) error {
	if db == nil {
		db = r.db
	}
	return db.Create(copy).Error
}

func (r *copyRepository) GetByQRCode(db *gorm.DB, qrCodeID string) (*models.Copy, error) {
	if db == nil {
		db = r.db
	}
	var copy models.Copy
	err := db.
		Preload("Book").
		Preload("Location").
		First(&copy, "qr_code_id = ?", qrCodeID).Error
	if err != nil {
		return nil, err
	}
	return &copy, nil
}

func (r *copyRepository) ListByBook(db *gorm.DB, bookID uuid.UUID) ([]models.Copy, error) {
	if db == nil {
		db = r.db
	}
	var copies []models.Copy
	err := db.
		Preload("Location").
		Where("book_id = ?", bookID).
		Order("copy_number ASC").
		Find(&copies).Error
	if err != nil {
		return nil, err
	}
	return copies, nil
}

func (r *copyRepository) CountByBook(db *gorm.DB, bookID uuid.UUID) (int64, error) {
	if db == nil {
		db = r.db
	}
	var count int64
	err := db.Model(&models.Copy{}).
		Where("book_id = ?", bookID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
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

func (r *loanRepository) GetOpenByQRCode(db *gorm.DB, qrCodeID string) (*models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loan models.Loan
	err := db.
		Where("qr_code_id = ? AND returned_at IS NULL", qrCodeID).
		First(&loan).Error
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (r *loanRepository) ListOpenByBook(db *gorm.DB, bookID uuid.UUID) ([]models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loans []models.Loan
	err := db.
		Joins("JOIN copies ON copies.qr_code_id = loans.qr_code_id").
		Where("copies.book_id = ? AND loans.returned_at IS NULL", bookID).
		Find(&loans).Error
	if err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *loanRepository) ListOpenByUser(db *gorm.DB, userID int64) ([]models.Loan, error) {
	if db == nil {
		db = r.db
	}
	var loans []models.Loan
	err := db.
		Preload("Copy").
		Preload("Copy.Book").
		Preload("Copy.Location").
		Where("user_id = ? AND returned_at IS NULL", userID).
		Order("borrowed_at DESC").
		Find(&loans).Error
	if err != nil {
		return nil, err
	}
	return loans, nil
}

// MarkReturned conditionally closes a loan. The returned_at IS NULL guard makes
// double-submission safe: a second return matches zero rows.
func (r *loanRepository) MarkReturned(db *gorm.DB, loanID uuid.UUID, returnedAt time.Time) (int64, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Loan{}).
		Where("id = ? AND returned_at IS NULL", loanID).
		Update("returned_at", returnedAt)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
